package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/finresearch-crawler/internal/vectorstore"
)

// newQueryCmd creates the 'query' subcommand.
func newQueryCmd() *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "query <text>...",
		Short: "Searches the vector store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if topK <= 0 {
				topK = appInstance.Config().Query.TopK
			}
			query := strings.Join(args, " ")
			results, err := appInstance.Store().Search(cmd.Context(), query, topK)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if len(results) == 0 {
				cmd.Println("No results.")
				return nil
			}
			return vectorstore.FormatResults(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of results (default: query.top_k)")
	return cmd
}
