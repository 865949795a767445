package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/finresearch-crawler/internal/source/jsonapi"
)

// newIngestCmd creates the 'ingest' subcommand, which bulk-loads a local
// question/answer dataset into the vector store.
func newIngestCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "ingest <dataset.json>",
		Short: "Loads a local JSON dataset into the vector store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngestCommand(cmd, args[0], batchSize)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "documents per embedding batch (default: store.batch_size)")
	return cmd
}

func runIngestCommand(cmd *cobra.Command, path string, batchSize int) error {
	ctx := cmd.Context()
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()
	if batchSize <= 0 {
		batchSize = appInstance.Config().Store.BatchSize
	}

	payload, err := jsonapi.LoadFile(path)
	if err != nil {
		return err
	}
	records, err := appInstance.Dataset().Parse(payload)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	cmd.Printf("Loaded %d records from %s\n", len(records), path)

	cleaner := appInstance.Cleaner()
	texts := make([]string, 0, len(records))
	metadatas := make([]map[string]any, 0, len(records))
	for i, record := range records {
		if cleaner != nil {
			cleaned, err := cleaner.Clean(record)
			if err != nil {
				logger.Warn("Skipping record", zap.Int("index", i), zap.Error(err))
				continue
			}
			record = cleaned
		}
		texts = append(texts, record.Content)
		metadatas = append(metadatas, record.Metadata)
	}

	var added int
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		ids, err := appInstance.AddTexts(ctx, texts[start:end], metadatas[start:end])
		added += len(ids)
		if err != nil {
			return fmt.Errorf("ingest batch at %d: %w", start, err)
		}
		cmd.Printf("Added %d/%d documents\n", added, len(texts))
	}

	if uri, err := appInstance.SaveSnapshot(context.WithoutCancel(ctx)); err != nil {
		return err
	} else if uri != "" {
		cmd.Printf("Saved snapshot to %s\n", uri)
	}
	total, err := appInstance.Count(ctx)
	if err != nil {
		return err
	}
	logger.Info("Ingest finished.", zap.String("path", path), zap.Int("added", added), zap.Int64("total", total))
	cmd.Printf("Vector store holds %d documents\n", total)
	return nil
}
