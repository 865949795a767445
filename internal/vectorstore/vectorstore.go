// Package vectorstore holds the types shared by the vector store backends:
// search results, similarity math and result formatting.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultQueryInstruction is prepended to every search query before it is
// embedded. Stored QA documents start with the same marker.
const DefaultQueryInstruction = "问题： "

// DefaultTopK is used when a search asks for zero results.
const DefaultTopK = 5

// DefaultMetadata is attached to documents added without metadata in a batch.
func DefaultMetadata() map[string]any {
	return map[string]any{"source": "deepseek-fin", "type": "qa"}
}

// ErrEmptyQuery is returned when a search query is blank.
var ErrEmptyQuery = errors.New("vectorstore: empty query")

// Result is a single search hit.
type Result struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	// Distance is the cosine distance to the query, 0 for identical direction.
	Distance float64 `json:"distance"`
}

// Similarity returns 1 - Distance.
func (r Result) Similarity() float64 {
	return 1 - r.Distance
}

// Searcher answers similarity queries.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]Result, error)
}

// Store is a full vector store: crawler.VectorStore plus search.
type Store interface {
	Searcher
	AddDocument(ctx context.Context, text string, metadata map[string]any) (string, error)
}

// Normalize scales v to unit length in place and returns it. Zero vectors are
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// Cosine returns the cosine similarity of a and b. Mismatched lengths or zero
// vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Candidate is a stored document considered for ranking.
type Candidate struct {
	ID        string
	Content   string
	Metadata  map[string]any
	Embedding []float32
}

// Rank scores candidates against query and returns the topK closest, nearest
// first. Ties keep candidate order.
func Rank(query []float32, candidates []Candidate, topK int) []Result {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, Result{
			ID:       c.ID,
			Content:  c.Content,
			Metadata: c.Metadata,
			Distance: 1 - Cosine(query, c.Embedding),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// QueryText applies the instruction prefix to a user query.
func QueryText(instruction, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	return instruction + query, nil
}

const (
	previewRunes = 500
	ruleWidth    = 80
)

// FormatResults writes a human-readable report of results to w.
func FormatResults(w io.Writer, results []Result) error {
	var b strings.Builder
	b.WriteString("\n" + strings.Repeat("=", ruleWidth) + "\n")
	b.WriteString("results:\n")
	b.WriteString(strings.Repeat("=", ruleWidth) + "\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n【结果 %d】 相似度: %.4f\n", i+1, r.Similarity())
		b.WriteString(strings.Repeat("-", ruleWidth) + "\n")
		fmt.Fprintf(&b, "内容: %s\n", preview(r.Content))
		fmt.Fprintf(&b, "元数据: %s\n", formatMetadata(r.Metadata))
	}
	b.WriteString("\n" + strings.Repeat("=", ruleWidth) + "\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	return string([]rune(content)[:previewRunes]) + "..."
}

func formatMetadata(metadata map[string]any) string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%q: %v", k, metadata[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
