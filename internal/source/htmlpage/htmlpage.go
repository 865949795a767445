// Package htmlpage implements a crawl source for server-rendered HTML pages.
package htmlpage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/finresearch-crawler/internal/crawler"
	"github.com/JakeFAU/finresearch-crawler/internal/hash"
)

// SourceName is recorded in the metadata of every record.
const SourceName = "html"

const (
	defaultSelector     = "article, main, body"
	defaultChunkSize    = 1000
	defaultMaxBodyBytes = 5 << 20

	noiseSelector = "script, style, noscript, template, iframe, svg"
	blockSelector = "p, h1, h2, h3, h4, h5, h6, li, pre, blockquote, td, th, dd, dt, figcaption"
)

// Config controls content selection and chunking.
type Config struct {
	// Selector lists candidate content roots; the first one present wins.
	Selector string
	// ChunkSize caps each record in runes. Zero emits one record per page.
	ChunkSize int
	// MaxBodyBytes caps how much of the response is read.
	MaxBodyBytes int64
}

// DefaultConfig returns the settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		Selector:     defaultSelector,
		ChunkSize:    defaultChunkSize,
		MaxBodyBytes: defaultMaxBodyBytes,
	}
}

// Source fetches HTML through the pipeline session and splits the readable
// text into records.
type Source struct {
	req crawler.Requester
	cfg Config
	now func() time.Time
}

// New creates a Source that performs its I/O through req.
func New(req crawler.Requester, cfg Config) *Source {
	if strings.TrimSpace(cfg.Selector) == "" {
		cfg.Selector = defaultSelector
	}
	if cfg.ChunkSize < 0 {
		cfg.ChunkSize = 0
	}
	return &Source{
		req: req,
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Fetch implements crawler.Source.
func (s *Source) Fetch(ctx context.Context, rawURL string, params url.Values) (crawler.Payload, error) {
	resp, err := s.req.RequestWithRetry(ctx, http.MethodGet, rawURL, crawler.RequestOptions{
		Params: params,
		Header: http.Header{"Accept": {"text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"}},
	})
	if err != nil {
		return crawler.Payload{}, err
	}
	payload, err := crawler.ReadBody(resp, s.cfg.MaxBodyBytes)
	if err != nil {
		return crawler.Payload{}, err
	}
	if payload.URL == "" {
		payload.URL = rawURL
	}
	payload.FetchedAt = s.now()
	return payload, nil
}

// Parse implements crawler.Source.
func (s *Source) Parse(payload crawler.Payload) ([]crawler.Record, error) {
	return Parse(payload, s.cfg)
}

// Parse extracts the readable text of an HTML payload into records. It is
// exported so other HTML-producing sources can share it.
func Parse(payload crawler.Payload, cfg Config) ([]crawler.Record, error) {
	if strings.TrimSpace(cfg.Selector) == "" {
		cfg.Selector = defaultSelector
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Find(noiseSelector).Remove()

	title := normalizeSpace(doc.Find("title").First().Text())
	root := selectRoot(doc, cfg.Selector)
	if root == nil {
		return nil, nil
	}

	chunks := chunkParagraphs(paragraphs(root), cfg.ChunkSize)
	if len(chunks) == 0 {
		return nil, nil
	}

	contentHash := hash.ContentHash(payload.Body)
	records := make([]crawler.Record, 0, len(chunks))
	for i, chunk := range chunks {
		metadata := map[string]any{
			"url":          payload.URL,
			"title":        title,
			"source":       SourceName,
			"chunk":        i,
			"chunks":       len(chunks),
			"content_hash": contentHash,
		}
		if !payload.FetchedAt.IsZero() {
			metadata["fetched_at"] = payload.FetchedAt.Format(time.RFC3339)
		}
		records = append(records, crawler.Record{Content: chunk, Metadata: metadata})
	}
	return records, nil
}

func selectRoot(doc *goquery.Document, selector string) *goquery.Selection {
	for _, candidate := range strings.Split(selector, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if sel := doc.Find(candidate).First(); sel.Length() > 0 {
			return sel
		}
	}
	return nil
}

// paragraphs returns the normalized text of leaf block elements, falling back
// to the root's full text when the markup has no blocks.
func paragraphs(root *goquery.Selection) []string {
	var out []string
	root.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		if text := normalizeSpace(s.Text()); text != "" {
			out = append(out, text)
		}
	})
	if len(out) == 0 {
		if text := normalizeSpace(root.Text()); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// chunkParagraphs packs paragraphs into chunks of at most size runes, joined by
// newlines. Oversized paragraphs are split on rune boundaries. size <= 0 joins
// everything into a single chunk.
func chunkParagraphs(paras []string, size int) []string {
	if len(paras) == 0 {
		return nil
	}
	if size <= 0 {
		return []string{strings.Join(paras, "\n")}
	}

	var (
		chunks  []string
		current strings.Builder
		runes   int
	)
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			runes = 0
		}
	}
	for _, para := range paras {
		for _, piece := range splitRunes(para, size) {
			if piece == "" {
				continue
			}
			n := utf8.RuneCountInString(piece)
			sep := 0
			if runes > 0 {
				sep = 1
			}
			if runes+sep+n > size {
				flush()
				sep = 0
			}
			if sep == 1 {
				current.WriteByte('\n')
			}
			current.WriteString(piece)
			runes += sep + n
		}
	}
	flush()
	return chunks
}

func splitRunes(s string, size int) []string {
	if utf8.RuneCountInString(s) <= size {
		return []string{s}
	}
	var parts []string
	runes := []rune(s)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		parts = append(parts, strings.TrimSpace(string(runes[start:end])))
	}
	return parts
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
