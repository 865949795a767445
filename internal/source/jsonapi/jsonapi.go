// Package jsonapi implements a crawl source for JSON endpoints and local JSON
// datasets.
package jsonapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/finresearch-crawler/internal/crawler"
)

// DefaultSourceName labels QA records when Config.SourceName is empty.
const DefaultSourceName = "deepseek-fin"

// Mode selects how JSON items are turned into records.
type Mode string

const (
	// ModeQA reads alpaca-style objects with instruction and output keys.
	ModeQA Mode = "qa"
	// ModeFields maps arbitrary objects through ContentField and MetadataFields.
	ModeFields Mode = "fields"
)

// ErrUnsupportedMode is returned for an unknown Mode.
var ErrUnsupportedMode = errors.New("jsonapi: unsupported mode")

// Config controls how responses are interpreted.
type Config struct {
	Mode Mode
	// SourceName is written to the "source" metadata key in ModeQA.
	SourceName string
	// ItemsKey names the top-level array when the document is an object.
	ItemsKey string
	// ContentField names the item key that becomes record content in ModeFields.
	ContentField string
	// MetadataFields are copied from each item into the record metadata.
	MetadataFields []string
	MaxBodyBytes   int64
}

// DefaultConfig returns a QA configuration.
func DefaultConfig() Config {
	return Config{
		Mode:         ModeQA,
		SourceName:   DefaultSourceName,
		ContentField: "content",
		MaxBodyBytes: 20 << 20,
	}
}

// Source fetches JSON through the pipeline session.
type Source struct {
	req crawler.Requester
	cfg Config
}

// New creates a Source. req may be nil when the source is only used to parse
// local files.
func New(req crawler.Requester, cfg Config) *Source {
	if cfg.Mode == "" {
		cfg.Mode = ModeQA
	}
	if cfg.SourceName == "" {
		cfg.SourceName = DefaultSourceName
	}
	return &Source{req: req, cfg: cfg}
}

// Fetch implements crawler.Source.
func (s *Source) Fetch(ctx context.Context, rawURL string, params url.Values) (crawler.Payload, error) {
	if s.req == nil {
		return crawler.Payload{}, errors.New("jsonapi: no requester configured")
	}
	resp, err := s.req.RequestWithRetry(ctx, http.MethodGet, rawURL, crawler.RequestOptions{
		Params: params,
		Header: http.Header{"Accept": {"application/json"}},
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
	payload.FetchedAt = time.Now().UTC()
	return payload, nil
}

// LoadFile reads a local dataset into a Payload so it can flow through Parse
// and Pipeline.Store.
func LoadFile(path string) (crawler.Payload, error) {
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return crawler.Payload{}, fmt.Errorf("read dataset %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return crawler.Payload{}, fmt.Errorf("stat dataset %s: %w", path, err)
	}
	return crawler.Payload{
		URL:         "file://" + filepath.ToSlash(path),
		StatusCode:  http.StatusOK,
		ContentType: "application/json",
		Body:        body,
		FetchedAt:   info.ModTime().UTC(),
	}, nil
}

// Parse implements crawler.Source.
func (s *Source) Parse(payload crawler.Payload) ([]crawler.Record, error) {
	items, err := s.items(payload.Body)
	if err != nil {
		return nil, err
	}
	switch s.cfg.Mode {
	case ModeQA:
		return s.parseQA(items)
	case ModeFields:
		return s.parseFields(items, payload.URL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, s.cfg.Mode)
	}
}

func (s *Source) items(body []byte) ([]json.RawMessage, error) {
	if s.cfg.ItemsKey == "" {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode json array: %w", err)
		}
		return items, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	raw, ok := doc[s.cfg.ItemsKey]
	if !ok {
		return nil, fmt.Errorf("decode json object: missing key %q", s.cfg.ItemsKey)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.cfg.ItemsKey, err)
	}
	return items, nil
}

type qaItem struct {
	Instruction string `json:"instruction"`
	Output      string `json:"output"`
}

// QAContent renders a question/answer pair the way it is embedded.
func QAContent(question, answer string) string {
	return "问题：" + question + "\n答案：" + answer
}

func (s *Source) parseQA(items []json.RawMessage) ([]crawler.Record, error) {
	records := make([]crawler.Record, 0, len(items))
	for i, raw := range items {
		var item qaItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", i, err)
		}
		if strings.TrimSpace(item.Instruction) == "" && strings.TrimSpace(item.Output) == "" {
			continue
		}
		records = append(records, crawler.Record{
			Content:  QAContent(item.Instruction, item.Output),
			Metadata: map[string]any{"source": s.cfg.SourceName, "type": "qa"},
		})
	}
	return records, nil
}

func (s *Source) parseFields(items []json.RawMessage, origin string) ([]crawler.Record, error) {
	field := s.cfg.ContentField
	if field == "" {
		field = "content"
	}
	records := make([]crawler.Record, 0, len(items))
	for i, raw := range items {
		var item map[string]any
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", i, err)
		}
		content := strings.TrimSpace(stringify(item[field]))
		if content == "" {
			continue
		}
		metadata := map[string]any{}
		if origin != "" {
			metadata["url"] = origin
		}
		for _, key := range s.cfg.MetadataFields {
			if v, ok := item[key]; ok && v != nil {
				metadata[key] = v
			}
		}
		records = append(records, crawler.Record{Content: content, Metadata: metadata})
	}
	return records, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
