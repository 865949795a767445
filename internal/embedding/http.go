package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/finresearch-crawler/internal/crawler"
	"github.com/JakeFAU/finresearch-crawler/internal/vectorstore"
)

// HTTPConfig configures an OpenAI-compatible embeddings endpoint.
type HTTPConfig struct {
	// BaseURL is the API root; "/embeddings" is appended.
	BaseURL string
	Model   string
	APIKey  string
	Dims    int
	// BatchSize caps the number of inputs per request. Zero sends everything
	// at once.
	BatchSize int
	Timeout   time.Duration
}

// HTTP calls a remote embeddings API.
type HTTP struct {
	cfg    HTTPConfig
	client crawler.Doer
}

// NewHTTP validates cfg and builds an HTTP embedder. A nil client gets a
// default one using cfg.Timeout.
func NewHTTP(cfg HTTPConfig, client crawler.Doer) (*HTTP, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("embedding.base_url is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding.model is required")
	}
	if cfg.Dims <= 0 {
		return nil, errors.New("embedding.dimensions must be > 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTP{cfg: cfg, client: client}, nil
}

// Dimensions implements Embedder.
func (h *HTTP) Dimensions() int {
	return h.cfg.Dims
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements Embedder.
func (h *HTTP) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	batch := h.cfg.BatchSize
	if batch <= 0 {
		batch = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		end := min(start+batch, len(texts))
		vecs, err := h.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (h *HTTP) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: h.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}
	endpoint := h.cfg.BaseURL + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &crawler.TransportError{Method: http.MethodPost, URL: endpoint, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &crawler.StatusError{Method: http.MethodPost, URL: endpoint, StatusCode: resp.StatusCode}
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(decoded.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(decoded.Data), len(texts))
	}
	vecs := make([][]float32, len(texts))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(texts) || vecs[item.Index] != nil {
			return nil, fmt.Errorf("embedding response has invalid index %d", item.Index)
		}
		if len(item.Embedding) != h.cfg.Dims {
			return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(item.Embedding), h.cfg.Dims)
		}
		vecs[item.Index] = vectorstore.Normalize(item.Embedding)
	}
	return vecs, nil
}
