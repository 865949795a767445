package crawler

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Record is a single structured item produced by a Source.
type Record struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// Payload is the raw result of a fetch. The pipeline never retains it.
type Payload struct {
	URL         string
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// Source is a data-source variant: it knows how to fetch a URL and how to turn
// the fetched payload into records. Fetch must not touch pipeline state and
// Parse must not perform network I/O.
type Source interface {
	Fetch(ctx context.Context, rawURL string, params url.Values) (Payload, error)
	Parse(payload Payload) ([]Record, error)
}

// VectorStore accepts documents and returns their identifiers.
type VectorStore interface {
	AddDocument(ctx context.Context, text string, metadata map[string]any) (string, error)
}

// Cleaner normalizes a record before it is stored.
type Cleaner interface {
	Clean(record Record) (Record, error)
}

// Doer executes HTTP requests (satisfied by *http.Client).
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Requester is the slice of Pipeline that sources need for network I/O.
type Requester interface {
	RequestWithRetry(ctx context.Context, method, rawURL string, opts RequestOptions) (*http.Response, error)
	Config() Config
}

// RequestOptions customizes a single RequestWithRetry call.
type RequestOptions struct {
	// Params are merged into the URL query string.
	Params url.Values
	// Header overrides session headers for this call.
	Header http.Header
	// Body is replayed on every attempt.
	Body []byte
}
