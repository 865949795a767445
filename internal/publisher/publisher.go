// Package publisher announces finished crawl runs to downstream consumers.
package publisher

import (
	"context"
	"time"
)

// Publisher sends a payload to a topic and returns the broker's message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// CrawlEvent is published once per crawled URL.
type CrawlEvent struct {
	RunID string   `json:"run_id"`
	URL   string   `json:"url"`
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
	// Rejected is set when robots.txt disallowed the URL.
	Rejected   bool      `json:"rejected"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
