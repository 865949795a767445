// Package auto implements a crawl source that fetches pages over plain HTTP
// and re-renders them in headless Chrome only when the static HTML looks like
// a client-rendered shell.
package auto

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/finresearch-crawler/internal/crawler"
)

// Detector decides whether a statically fetched page must be rendered.
type Detector interface {
	ShouldPromote(payload crawler.Payload) bool
}

// Source combines a static source with an optional renderer.
type Source struct {
	static   crawler.Source
	renderer crawler.Source
	detector Detector
	logger   *zap.Logger
}

var _ crawler.Source = (*Source)(nil)

// New creates a Source. With a nil renderer it behaves exactly like static.
// A nil detector uses NewHeuristic(0).
func New(static, renderer crawler.Source, detector Detector, logger *zap.Logger) *Source {
	if detector == nil {
		detector = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{static: static, renderer: renderer, detector: detector, logger: logger}
}

// Fetch implements crawler.Source. Render failures fall back to the static
// payload.
func (s *Source) Fetch(ctx context.Context, rawURL string, params url.Values) (crawler.Payload, error) {
	payload, err := s.static.Fetch(ctx, rawURL, params)
	if err != nil {
		return crawler.Payload{}, err
	}
	if s.renderer == nil || !s.detector.ShouldPromote(payload) {
		return payload, nil
	}

	s.logger.Info("Promoting to headless render", zap.String("url", rawURL), zap.Int("static_bytes", len(payload.Body)))
	rendered, err := s.renderer.Fetch(ctx, rawURL, params)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.Payload{}, ctx.Err()
		}
		s.logger.Warn("Headless render failed; using static page", zap.String("url", rawURL), zap.Error(err))
		return payload, nil
	}
	return rendered, nil
}

// Parse implements crawler.Source. Rendered and static pages are both HTML,
// so the static parser handles either.
func (s *Source) Parse(payload crawler.Payload) ([]crawler.Record, error) {
	return s.static.Parse(payload)
}
