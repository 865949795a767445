package auto

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/finresearch-crawler/internal/crawler"
)

// DefaultPromotionThreshold is the body size below which a script-heavy page
// is considered a client-rendered shell.
const DefaultPromotionThreshold = 2048

// Heuristic decides from the static payload whether a page needs a browser.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a Heuristic. A zero threshold uses
// DefaultPromotionThreshold.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultPromotionThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote reports whether payload looks like a JavaScript shell whose
// content only appears after rendering.
func (h *Heuristic) ShouldPromote(payload crawler.Payload) bool {
	if payload.StatusCode != http.StatusOK {
		return false
	}
	body := payload.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptHeavy(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptHeavy reports whether <script> elements cover at least a quarter of
// the document.
func scriptHeavy(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			// Malformed tag; the rest of the document counts as script.
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1

		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered > 0 && covered*100/total >= 25
}
