// Package cleaner normalizes record text before it is embedded.
package cleaner

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/finresearch-crawler/internal/crawler"
)

// DefaultMinRunes is the shortest content kept by a zero-value Text.
const DefaultMinRunes = 10

// ErrTooShort marks content that is too short to be worth storing.
var ErrTooShort = errors.New("cleaner: content too short")

// Text collapses whitespace, drops control characters and enforces length
// bounds measured in runes.
type Text struct {
	// MinRunes rejects shorter content. Zero uses DefaultMinRunes; a negative
	// value disables the check.
	MinRunes int
	// MaxRunes truncates longer content. Zero means unlimited.
	MaxRunes int
}

// Clean implements crawler.Cleaner. The input metadata map is never mutated.
func (t Text) Clean(record crawler.Record) (crawler.Record, error) {
	content := Normalize(record.Content)

	minRunes := t.MinRunes
	if minRunes == 0 {
		minRunes = DefaultMinRunes
	}
	n := utf8.RuneCountInString(content)
	if minRunes > 0 && n < minRunes {
		return crawler.Record{}, fmt.Errorf("%w: %d runes, need %d", ErrTooShort, n, minRunes)
	}
	if t.MaxRunes > 0 && n > t.MaxRunes {
		content = strings.TrimSpace(string([]rune(content)[:t.MaxRunes]))
	}

	metadata := make(map[string]any, len(record.Metadata))
	maps.Copy(metadata, record.Metadata)
	return crawler.Record{Content: content, Metadata: metadata}, nil
}

// Normalize strips control characters and collapses runs of horizontal
// whitespace, keeping single line breaks between non-empty lines.
func Normalize(s string) string {
	s = strings.ToValidUTF8(s, "")
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Map(func(r rune) rune {
			switch {
			case r == '\t' || unicode.IsSpace(r):
				return ' '
			case unicode.IsControl(r) || r == '\u200b' || r == '\ufeff':
				return -1
			default:
				return r
			}
		}, line)
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
