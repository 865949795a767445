// Package embedding turns text into dense vectors.
package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/JakeFAU/finresearch-crawler/internal/vectorstore"
)

// Embedder converts texts into unit-length vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// DefaultDimensions is the vector size of a zero-value Hashing embedder.
const DefaultDimensions = 384

// Hashing is a deterministic feature-hashing embedder. Latin words and digits
// are hashed as whole lowercase tokens; Han and other letters without word
// separators are hashed as unigrams and bigrams. It needs no model and is used
// for tests and offline runs.
type Hashing struct {
	Dims int
}

// NewHashing returns a Hashing embedder with dims dimensions.
func NewHashing(dims int) Hashing {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return Hashing{Dims: dims}
}

// Dimensions implements Embedder.
func (h Hashing) Dimensions() int {
	if h.Dims <= 0 {
		return DefaultDimensions
	}
	return h.Dims
}

// Embed implements Embedder.
func (h Hashing) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	dims := h.Dimensions()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, dims)
		for _, tok := range Tokens(text) {
			hasher := fnv.New32a()
			_, _ = hasher.Write([]byte(tok))
			sum := hasher.Sum32()
			sign := float32(1)
			if sum&(1<<31) != 0 {
				sign = -1
			}
			vec[int(sum%uint32(dims))] += sign
		}
		out[i] = vectorstore.Normalize(vec)
	}
	return out, nil
}

// Tokens splits text into hashing features.
func Tokens(text string) []string {
	var (
		tokens []string
		word   strings.Builder
		prev   rune
	)
	flushWord := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case isSegmentless(r):
			flushWord()
			tokens = append(tokens, string(r))
			if prev != 0 {
				tokens = append(tokens, string([]rune{prev, r}))
			}
			prev = r
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flushWord()
		}
		prev = 0
	}
	flushWord()
	return tokens
}

func isSegmentless(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Thai)
}
