// Package memory implements an in-process vector store that can be
// snapshotted to a blob store.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/finresearch-crawler/internal/embedding"
	"github.com/JakeFAU/finresearch-crawler/internal/hash"
	"github.com/JakeFAU/finresearch-crawler/internal/storage"
	"github.com/JakeFAU/finresearch-crawler/internal/vectorstore"
)

// DefaultBatchSize is the number of documents embedded per call in Add.
const DefaultBatchSize = 20

const snapshotVersion = 1

// ErrEmptyDocument is returned when a document has no text.
var ErrEmptyDocument = errors.New("vectorstore: empty document")

type document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float32      `json:"embedding"`
}

// Store keeps documents and their embeddings in memory. It is safe for
// concurrent use.
type Store struct {
	embedder    embedding.Embedder
	instruction string
	batchSize   int
	logger      *zap.Logger

	mu    sync.RWMutex
	docs  []document
	index map[string]int
}

// Option customizes a Store.
type Option func(*Store)

// WithQueryInstruction overrides the prefix applied to search queries.
func WithQueryInstruction(instruction string) Option {
	return func(s *Store) { s.instruction = instruction }
}

// WithBatchSize sets how many texts are embedded per call.
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty Store.
func New(embedder embedding.Embedder, opts ...Option) (*Store, error) {
	if embedder == nil {
		return nil, errors.New("vectorstore: embedder is required")
	}
	s := &Store{
		embedder:    embedder,
		instruction: vectorstore.DefaultQueryInstruction,
		batchSize:   DefaultBatchSize,
		logger:      zap.NewNop(),
		index:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddDocument embeds and stores a single document, returning its ID.
func (s *Store) AddDocument(ctx context.Context, text string, metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	ids, err := s.Add(ctx, []string{text}, []map[string]any{metadata}, nil)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// Add stores texts in batches. A nil metadatas slice gives every document the
// default QA metadata; a nil ids slice derives IDs from content. An ID that is
// already present keeps its first document.
func (s *Store) Add(ctx context.Context, texts []string, metadatas []map[string]any, ids []string) ([]string, error) {
	if metadatas != nil && len(metadatas) != len(texts) {
		return nil, fmt.Errorf("vectorstore: %d metadatas for %d texts", len(metadatas), len(texts))
	}
	if ids != nil && len(ids) != len(texts) {
		return nil, fmt.Errorf("vectorstore: %d ids for %d texts", len(ids), len(texts))
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w at index %d", ErrEmptyDocument, i)
		}
	}

	out := make([]string, len(texts))
	for start := 0; start < len(texts); start += s.batchSize {
		end := min(start+s.batchSize, len(texts))
		vecs, err := s.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed documents: %w", err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embed documents: got %d vectors for %d texts", len(vecs), end-start)
		}

		s.mu.Lock()
		for i, vec := range vecs {
			pos := start + i
			id := hash.DocumentID(texts[pos])
			if ids != nil && ids[pos] != "" {
				id = ids[pos]
			}
			out[pos] = id
			if _, exists := s.index[id]; exists {
				s.logger.Debug("Document already stored", zap.String("id", id))
				continue
			}
			metadata := vectorstore.DefaultMetadata()
			if metadatas != nil {
				metadata = make(map[string]any, len(metadatas[pos]))
				maps.Copy(metadata, metadatas[pos])
			}
			s.index[id] = len(s.docs)
			s.docs = append(s.docs, document{ID: id, Content: texts[pos], Metadata: metadata, Embedding: vec})
		}
		s.mu.Unlock()
	}
	s.logger.Info("Added texts to vector store", zap.Int("count", len(texts)))
	return out, nil
}

// Search returns the topK documents closest to query. topK <= 0 uses
// vectorstore.DefaultTopK.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]vectorstore.Result, error) {
	text, err := vectorstore.QueryText(s.instruction, query)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = vectorstore.DefaultTopK
	}
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}

	s.mu.RLock()
	candidates := make([]vectorstore.Candidate, len(s.docs))
	for i, d := range s.docs {
		candidates[i] = vectorstore.Candidate{ID: d.ID, Content: d.Content, Metadata: d.Metadata, Embedding: d.Embedding}
	}
	s.mu.RUnlock()

	results := vectorstore.Rank(vecs[0], candidates, topK)
	for i := range results {
		results[i].Metadata = maps.Clone(results[i].Metadata)
	}
	return results, nil
}

// Count returns the number of stored documents.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

type snapshot struct {
	Version    int        `json:"version"`
	Dimensions int        `json:"dimensions"`
	Documents  []document `json:"documents"`
}

// Save writes every document to blobs at path as JSON.
func (s *Store) Save(ctx context.Context, blobs storage.BlobStore, path string) (string, error) {
	s.mu.RLock()
	snap := snapshot{
		Version:    snapshotVersion,
		Dimensions: s.embedder.Dimensions(),
		Documents:  append([]document(nil), s.docs...),
	}
	s.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	uri, err := blobs.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Info("Saved vector store snapshot", zap.String("uri", uri), zap.Int("documents", len(snap.Documents)))
	return uri, nil
}

// Load replaces the store contents with the snapshot at path. A missing
// snapshot surfaces storage.ErrNotFound and leaves the store untouched.
func (s *Store) Load(ctx context.Context, blobs storage.BlobStore, path string) error {
	data, err := blobs.GetObject(ctx, path)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	if dims := s.embedder.Dimensions(); snap.Dimensions != dims {
		return fmt.Errorf("snapshot has %d dimensions, embedder has %d", snap.Dimensions, dims)
	}

	index := make(map[string]int, len(snap.Documents))
	docs := make([]document, 0, len(snap.Documents))
	for _, d := range snap.Documents {
		if _, dup := index[d.ID]; dup {
			continue
		}
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		index[d.ID] = len(docs)
		docs = append(docs, d)
	}

	s.mu.Lock()
	s.docs = docs
	s.index = index
	s.mu.Unlock()
	s.logger.Info("Loaded vector store snapshot", zap.String("path", path), zap.Int("documents", len(docs)))
	return nil
}
