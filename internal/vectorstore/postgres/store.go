// Package postgres implements a vector store on top of a Postgres table.
// Embeddings are stored as real[] and ranked in process, so no database
// extension is required.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/finresearch-crawler/internal/embedding"
	"github.com/JakeFAU/finresearch-crawler/internal/hash"
	"github.com/JakeFAU/finresearch-crawler/internal/vectorstore"
)

const defaultTable = "documents"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// QueryInstruction overrides vectorstore.DefaultQueryInstruction.
	QueryInstruction string
}

// Pool is the subset of pgxpool.Pool used by Store.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists documents in Postgres.
type Store struct {
	pool        Pool
	table       string
	embedder    embedding.Embedder
	instruction string
	logger      *zap.Logger
	now         func() time.Time
}

// New connects to Postgres and returns a Store.
func New(ctx context.Context, cfg Config, embedder embedding.Embedder, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg, embedder, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool builds a Store from an existing pool.
func NewWithPool(pool Pool, cfg Config, embedder embedding.Embedder, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	instruction := cfg.QueryInstruction
	if instruction == "" {
		instruction = vectorstore.DefaultQueryInstruction
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:        pool,
		table:       table,
		embedder:    embedder,
		instruction: instruction,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the documents table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding REAL[] NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// AddDocument embeds text and inserts it. Re-adding the same content is a
// no-op that returns the existing ID.
func (s *Store) AddDocument(ctx context.Context, text string, metadata map[string]any) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("vectorstore: empty document")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return "", fmt.Errorf("embed document: %w", err)
	}
	if len(vecs) != 1 {
		return "", fmt.Errorf("embed document: got %d vectors", len(vecs))
	}

	id := hash.DocumentID(text)
	query := fmt.Sprintf(`
INSERT INTO %s (id, content, metadata, embedding, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, text, metaJSON, vecs[0], s.now())
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("Document already stored", zap.String("id", id))
	}
	return id, nil
}

// Search embeds query and ranks every stored document against it.
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

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, content, metadata, embedding FROM %s ORDER BY created_at, id`, s.table))
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var candidates []vectorstore.Candidate
	for rows.Next() {
		var (
			c        vectorstore.Candidate
			metaJSON []byte
		)
		if err := rows.Scan(&c.ID, &c.Content, &metaJSON, &c.Embedding); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		c.Metadata = map[string]any{}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &c.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", c.ID, err)
			}
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return vectorstore.Rank(vecs[0], candidates, topK), nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}
