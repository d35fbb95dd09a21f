// Package store implements the persistence layer: conversations, messages,
// fragments, full-text search, and the skill cache, over per-instance SQLite
// databases with write-behind and batch-commit machinery on top.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/zenflux/zenflux/internal/observability"
)

// Sentinel errors surfaced by the store.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrQueueFull = errors.New("store: write queue full")
)

// Store owns the three per-instance databases:
//
//	instance.db   - conversations, messages, skill cache
//	memory_fts.db - FTS5 index over titles and message bodies
//	fragments.db  - per-user memory fragments
type Store struct {
	db        *sql.DB
	fts       *sql.DB
	fragments *sql.DB

	writer *AsyncWriter
	batch  *BatchWriter

	snippetContext int
	logger         *slog.Logger
}

// Options configures a Store.
type Options struct {
	// DataDir is the store directory; empty uses in-memory databases.
	DataDir string

	// SnippetContext is the number of characters kept around a search
	// match (default 120).
	SnippetContext int

	// QueueSize, when positive, routes mutations through the async
	// writer behind a queue of this capacity. Zero keeps every write
	// synchronous.
	QueueSize int

	// BackpressureRatio is the queue fill ratio at which enqueues start
	// logging a warning.
	BackpressureRatio float64

	// WriteRetries bounds attempts per queued write.
	WriteRetries int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Open opens (and migrates) the instance databases.
func Open(opts Options) (*Store, error) {
	if opts.SnippetContext <= 0 {
		opts.SnippetContext = 120
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dsn := func(name string) string {
		if opts.DataDir == "" {
			// Shared-cache memory DSN so every connection sees one database.
			return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
		}
		return filepath.Join(opts.DataDir, name)
	}
	if opts.DataDir != "" {
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn("instance.db"))
	if err != nil {
		return nil, fmt.Errorf("open instance.db: %w", err)
	}
	fts, err := sql.Open("sqlite", dsn("memory_fts.db"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open memory_fts.db: %w", err)
	}
	frags, err := sql.Open("sqlite", dsn("fragments.db"))
	if err != nil {
		db.Close()
		fts.Close()
		return nil, fmt.Errorf("open fragments.db: %w", err)
	}

	s := &Store{
		db:             db,
		fts:            fts,
		fragments:      frags,
		snippetContext: opts.SnippetContext,
		logger:         opts.Logger,
	}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}

	if opts.QueueSize > 0 {
		s.writer = NewAsyncWriter(AsyncWriterOptions{
			QueueSize:         opts.QueueSize,
			BackpressureRatio: opts.BackpressureRatio,
			Retries:           opts.WriteRetries,
			Logger:            opts.Logger,
			Metrics:           opts.Metrics,
		})
		s.batch = NewBatchWriter(0, opts.Logger)
		s.batch.Register(opFTSIndex, BatchPolicy{
			MaxBatchSize: 32,
			MaxWait:      500 * time.Millisecond,
		}, s.flushIndexBatch)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []struct {
		db  *sql.DB
		sql string
	}{
		{s.db, `CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			metadata_json TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`},
		{s.db, `CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id, updated_at DESC)`},
		{s.db, `CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content_json TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'completed',
			metadata_json TEXT,
			created_at TIMESTAMP NOT NULL
		)`},
		{s.db, `CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at)`},
		{s.db, `CREATE TABLE IF NOT EXISTS skill_cache (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`},
		{s.fts, `CREATE VIRTUAL TABLE IF NOT EXISTS search_index USING fts5(
			conversation_id UNINDEXED,
			kind UNINDEXED,
			body
		)`},
		{s.fragments, `CREATE TABLE IF NOT EXISTS fragments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			confidence REAL NOT NULL,
			hints_json TEXT NOT NULL,
			metadata_json TEXT,
			created_at TIMESTAMP NOT NULL
		)`},
		{s.fragments, `CREATE INDEX IF NOT EXISTS idx_fragments_user_time
			ON fragments(user_id, timestamp DESC)`},
	}
	for _, st := range stmts {
		if _, err := st.db.Exec(st.sql); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	return nil
}

// Close drains the writers, then closes all databases.
func (s *Store) Close() error {
	if s.batch != nil {
		s.batch.Close()
	}
	if s.writer != nil {
		s.writer.Close()
	}
	var errs []error
	for _, db := range []*sql.DB{s.db, s.fts, s.fragments} {
		if db != nil {
			if err := db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// isBusy reports whether err is a transient SQLite busy/locked condition
// worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// isSchemaError reports whether err is a schema or constraint violation that
// no amount of retrying will fix.
func isSchemaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") ||
		strings.Contains(msg, "syntax error") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "no such column")
}

// Ping verifies connectivity on all databases.
func (s *Store) Ping(ctx context.Context) error {
	for _, db := range []*sql.DB{s.db, s.fts, s.fragments} {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
	}
	return nil
}
