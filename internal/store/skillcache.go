package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GetSkillCache loads a cached value into out. Returns ErrNotFound when the
// key is absent.
func (s *Store) GetSkillCache(ctx context.Context, key string, out any) error {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM skill_cache WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get skill cache: %w", err)
	}
	return json.Unmarshal([]byte(value), out)
}

// PutSkillCache stores a cached value under key, replacing any previous
// entry.
func (s *Store) PutSkillCache(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode skill cache: %w", err)
	}
	if s.writer == nil {
		return s.upsertSkillCache(ctx, key, string(b))
	}
	// Cache entries can be recomputed, so a full queue drops the write.
	if err := s.writer.Enqueue(WriteTask{
		Name: "put_skill_cache",
		Op: func(ctx context.Context) error {
			return s.upsertSkillCache(ctx, key, string(b))
		},
	}); err != nil {
		s.logger.Warn("skill cache write dropped", "key", key, "error", err)
	}
	return nil
}

func (s *Store) upsertSkillCache(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO skill_cache (key, value_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put skill cache: %w", err)
	}
	return nil
}
