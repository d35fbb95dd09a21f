package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zenflux/zenflux/pkg/models"
)

// SaveFragment persists one memory fragment. Fragments with no hints are
// rejected; callers treat fragment persistence as best-effort.
func (s *Store) SaveFragment(ctx context.Context, f *models.Fragment) error {
	if len(f.Hints) == 0 {
		return errors.New("fragment requires non-empty hints")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	hints, err := json.Marshal(f.Hints)
	if err != nil {
		return fmt.Errorf("encode hints: %w", err)
	}
	meta, err := marshalMeta(f.Metadata)
	if err != nil {
		return err
	}
	if s.writer == nil {
		return s.insertFragment(ctx, f, string(hints), meta)
	}
	// Fragments are best-effort: a full queue drops the write with a log
	// instead of failing the caller.
	if err := s.writer.Enqueue(WriteTask{
		Name: "save_fragment",
		Op: func(ctx context.Context) error {
			return s.insertFragment(ctx, f, string(hints), meta)
		},
	}); err != nil {
		s.logger.Warn("fragment write dropped", "user_id", f.UserID, "error", err)
	}
	return nil
}

func (s *Store) insertFragment(ctx context.Context, f *models.Fragment, hints, meta string) error {
	_, err := s.fragments.ExecContext(ctx, `INSERT INTO fragments
		(id, user_id, session_id, timestamp, confidence, hints_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.SessionID, f.Timestamp, f.Confidence, hints, meta, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("save fragment: %w", err)
	}
	return nil
}

// QueryRecentFragments returns a user's fragments from the last N days,
// newest first.
func (s *Store) QueryRecentFragments(ctx context.Context, userID string, days, limit int) ([]*models.Fragment, error) {
	if limit <= 0 {
		limit = 100
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.fragments.QueryContext(ctx, `SELECT id, user_id, session_id, timestamp, confidence, hints_json, metadata_json, created_at
		FROM fragments WHERE user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC LIMIT ?`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	var out []*models.Fragment
	for rows.Next() {
		var (
			f     models.Fragment
			hints string
			meta  sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.SessionID, &f.Timestamp, &f.Confidence, &hints, &meta, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		if err := json.Unmarshal([]byte(hints), &f.Hints); err != nil {
			return nil, fmt.Errorf("decode hints: %w", err)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &f.Metadata)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// CountFragmentsSince counts a user's fragments created at or after t.
func (s *Store) CountFragmentsSince(ctx context.Context, userID string, t time.Time) (int, error) {
	var n int
	err := s.fragments.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments WHERE user_id = ? AND timestamp >= ?`,
		userID, t).Scan(&n)
	return n, err
}
