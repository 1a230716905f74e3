package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Checkpoint is the serialized workflow state after one stage.
type Checkpoint struct {
	SessionID string          `json:"session_id"`
	Stage     string          `json:"stage"`
	Status    string          `json:"status"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// LogRecord is one line of a session's audit log.
type LogRecord struct {
	SessionID string    `json:"session_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// SaveCheckpoint stores a checkpoint. Checkpoints are append-only; the latest
// row per session wins on read.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.SessionID == "" {
		return fmt.Errorf("save checkpoint: empty session id")
	}
	if len(cp.State) == 0 {
		cp.State = json.RawMessage("{}")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO checkpoints (session_id, stage, status, state, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		cp.SessionID, cp.Stage, cp.Status, []byte(cp.State), cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for a session, or
// ErrNotFound.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var (
		cp    Checkpoint
		state []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT session_id, stage, status, state, created_at
		FROM checkpoints
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT 1`, sessionID,
	).Scan(&cp.SessionID, &cp.Stage, &cp.Status, &state, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	cp.State = state
	return &cp, nil
}

// AppendLog writes one audit line for a session.
func (s *Store) AppendLog(ctx context.Context, rec LogRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	if rec.Level == "" {
		rec.Level = "info"
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_logs (session_id, level, message, created_at)
		VALUES ($1, $2, $3, $4)`,
		rec.SessionID, rec.Level, rec.Message, rec.At,
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// Logs returns a session's audit log in write order.
func (s *Store) Logs(ctx context.Context, sessionID string, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, `
		SELECT session_id, level, message, created_at
		FROM session_logs
		WHERE session_id = $1
		ORDER BY id ASC
		LIMIT $2`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var r LogRecord
		if err := rows.Scan(&r.SessionID, &r.Level, &r.Message, &r.At); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
