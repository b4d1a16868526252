package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ST-CK/Sturoom-sub000/internal/chatlog"
	"github.com/jackc/pgx/v4/pgxpool"
)

// MessageStore persists the session log in the quiz_messages table. The
// BIGSERIAL seq column is the authoritative order key; rows are never updated
// or deleted.
type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func (s *MessageStore) Append(ctx context.Context, req chatlog.AppendRequest) (int64, error) {
	var runID *string
	if req.RunID != "" {
		runID = &req.RunID
	}
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO quiz_messages (session_id, run_id, role, kind, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING seq`,
		req.SessionID, runID, string(req.Role), string(req.Kind), []byte(req.Payload),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return seq, nil
}

func (s *MessageStore) Read(ctx context.Context, sessionID string) ([]chatlog.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, run_id, role, kind, payload FROM quiz_messages WHERE session_id=$1`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var records []chatlog.Record
	for rows.Next() {
		var (
			rec   chatlog.Record
			runID *string
			role  string
			raw   []byte
		)
		if err := rows.Scan(&rec.Sequence, &runID, &role, &rec.Kind, &raw); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.SessionID = sessionID
		if runID != nil {
			rec.RunID = *runID
		}
		rec.Role = chatlog.Role(role)
		rec.Payload = json.RawMessage(raw)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return records, nil
}
