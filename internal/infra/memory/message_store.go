package memory

import (
	"context"
	"sync"

	"github.com/ST-CK/Sturoom-sub000/internal/chatlog"
)

// MessageStore is an in-memory append-only log, useful for tests and demo
// mode. Sequences are assigned per session, monotonically.
type MessageStore struct {
	mu   sync.Mutex
	seqs map[string]int64
	logs map[string][]chatlog.Record
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		seqs: make(map[string]int64),
		logs: make(map[string][]chatlog.Record),
	}
}

func (s *MessageStore) Append(_ context.Context, req chatlog.AppendRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[req.SessionID]++
	seq := s.seqs[req.SessionID]
	s.logs[req.SessionID] = append(s.logs[req.SessionID], chatlog.Record{
		SessionID: req.SessionID,
		RunID:     req.RunID,
		Role:      req.Role,
		Kind:      string(req.Kind),
		Payload:   req.Payload,
		Sequence:  seq,
	})
	return seq, nil
}

func (s *MessageStore) Read(_ context.Context, sessionID string) ([]chatlog.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]chatlog.Record, len(s.logs[sessionID]))
	copy(records, s.logs[sessionID])
	return records, nil
}
