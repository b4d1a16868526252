package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ST-CK/Sturoom-sub000/internal/chatlog"
	"github.com/redis/go-redis/v9"
)

// MessageStore keeps a session's log in Redis:
//
//	INCR chat:{sessionID}:seq             assigns the per-session sequence
//	ZADD chat:{sessionID}:log seq record  stores the JSON-encoded record
//
// Reads return members in arbitrary grouping; callers re-sort by the sequence
// embedded in each record, never by Redis rank.
type MessageStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewMessageStore(client *redis.Client, ttl time.Duration) *MessageStore {
	return &MessageStore{client: client, ttl: ttl}
}

func (s *MessageStore) Append(ctx context.Context, req chatlog.AppendRequest) (int64, error) {
	seq, err := s.client.Incr(ctx, s.seqKey(req.SessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("assign sequence: %w", err)
	}

	record := chatlog.Record{
		SessionID: req.SessionID,
		RunID:     req.RunID,
		Role:      req.Role,
		Kind:      string(req.Kind),
		Payload:   req.Payload,
		Sequence:  seq,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.logKey(req.SessionID), redis.Z{Score: float64(seq), Member: string(encoded)})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.logKey(req.SessionID), s.ttl)
		pipe.Expire(ctx, s.seqKey(req.SessionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("append record: %w", err)
	}
	return seq, nil
}

func (s *MessageStore) Read(ctx context.Context, sessionID string) ([]chatlog.Record, error) {
	members, err := s.client.ZRange(ctx, s.logKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	records := make([]chatlog.Record, 0, len(members))
	for _, member := range members {
		var record chatlog.Record
		if err := json.Unmarshal([]byte(member), &record); err != nil {
			// Undecodable members surface as empty records; the
			// reconstructor drops them with a reason.
			records = append(records, chatlog.Record{SessionID: sessionID})
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *MessageStore) seqKey(sessionID string) string {
	return "chat:" + sessionID + ":seq"
}

func (s *MessageStore) logKey(sessionID string) string {
	return "chat:" + sessionID + ":log"
}
