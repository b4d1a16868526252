package quizrun

import (
	"context"
	"log"

	"github.com/ST-CK/Sturoom-sub000/internal/chatlog"
	"golang.org/x/sync/singleflight"
)

// History replays a session's persisted log into display-ready entries.
// Concurrent loads of the same session (two tabs switching at once) are
// collapsed into a single store read.
type History struct {
	store LogStore
	sf    singleflight.Group
}

func NewHistory(store LogStore) *History {
	return &History{store: store}
}

// Load reads the session's records and reconstructs them in sequence order.
// Dropped records are logged as a data-quality signal; they never fail the
// load or reach the end user.
func (h *History) Load(ctx context.Context, sessionID string) ([]chatlog.Entry, error) {
	result, err, _ := h.sf.Do(sessionID, func() (interface{}, error) {
		records, err := h.store.Read(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		entries, drops := chatlog.Reconstruct(records)
		for _, drop := range drops {
			log.Printf("chatlog: dropped record seq=%d session=%s kind=%q: %s",
				drop.Record.Sequence, sessionID, drop.Record.Kind, drop.Reason)
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]chatlog.Entry), nil
}
