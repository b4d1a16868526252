package chatlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
)

// Drop reports one record omitted during reconstruction. Drops are a
// data-quality signal for observability, never surfaced to the end user.
type Drop struct {
	Record Record
	Reason string
}

// Reconstruct turns raw stored records into typed entries ordered strictly by
// sequence ascending. Stored order is authoritative over arrival order, so the
// input may arrive in any order. Records with an unknown kind or a payload
// that does not parse into the kind's expected shape are dropped whole; the
// legacy format that nested a full item list inside one entry falls out here
// rather than being partially rendered.
func Reconstruct(records []Record) ([]Entry, []Drop) {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	entries := make([]Entry, 0, len(sorted))
	var drops []Drop
	for _, rec := range sorted {
		entry, err := decode(rec)
		if err != nil {
			drops = append(drops, Drop{Record: rec, Reason: err.Error()})
			continue
		}
		entries = append(entries, entry)
	}
	return entries, drops
}

func decode(rec Record) (Entry, error) {
	payload, err := payloadObject(rec.Payload)
	if err != nil {
		return nil, err
	}

	switch Kind(rec.Kind) {
	case KindQuizItem:
		var p itemPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errors.New("quiz_item payload does not parse")
		}
		if p.Item.ID == "" || p.Item.Prompt == "" {
			return nil, errors.New("quiz_item payload missing item")
		}
		if p.Total < 1 || p.Index < 0 || p.Index >= p.Total {
			return nil, errors.New("quiz_item payload has invalid position")
		}
		return ItemEntry{
			Sequence: rec.Sequence,
			RunID:    rec.RunID,
			Item:     p.Item,
			Index:    p.Index,
			Total:    p.Total,
		}, nil
	case KindText:
		var p textPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errors.New("text payload does not parse")
		}
		if p.Text == "" {
			return nil, errors.New("text payload missing text")
		}
		role := rec.Role
		if role != RoleUser && role != RoleAssistant {
			return nil, errors.New("unknown role")
		}
		return TextEntry{
			Sequence: rec.Sequence,
			RunID:    rec.RunID,
			Role:     role,
			Text:     p.Text,
		}, nil
	case KindRunComplete:
		var p completePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errors.New("run_complete payload does not parse")
		}
		runID := p.RunID
		if runID == "" {
			runID = rec.RunID
		}
		if runID == "" {
			return nil, errors.New("run_complete without run id")
		}
		return CompletionEntry{Sequence: rec.Sequence, RunID: runID}, nil
	default:
		return nil, errors.New("unknown kind " + rec.Kind)
	}
}

// payloadObject normalizes a payload that may be a JSON object or a
// JSON-encoded string holding one. Older writers stored the column as text.
func payloadObject(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, errors.New("payload string does not parse")
		}
		trimmed = bytes.TrimSpace([]byte(inner))
		if len(trimmed) == 0 {
			return nil, errors.New("empty payload")
		}
	}
	if trimmed[0] != '{' {
		return nil, errors.New("payload is not an object")
	}
	return json.RawMessage(trimmed), nil
}
