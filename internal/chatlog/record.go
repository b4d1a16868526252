package chatlog

import (
	"encoding/json"

	"github.com/ST-CK/Sturoom-sub000/internal/domain"
)

// Role identifies who originated a log entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind tags the payload shape of a log entry. Adding a kind is additive-safe;
// changing an existing kind's payload shape requires the reconstructor's
// legacy-drop path.
type Kind string

const (
	// KindQuizItem presents one quiz item to the user.
	KindQuizItem Kind = "quiz_item"
	// KindText is a free-text message (user answer or grading feedback).
	KindText Kind = "text"
	// KindRunComplete marks a run as finished.
	KindRunComplete Kind = "run_complete"
)

// Record is the raw stored form of a log entry as read back from a log store.
// Payload may be a JSON object or a JSON-encoded string holding one; older
// writers stored the payload column as a string.
type Record struct {
	SessionID string          `json:"sessionId"`
	RunID     string          `json:"runId,omitempty"`
	Role      Role            `json:"role"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Sequence  int64           `json:"sequence"`
}

// AppendRequest is a fully-typed entry handed to a log store for persistence.
// The store assigns the sequence.
type AppendRequest struct {
	SessionID string
	RunID     string
	Role      Role
	Kind      Kind
	Payload   json.RawMessage
}

type itemPayload struct {
	Item  domain.QuizItem `json:"item"`
	Index int             `json:"index"`
	Total int             `json:"total"`
}

type textPayload struct {
	Text string `json:"text"`
}

type completePayload struct {
	RunID string `json:"run_id"`
}

// NewItemRequest builds the append request presenting one quiz item.
// Index is the item's zero-based position; total is the run's fixed item count.
func NewItemRequest(sessionID, runID string, item domain.QuizItem, index, total int) AppendRequest {
	payload, _ := json.Marshal(itemPayload{Item: item, Index: index, Total: total})
	return AppendRequest{
		SessionID: sessionID,
		RunID:     runID,
		Role:      RoleAssistant,
		Kind:      KindQuizItem,
		Payload:   payload,
	}
}

// NewTextRequest builds the append request for a free-text entry.
func NewTextRequest(sessionID, runID string, role Role, text string) AppendRequest {
	payload, _ := json.Marshal(textPayload{Text: text})
	return AppendRequest{
		SessionID: sessionID,
		RunID:     runID,
		Role:      role,
		Kind:      KindText,
		Payload:   payload,
	}
}

// NewCompletionRequest builds the append request marking a run as finished.
func NewCompletionRequest(sessionID, runID string) AppendRequest {
	payload, _ := json.Marshal(completePayload{RunID: runID})
	return AppendRequest{
		SessionID: sessionID,
		RunID:     runID,
		Role:      RoleAssistant,
		Kind:      KindRunComplete,
		Payload:   payload,
	}
}
