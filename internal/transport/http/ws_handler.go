package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/ST-CK/Sturoom-sub000/internal/chatlog"
	"github.com/ST-CK/Sturoom-sub000/internal/domain"
	"github.com/ST-CK/Sturoom-sub000/internal/quizrun"
	"github.com/gorilla/websocket"
)

// SessionGateway extends the run gateway with session creation, which is only
// needed at the transport edge when a client starts a quiz with no session.
type SessionGateway interface {
	quizrun.Gateway
	StartSession(ctx context.Context, userID string, src domain.SourceRef, mode domain.Mode) (string, error)
}

// WSHandler drives one quiz run coordinator per connection. All inbound
// messages for a connection are handled sequentially on its read loop, which
// is what keeps the coordinator's transitions cooperative rather than
// parallel.
type WSHandler struct {
	gateway  SessionGateway
	store    quizrun.LogStore
	history  *quizrun.History
	upgrader websocket.Upgrader
}

func NewWSHandler(gateway SessionGateway, store quizrun.LogStore, history *quizrun.History) *WSHandler {
	return &WSHandler{
		gateway: gateway,
		store:   store,
		history: history,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type selectPayload struct {
	SessionID string `json:"sessionId"`
}

type startPayload struct {
	LectureID string `json:"lectureId"`
	WeekID    string `json:"weekId"`
	Mode      string `json:"mode"`
}

type answerPayload struct {
	Text string `json:"text"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type itemPayload struct {
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices,omitempty"`
	Index   int      `json:"index"`
	Total   int      `json:"total"`
}

type feedbackPayload struct {
	Text          string `json:"text"`
	Correct       bool   `json:"correct"`
	CorrectAnswer string `json:"correctAnswer"`
	Explanation   string `json:"explanation,omitempty"`
}

type historyPayload struct {
	SessionID string     `json:"sessionId"`
	Entries   []entryDTO `json:"entries"`
	State     string     `json:"state"`
}

type entryDTO struct {
	Sequence int64    `json:"sequence"`
	Kind     string   `json:"kind"`
	Role     string   `json:"role,omitempty"`
	Text     string   `json:"text,omitempty"`
	Prompt   string   `json:"prompt,omitempty"`
	Choices  []string `json:"choices,omitempty"`
	Index    int      `json:"index,omitempty"`
	Total    int      `json:"total,omitempty"`
	RunID    string   `json:"runId,omitempty"`
}

// ServeWS upgrades the request and runs the quiz chat loop for one client.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	coordinator := quizrun.NewCoordinator(h.gateway, h.store, h.history)
	ctx := r.Context()

	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		h.selectSession(ctx, conn, coordinator, sessionID)
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}
		switch inbound.Type {
		case "select":
			var payload selectPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				writeError(conn, "invalid select payload")
				continue
			}
			h.selectSession(ctx, conn, coordinator, payload.SessionID)
		case "start":
			var payload startPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				writeError(conn, "invalid start payload")
				continue
			}
			h.startRun(ctx, conn, coordinator, userID, payload)
		case "retry":
			item, err := coordinator.RetryRun(ctx)
			if err != nil {
				writeError(conn, err.Error())
				continue
			}
			writeItem(conn, coordinator.Snapshot(), item)
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				writeError(conn, "invalid answer payload")
				continue
			}
			h.submitAnswer(ctx, conn, coordinator, payload.Text)
		default:
			writeError(conn, "unsupported message type")
		}
	}
}

func (h *WSHandler) selectSession(ctx context.Context, conn *websocket.Conn, coordinator *quizrun.Coordinator, sessionID string) {
	entries, err := coordinator.SwitchSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionSwitched) {
			return
		}
		writeError(conn, err.Error())
		return
	}
	if entries == nil {
		// Same-session no-op; the client already holds the history.
		return
	}
	snap := coordinator.Snapshot()
	_ = conn.WriteJSON(outboundMessage[historyPayload]{Type: "history", Payload: historyPayload{
		SessionID: sessionID,
		Entries:   toEntryDTOs(entries),
		State:     snap.State.String(),
	}})
}

func (h *WSHandler) startRun(ctx context.Context, conn *websocket.Conn, coordinator *quizrun.Coordinator, userID string, payload startPayload) {
	mode := domain.Mode(payload.Mode)
	src := domain.SourceRef{LectureID: payload.LectureID, WeekID: payload.WeekID}

	if coordinator.Snapshot().SessionID == "" {
		sessionID, err := h.gateway.StartSession(ctx, userID, src, mode)
		if err != nil {
			writeError(conn, err.Error())
			return
		}
		if _, err := coordinator.SwitchSession(ctx, sessionID); err != nil {
			writeError(conn, err.Error())
			return
		}
	}

	item, err := coordinator.StartRun(ctx, src, mode)
	if err != nil {
		writeError(conn, err.Error())
		return
	}
	writeItem(conn, coordinator.Snapshot(), item)
}

func (h *WSHandler) submitAnswer(ctx context.Context, conn *websocket.Conn, coordinator *quizrun.Coordinator, text string) {
	result, err := coordinator.SubmitAnswer(ctx, text)
	if err != nil {
		writeError(conn, err.Error())
		return
	}
	_ = conn.WriteJSON(outboundMessage[feedbackPayload]{Type: "feedback", Payload: feedbackPayload{
		Text:          result.Feedback,
		Correct:       result.Grade.Correct,
		CorrectAnswer: result.Grade.CorrectAnswer,
		Explanation:   result.Grade.Explanation,
	}})
	if result.Completed {
		_ = conn.WriteJSON(outboundMessage[struct{}]{Type: "completed"})
		return
	}
	if result.Next != nil {
		writeItem(conn, coordinator.Snapshot(), *result.Next)
	}
}

func writeItem(conn *websocket.Conn, snap quizrun.Snapshot, item domain.QuizItem) {
	_ = conn.WriteJSON(outboundMessage[itemPayload]{Type: "item", Payload: itemPayload{
		Prompt:  item.Prompt,
		Choices: item.Choices,
		Index:   snap.Cursor,
		Total:   snap.Total,
	}})
}

func writeError(conn *websocket.Conn, message string) {
	_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: message}})
}

func toEntryDTOs(entries []chatlog.Entry) []entryDTO {
	dtos := make([]entryDTO, 0, len(entries))
	for _, entry := range entries {
		switch e := entry.(type) {
		case chatlog.ItemEntry:
			dtos = append(dtos, entryDTO{
				Sequence: e.Sequence,
				Kind:     string(chatlog.KindQuizItem),
				Role:     string(chatlog.RoleAssistant),
				Prompt:   e.Item.Prompt,
				Choices:  e.Item.Choices,
				Index:    e.Index,
				Total:    e.Total,
				RunID:    e.RunID,
			})
		case chatlog.TextEntry:
			dtos = append(dtos, entryDTO{
				Sequence: e.Sequence,
				Kind:     string(chatlog.KindText),
				Role:     string(e.Role),
				Text:     e.Text,
				RunID:    e.RunID,
			})
		case chatlog.CompletionEntry:
			dtos = append(dtos, entryDTO{
				Sequence: e.Sequence,
				Kind:     string(chatlog.KindRunComplete),
				RunID:    e.RunID,
			})
		}
	}
	return dtos
}
