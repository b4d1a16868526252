package quizrun

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/ST-CK/Sturoom-sub000/internal/chatlog"
	"github.com/ST-CK/Sturoom-sub000/internal/domain"
)

// Gateway is the remote quiz generation and grading capability.
type Gateway interface {
	StartRun(ctx context.Context, sessionID string, src domain.SourceRef, mode domain.Mode) (domain.Run, error)
	RetryRun(ctx context.Context, sessionID string) (domain.Run, error)
	Grade(ctx context.Context, sessionID, runID, itemID, answer string) (domain.Grade, error)
	RunItems(ctx context.Context, sessionID, runID string) ([]domain.QuizItem, error)
}

// LogStore is the append-only persisted history, keyed by session and ordered
// by a store-assigned monotonic sequence.
type LogStore interface {
	Append(ctx context.Context, req chatlog.AppendRequest) (int64, error)
	Read(ctx context.Context, sessionID string) ([]chatlog.Record, error)
}

// State enumerates the coordinator's lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingGeneration
	StateActive
	StateGrading
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingGeneration:
		return "awaiting_generation"
	case StateActive:
		return "active"
	case StateGrading:
		return "grading"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// SubmitResult is the outcome of one graded answer submission.
type SubmitResult struct {
	Grade     domain.Grade
	Feedback  string
	Next      *domain.QuizItem
	Completed bool
}

// Snapshot is a read-only projection of the coordinator.
type Snapshot struct {
	SessionID string
	State     State
	RunID     string
	Item      *domain.QuizItem
	Cursor    int
	Total     int
}

type activeRun struct {
	id     string
	items  []domain.QuizItem
	cursor int
}

// Coordinator owns the currently active run: the ordered item list, the
// cursor, and the submission lifecycle. All mutations of that state happen
// here; every remote call releases the lock and re-checks the switch epoch
// before applying its result, so a response issued for a previous session is
// discarded rather than applied.
type Coordinator struct {
	gateway Gateway
	store   LogStore
	history *History
	source  domain.SourceRef

	mu        sync.Mutex
	sessionID string
	loaded    bool
	epoch     uint64
	state     State
	run       *activeRun
}

func NewCoordinator(gateway Gateway, store LogStore, history *History) *Coordinator {
	return &Coordinator{gateway: gateway, store: store, history: history}
}

// SetSource records the session's source reference, used when starting runs.
func (c *Coordinator) SetSource(src domain.SourceRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = src
}

// Snapshot returns the current projection of coordinator state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{SessionID: c.sessionID, State: c.state}
	if c.run != nil {
		snap.RunID = c.run.id
		snap.Cursor = c.run.cursor
		snap.Total = len(c.run.items)
		if c.run.cursor < len(c.run.items) {
			item := c.run.items[c.run.cursor]
			snap.Item = &item
		}
	}
	return snap
}

// SwitchSession makes sessionID the active session: any in-flight request for
// the previous session is invalidated, the coordinator resets to idle, the new
// session's history is replayed, and if that history ends on an unanswered
// quiz item the coordinator resumes directly at it without regenerating.
// Switching to the already-active session is a no-op and returns nil entries,
// but only once that session's history actually loaded: a selection that
// failed mid-flight leaves the session unloaded, and re-selecting it retries
// the load instead of no-opping.
func (c *Coordinator) SwitchSession(ctx context.Context, sessionID string) ([]chatlog.Entry, error) {
	if sessionID == "" {
		return nil, domain.ErrNoSession
	}

	c.mu.Lock()
	if sessionID == c.sessionID && c.loaded {
		c.mu.Unlock()
		return nil, nil
	}
	c.epoch++
	epoch := c.epoch
	c.sessionID = sessionID
	c.loaded = false
	c.state = StateIdle
	c.run = nil
	c.mu.Unlock()

	entries, err := c.history.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}

	resume, ok := chatlog.Resume(entries)
	var items []domain.QuizItem
	var fetchErr error
	if ok {
		// Stored run content, not a regeneration request.
		items, fetchErr = c.gateway.RunItems(ctx, sessionID, resume.RunID)
		if fetchErr != nil {
			log.Printf("quizrun: resume fetch for session %s run %s failed: %v", sessionID, resume.RunID, fetchErr)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil, domain.ErrSessionSwitched
	}
	// A failed resume fetch keeps the session unloaded so a re-select
	// retries it rather than stranding the unfinished run.
	c.loaded = fetchErr == nil
	if ok && fetchErr == nil && resume.Index < len(items) {
		c.run = &activeRun{id: resume.RunID, items: items, cursor: resume.Index}
		c.state = StateActive
	}
	return entries, nil
}

// StartRun requests a new run for the active session and presents its first
// item. Refused while a generation or grading request is pending, and while a
// run is still accepting answers.
func (c *Coordinator) StartRun(ctx context.Context, src domain.SourceRef, mode domain.Mode) (domain.QuizItem, error) {
	if !mode.Valid() {
		return domain.QuizItem{}, fmt.Errorf("unknown quiz mode %q", mode)
	}
	session, epoch, err := c.beginGeneration(src)
	if err != nil {
		return domain.QuizItem{}, err
	}

	run, err := c.gateway.StartRun(ctx, session, src, mode)
	return c.finishGeneration(ctx, session, epoch, run, err)
}

// RetryRun starts a fresh run for the active session from its recorded source
// reference, regenerating items in the same mode.
func (c *Coordinator) RetryRun(ctx context.Context) (domain.QuizItem, error) {
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()

	session, epoch, err := c.beginGeneration(src)
	if err != nil {
		return domain.QuizItem{}, err
	}

	run, err := c.gateway.RetryRun(ctx, session)
	return c.finishGeneration(ctx, session, epoch, run, err)
}

func (c *Coordinator) beginGeneration(src domain.SourceRef) (string, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		return "", 0, domain.ErrNoSession
	}
	switch c.state {
	case StateAwaitingGeneration:
		return "", 0, domain.ErrRunInFlight
	case StateGrading:
		return "", 0, domain.ErrGradingInFlight
	case StateActive:
		return "", 0, domain.ErrRunActive
	}
	c.state = StateAwaitingGeneration
	c.source = src
	return c.sessionID, c.epoch, nil
}

// finishGeneration applies a generation response: it persists the first item
// before going active so a reload between request and display still
// reconstructs it, and unwinds to idle on failure or an empty item list.
func (c *Coordinator) finishGeneration(ctx context.Context, session string, epoch uint64, run domain.Run, genErr error) (domain.QuizItem, error) {
	if discard := c.checkEpoch(epoch, func() {}); discard {
		return domain.QuizItem{}, domain.ErrSessionSwitched
	}
	if genErr != nil {
		c.checkEpoch(epoch, func() { c.state = StateIdle })
		return domain.QuizItem{}, fmt.Errorf("start run: %w", genErr)
	}
	if len(run.Items) == 0 {
		c.checkEpoch(epoch, func() { c.state = StateIdle })
		return domain.QuizItem{}, domain.ErrEmptyRun
	}

	first := run.Items[0]
	_, err := c.store.Append(ctx, chatlog.NewItemRequest(session, run.ID, first, 0, len(run.Items)))
	if discard := c.checkEpoch(epoch, func() {
		if err != nil {
			c.state = StateIdle
			return
		}
		c.run = &activeRun{id: run.ID, items: run.Items}
		c.state = StateActive
	}); discard {
		return domain.QuizItem{}, domain.ErrSessionSwitched
	}
	if err != nil {
		return domain.QuizItem{}, fmt.Errorf("record first item: %w", err)
	}
	return first, nil
}

// SubmitAnswer grades the current item. The user's answer is persisted before
// grading so it survives a grading failure; a transport failure returns the
// coordinator to active at the same cursor for a clean resubmission. The
// grading latch rejects a second submission while one is in flight, which is
// what keeps a double-Enter from grading the same item twice.
func (c *Coordinator) SubmitAnswer(ctx context.Context, text string) (SubmitResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SubmitResult{}, domain.ErrEmptyAnswer
	}

	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		return SubmitResult{}, domain.ErrNoSession
	}
	if c.state == StateGrading {
		c.mu.Unlock()
		return SubmitResult{}, domain.ErrGradingInFlight
	}
	if c.state != StateActive || c.run == nil || c.run.cursor >= len(c.run.items) {
		c.mu.Unlock()
		return SubmitResult{}, domain.ErrNoActiveRun
	}
	session := c.sessionID
	epoch := c.epoch
	runID := c.run.id
	cursor := c.run.cursor
	items := c.run.items
	total := len(items)
	item := items[cursor]
	c.state = StateGrading
	c.mu.Unlock()

	// Answer first, optimistically: grading may fail but the conversation must not be lost.
	_, err := c.store.Append(ctx, chatlog.NewTextRequest(session, runID, chatlog.RoleUser, text))
	if err != nil {
		if discard := c.checkEpoch(epoch, func() { c.state = StateActive }); discard {
			return SubmitResult{}, domain.ErrSessionSwitched
		}
		return SubmitResult{}, fmt.Errorf("record answer: %w", err)
	}

	grade, err := c.gateway.Grade(ctx, session, runID, item.ID, text)
	if err != nil {
		if discard := c.checkEpoch(epoch, func() { c.state = StateActive }); discard {
			return SubmitResult{}, domain.ErrSessionSwitched
		}
		return SubmitResult{}, fmt.Errorf("grade answer: %w", err)
	}

	feedback := grade.FeedbackText()
	_, err = c.store.Append(ctx, chatlog.NewTextRequest(session, runID, chatlog.RoleAssistant, feedback))
	if err != nil {
		if discard := c.checkEpoch(epoch, func() { c.state = StateActive }); discard {
			return SubmitResult{}, domain.ErrSessionSwitched
		}
		return SubmitResult{}, fmt.Errorf("record feedback: %w", err)
	}

	result := SubmitResult{Grade: grade, Feedback: feedback}
	if cursor+1 < total {
		next := items[cursor+1]
		_, err = c.store.Append(ctx, chatlog.NewItemRequest(session, runID, next, cursor+1, total))
		if err != nil {
			if discard := c.checkEpoch(epoch, func() { c.state = StateActive }); discard {
				return SubmitResult{}, domain.ErrSessionSwitched
			}
			return SubmitResult{}, fmt.Errorf("record next item: %w", err)
		}
		if discard := c.checkEpoch(epoch, func() {
			c.run.cursor = cursor + 1
			c.state = StateActive
		}); discard {
			return SubmitResult{}, domain.ErrSessionSwitched
		}
		result.Next = &next
		return result, nil
	}

	_, err = c.store.Append(ctx, chatlog.NewCompletionRequest(session, runID))
	if err != nil {
		if discard := c.checkEpoch(epoch, func() { c.state = StateActive }); discard {
			return SubmitResult{}, domain.ErrSessionSwitched
		}
		return SubmitResult{}, fmt.Errorf("record completion: %w", err)
	}
	if discard := c.checkEpoch(epoch, func() {
		c.run = nil
		c.state = StateCompleted
	}); discard {
		return SubmitResult{}, domain.ErrSessionSwitched
	}
	result.Completed = true
	return result, nil
}

// checkEpoch applies fn under the lock only if the session has not been
// switched since epoch was captured. It reports true when the result must be
// discarded. This is the stale-response guard: there is no server-side
// cancellation, only a client-side ignore.
func (c *Coordinator) checkEpoch(epoch uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return true
	}
	fn()
	return false
}
