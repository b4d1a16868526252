package quizrun_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ST-CK/Sturoom-sub000/internal/chatlog"
	"github.com/ST-CK/Sturoom-sub000/internal/domain"
	"github.com/ST-CK/Sturoom-sub000/internal/infra/memory"
	"github.com/ST-CK/Sturoom-sub000/internal/quizrun"
)

type fakeGateway struct {
	mu         sync.Mutex
	run        domain.Run
	runErr     error
	grades     map[string]domain.Grade
	gradeErr   error
	itemsByRun map[string][]domain.QuizItem

	startCalls int
	gradeCalls int
	itemCalls  int

	startEntered chan struct{}
	startRelease chan struct{}
	gradeEntered chan struct{}
	gradeRelease chan struct{}
}

func (g *fakeGateway) StartRun(ctx context.Context, sessionID string, src domain.SourceRef, mode domain.Mode) (domain.Run, error) {
	g.mu.Lock()
	g.startCalls++
	entered, release := g.startEntered, g.startRelease
	run, err := g.run, g.runErr
	g.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}
	return run, err
}

func (g *fakeGateway) RetryRun(ctx context.Context, sessionID string) (domain.Run, error) {
	return g.StartRun(ctx, sessionID, domain.SourceRef{}, domain.ModeMixed)
}

func (g *fakeGateway) Grade(ctx context.Context, sessionID, runID, itemID, answer string) (domain.Grade, error) {
	g.mu.Lock()
	g.gradeCalls++
	entered, release := g.gradeEntered, g.gradeRelease
	grade := g.grades[itemID]
	err := g.gradeErr
	g.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}
	return grade, err
}

func (g *fakeGateway) RunItems(ctx context.Context, sessionID, runID string) ([]domain.QuizItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.itemCalls++
	items, ok := g.itemsByRun[runID]
	if !ok {
		return nil, errors.New("run not found")
	}
	return items, nil
}

func threeItems() []domain.QuizItem {
	return []domain.QuizItem{
		{ID: "q1", Prompt: "First?", Choices: []string{"a", "b"}},
		{ID: "q2", Prompt: "Second?", Choices: []string{"c", "d"}},
		{ID: "q3", Prompt: "Third?"},
	}
}

func newTestCoordinator(gw *fakeGateway) (*quizrun.Coordinator, *memory.MessageStore) {
	store := memory.NewMessageStore()
	return quizrun.NewCoordinator(gw, store, quizrun.NewHistory(store)), store
}

func switchTo(t *testing.T, c *quizrun.Coordinator, sessionID string) {
	t.Helper()
	if _, err := c.SwitchSession(context.Background(), sessionID); err != nil {
		t.Fatalf("switch to %s: %v", sessionID, err)
	}
}

// logShape reads a session's log back and summarizes each entry for assertions.
func logShape(t *testing.T, store *memory.MessageStore, sessionID string) []string {
	t.Helper()
	records, err := store.Read(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	entries, drops := chatlog.Reconstruct(records)
	if len(drops) != 0 {
		t.Fatalf("unexpected drops in log: %v", drops)
	}
	shape := make([]string, 0, len(entries))
	for _, entry := range entries {
		switch e := entry.(type) {
		case chatlog.ItemEntry:
			shape = append(shape, "item:"+e.Item.ID)
		case chatlog.TextEntry:
			shape = append(shape, string(e.Role)+":"+e.Text)
		case chatlog.CompletionEntry:
			shape = append(shape, "complete:"+e.RunID)
		}
	}
	return shape
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{
		run: domain.Run{ID: "r1", Mode: domain.ModeMixed, Items: threeItems()},
		grades: map[string]domain.Grade{
			"q1": {Correct: true},
			"q2": {Correct: false, CorrectAnswer: "d", Explanation: "see week 3"},
			"q3": {Correct: true},
		},
	}
	c, store := newTestCoordinator(gw)
	switchTo(t, c, "s1")

	first, err := c.StartRun(ctx, domain.SourceRef{LectureID: "l1", WeekID: "w3"}, domain.ModeMixed)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if first.ID != "q1" {
		t.Fatalf("expected first item q1, got %s", first.ID)
	}

	answers := []string{"a", "c", "yes"}
	var last quizrun.SubmitResult
	for i, answer := range answers {
		last, err = c.SubmitAnswer(ctx, answer)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if !last.Completed {
		t.Fatalf("expected final submission to complete the run")
	}

	snap := c.Snapshot()
	if snap.State != quizrun.StateCompleted || snap.RunID != "" {
		t.Fatalf("expected completed with no active run, got state=%s run=%q", snap.State, snap.RunID)
	}

	want := []string{
		"item:q1",
		"user:a",
		"assistant:Correct!",
		"item:q2",
		"user:c",
		"assistant:Incorrect. The correct answer is d. see week 3",
		"item:q3",
		"user:yes",
		"assistant:Correct!",
		"complete:r1",
	}
	got := logShape(t, store, "s1")
	if len(got) != len(want) {
		t.Fatalf("expected %d log entries, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("log entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestDoubleSubmitGradesOnce(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{
		run:          domain.Run{ID: "r1", Items: threeItems()},
		grades:       map[string]domain.Grade{"q1": {Correct: true}},
		gradeEntered: make(chan struct{}),
		gradeRelease: make(chan struct{}),
	}
	c, store := newTestCoordinator(gw)
	switchTo(t, c, "s1")
	if _, err := c.StartRun(ctx, domain.SourceRef{}, domain.ModeMultiple); err != nil {
		t.Fatalf("start run: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.SubmitAnswer(ctx, "a")
		firstDone <- err
	}()
	<-gw.gradeEntered

	// The same double-Enter that the latch exists for.
	if _, err := c.SubmitAnswer(ctx, "a"); !errors.Is(err, domain.ErrGradingInFlight) {
		t.Fatalf("expected grading latch, got %v", err)
	}

	close(gw.gradeRelease)
	if err := <-firstDone; err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
	if gw.gradeCalls != 1 {
		t.Fatalf("expected exactly one grade call, got %d", gw.gradeCalls)
	}

	feedbacks := 0
	for _, line := range logShape(t, store, "s1") {
		if line == "assistant:Correct!" {
			feedbacks++
		}
	}
	if feedbacks != 1 {
		t.Fatalf("expected exactly one feedback entry, got %d", feedbacks)
	}
}

func TestSessionSwitchDiscardsInFlightRunStart(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{
		run:          domain.Run{ID: "r1", Items: threeItems()},
		startEntered: make(chan struct{}),
		startRelease: make(chan struct{}),
	}
	c, store := newTestCoordinator(gw)
	switchTo(t, c, "s1")

	startDone := make(chan error, 1)
	go func() {
		_, err := c.StartRun(ctx, domain.SourceRef{}, domain.ModeMixed)
		startDone <- err
	}()
	<-gw.startEntered

	switchTo(t, c, "s2")

	close(gw.startRelease)
	if err := <-startDone; !errors.Is(err, domain.ErrSessionSwitched) {
		t.Fatalf("expected stale response discard, got %v", err)
	}

	snap := c.Snapshot()
	if snap.SessionID != "s2" || snap.State != quizrun.StateIdle {
		t.Fatalf("expected s2 idle, got session=%s state=%s", snap.SessionID, snap.State)
	}
	if got := logShape(t, store, "s2"); len(got) != 0 {
		t.Fatalf("expected new session log untouched, got %v", got)
	}
	if got := logShape(t, store, "s1"); len(got) != 0 {
		t.Fatalf("expected old session log untouched after discard, got %v", got)
	}
}

func TestSessionSwitchDiscardsInFlightGrade(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{
		run:          domain.Run{ID: "r1", Items: threeItems()},
		grades:       map[string]domain.Grade{"q1": {Correct: true}},
		gradeEntered: make(chan struct{}),
		gradeRelease: make(chan struct{}),
	}
	c, store := newTestCoordinator(gw)
	switchTo(t, c, "s1")
	if _, err := c.StartRun(ctx, domain.SourceRef{}, domain.ModeMixed); err != nil {
		t.Fatalf("start run: %v", err)
	}

	submitDone := make(chan error, 1)
	go func() {
		_, err := c.SubmitAnswer(ctx, "a")
		submitDone <- err
	}()
	<-gw.gradeEntered

	switchTo(t, c, "s2")

	close(gw.gradeRelease)
	if err := <-submitDone; !errors.Is(err, domain.ErrSessionSwitched) {
		t.Fatalf("expected stale grade discard, got %v", err)
	}

	snap := c.Snapshot()
	if snap.SessionID != "s2" || snap.State != quizrun.StateIdle {
		t.Fatalf("expected s2 idle, got session=%s state=%s", snap.SessionID, snap.State)
	}
	// The answer was persisted before grading; the discarded grade must not
	// append feedback to either session.
	want := []string{"item:q1", "user:a"}
	got := logShape(t, store, "s1")
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected old session log to end at the answer, got %v", got)
	}
	if got := logShape(t, store, "s2"); len(got) != 0 {
		t.Fatalf("expected new session log untouched, got %v", got)
	}
}

func TestReselectAfterFailedLoadReplaysHistory(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewMessageStore()
	if _, err := inner.Append(ctx, chatlog.NewTextRequest("s1", "r1", chatlog.RoleUser, "earlier answer")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	flaky := &flakyStore{MessageStore: inner, failures: 1}
	c := quizrun.NewCoordinator(&fakeGateway{}, flaky, quizrun.NewHistory(flaky))

	if _, err := c.SwitchSession(ctx, "s1"); err == nil {
		t.Fatalf("expected load failure on first selection")
	}

	// The failed selection must not count as loaded: re-selecting the same
	// session retries the read instead of no-opping.
	entries, err := c.SwitchSession(ctx, "s1")
	if err != nil {
		t.Fatalf("re-select after recovery: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected history replayed on re-select, got %d entries", len(entries))
	}
	if snap := c.Snapshot(); snap.SessionID != "s1" {
		t.Fatalf("expected s1 selected, got %q", snap.SessionID)
	}
}

func TestResumeFetchFailureRetriedOnReselect(t *testing.T) {
	ctx := context.Background()
	items := threeItems()
	gw := &fakeGateway{} // no itemsByRun yet: resume fetch fails
	c, store := newTestCoordinator(gw)

	seed := []chatlog.AppendRequest{
		chatlog.NewItemRequest("s1", "r1", items[0], 0, 3),
		chatlog.NewTextRequest("s1", "r1", chatlog.RoleUser, "a"),
		chatlog.NewTextRequest("s1", "r1", chatlog.RoleAssistant, "Correct!"),
		chatlog.NewItemRequest("s1", "r1", items[1], 1, 3),
	}
	for _, req := range seed {
		if _, err := store.Append(ctx, req); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	entries, err := c.SwitchSession(ctx, "s1")
	if err != nil {
		t.Fatalf("switch with failing resume fetch: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected history despite failed resume fetch, got %d entries", len(entries))
	}
	if snap := c.Snapshot(); snap.State != quizrun.StateIdle {
		t.Fatalf("expected idle after failed resume fetch, got %s", snap.State)
	}

	// Once the run content is reachable again, re-selecting the session
	// resumes the unfinished run instead of no-opping.
	gw.mu.Lock()
	gw.itemsByRun = map[string][]domain.QuizItem{"r1": items}
	gw.mu.Unlock()

	if _, err := c.SwitchSession(ctx, "s1"); err != nil {
		t.Fatalf("re-select: %v", err)
	}
	snap := c.Snapshot()
	if snap.State != quizrun.StateActive || snap.RunID != "r1" || snap.Cursor != 1 {
		t.Fatalf("expected resume at item 1 of r1 after re-select, got %+v", snap)
	}
}

type flakyStore struct {
	*memory.MessageStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Read(ctx context.Context, sessionID string) ([]chatlog.Record, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("store unreachable")
	}
	s.mu.Unlock()
	return s.MessageStore.Read(ctx, sessionID)
}

func TestEmptyRunIsFailure(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{run: domain.Run{ID: "r1"}}
	c, store := newTestCoordinator(gw)
	switchTo(t, c, "s1")

	if _, err := c.StartRun(ctx, domain.SourceRef{}, domain.ModeOX); !errors.Is(err, domain.ErrEmptyRun) {
		t.Fatalf("expected empty run error, got %v", err)
	}
	if snap := c.Snapshot(); snap.State != quizrun.StateIdle {
		t.Fatalf("expected idle after empty run, got %s", snap.State)
	}
	if got := logShape(t, store, "s1"); len(got) != 0 {
		t.Fatalf("expected no log entries for a failed start, got %v", got)
	}
}

func TestDuplicateRunStartRefused(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{
		run:          domain.Run{ID: "r1", Items: threeItems()},
		startEntered: make(chan struct{}),
		startRelease: make(chan struct{}),
	}
	c, _ := newTestCoordinator(gw)
	switchTo(t, c, "s1")

	startDone := make(chan error, 1)
	go func() {
		_, err := c.StartRun(ctx, domain.SourceRef{}, domain.ModeMixed)
		startDone <- err
	}()
	<-gw.startEntered

	if _, err := c.StartRun(ctx, domain.SourceRef{}, domain.ModeMixed); !errors.Is(err, domain.ErrRunInFlight) {
		t.Fatalf("expected duplicate start refusal, got %v", err)
	}

	close(gw.startRelease)
	if err := <-startDone; err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if gw.startCalls != 1 {
		t.Fatalf("expected one generation request, got %d", gw.startCalls)
	}
}

func TestGradeFailureKeepsAnswerAndCursor(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{
		run:      domain.Run{ID: "r1", Items: threeItems()},
		grades:   map[string]domain.Grade{"q1": {Correct: true}},
		gradeErr: errors.New("gateway unreachable"),
	}
	c, store := newTestCoordinator(gw)
	switchTo(t, c, "s1")
	if _, err := c.StartRun(ctx, domain.SourceRef{}, domain.ModeMixed); err != nil {
		t.Fatalf("start run: %v", err)
	}

	if _, err := c.SubmitAnswer(ctx, "a"); err == nil {
		t.Fatalf("expected grading transport error")
	}
	snap := c.Snapshot()
	if snap.State != quizrun.StateActive || snap.Cursor != 0 || snap.Item == nil || snap.Item.ID != "q1" {
		t.Fatalf("expected active at same item, got %+v", snap)
	}
	got := logShape(t, store, "s1")
	if len(got) != 2 || got[1] != "user:a" {
		t.Fatalf("expected the answer to stay persisted, got %v", got)
	}

	// Retry resubmission succeeds without re-presenting the question.
	gw.mu.Lock()
	gw.gradeErr = nil
	gw.mu.Unlock()
	result, err := c.SubmitAnswer(ctx, "a")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if result.Next == nil || result.Next.ID != "q2" {
		t.Fatalf("expected advance to q2 after resubmit, got %+v", result)
	}
}

func TestEmptyAnswerRejected(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{run: domain.Run{ID: "r1", Items: threeItems()}}
	c, _ := newTestCoordinator(gw)
	switchTo(t, c, "s1")
	if _, err := c.StartRun(ctx, domain.SourceRef{}, domain.ModeMixed); err != nil {
		t.Fatalf("start run: %v", err)
	}

	if _, err := c.SubmitAnswer(ctx, "   "); !errors.Is(err, domain.ErrEmptyAnswer) {
		t.Fatalf("expected empty answer rejection, got %v", err)
	}
	if gw.gradeCalls != 0 {
		t.Fatalf("expected no grade call for a blank answer")
	}
}

func TestSwitchToSameSessionIsNoop(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	store := memory.NewMessageStore()
	counting := &countingStore{MessageStore: store}
	c := quizrun.NewCoordinator(gw, counting, quizrun.NewHistory(counting))

	if _, err := c.SwitchSession(ctx, "s1"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	reads := counting.reads()

	entries, err := c.SwitchSession(ctx, "s1")
	if err != nil {
		t.Fatalf("same-session switch: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries for a no-op switch")
	}
	if counting.reads() != reads {
		t.Fatalf("expected no re-fetch on same-session switch")
	}
}

func TestResumeInPlaceAfterReload(t *testing.T) {
	ctx := context.Background()
	items := threeItems()
	gw := &fakeGateway{
		grades:     map[string]domain.Grade{"q2": {Correct: true}, "q3": {Correct: true}},
		itemsByRun: map[string][]domain.QuizItem{"r1": items},
	}
	c, store := newTestCoordinator(gw)

	// History ends on item q2 with no completion marker: answered q1, saw q2.
	seed := []chatlog.AppendRequest{
		chatlog.NewItemRequest("s1", "r1", items[0], 0, 3),
		chatlog.NewTextRequest("s1", "r1", chatlog.RoleUser, "a"),
		chatlog.NewTextRequest("s1", "r1", chatlog.RoleAssistant, "Correct!"),
		chatlog.NewItemRequest("s1", "r1", items[1], 1, 3),
	}
	for _, req := range seed {
		if _, err := store.Append(ctx, req); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	entries, err := c.SwitchSession(ctx, "s1")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 replayed entries, got %d", len(entries))
	}
	snap := c.Snapshot()
	if snap.State != quizrun.StateActive || snap.RunID != "r1" || snap.Cursor != 1 {
		t.Fatalf("expected resume at item 1 of r1, got %+v", snap)
	}
	if snap.Item == nil || snap.Item.ID != "q2" {
		t.Fatalf("expected current item q2, got %+v", snap.Item)
	}
	if gw.startCalls != 0 {
		t.Fatalf("resume must not re-request generation")
	}

	// The resumed run plays out to completion.
	if _, err := c.SubmitAnswer(ctx, "c"); err != nil {
		t.Fatalf("submit resumed item: %v", err)
	}
	result, err := c.SubmitAnswer(ctx, "done")
	if err != nil {
		t.Fatalf("submit final item: %v", err)
	}
	if !result.Completed {
		t.Fatalf("expected resumed run to complete")
	}
}

type countingStore struct {
	*memory.MessageStore
	mu    sync.Mutex
	count int
}

func (s *countingStore) Read(ctx context.Context, sessionID string) ([]chatlog.Record, error) {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return s.MessageStore.Read(ctx, sessionID)
}

func (s *countingStore) reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func TestSubmitWithoutRunRejected(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(&fakeGateway{})

	if _, err := c.SubmitAnswer(ctx, "hello"); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("expected no-session error, got %v", err)
	}

	switchTo(t, c, "s1")
	if _, err := c.SubmitAnswer(ctx, "hello"); !errors.Is(err, domain.ErrNoActiveRun) {
		t.Fatalf("expected no-active-run error, got %v", err)
	}
}

func TestStartRunTimesOutCleanly(t *testing.T) {
	// A canceled context surfaces as a transport error and unwinds to idle.
	gw := &fakeGateway{runErr: context.DeadlineExceeded}
	c, _ := newTestCoordinator(gw)
	switchTo(t, c, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	if _, err := c.StartRun(ctx, domain.SourceRef{}, domain.ModeMixed); err == nil {
		t.Fatalf("expected error from canceled generation")
	}
	if snap := c.Snapshot(); snap.State != quizrun.StateIdle {
		t.Fatalf("expected idle after failure, got %s", snap.State)
	}
}
