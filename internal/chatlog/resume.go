package chatlog

import "github.com/ST-CK/Sturoom-sub000/internal/domain"

// ResumePoint identifies the unfinished run a reconstructed history ends on.
type ResumePoint struct {
	RunID string
	Item  domain.QuizItem
	Index int
	Total int
}

// Resume derives the in-progress run from a reconstructed history: the last
// presented quiz item whose run has no completion marker after it. A history
// whose item entries were all dropped yields no resume point, so the caller
// treats it as "no active run" rather than an empty one.
func Resume(entries []Entry) (ResumePoint, bool) {
	var last *ItemEntry
	completed := make(map[string]bool)
	for _, entry := range entries {
		switch e := entry.(type) {
		case ItemEntry:
			last = &e
		case CompletionEntry:
			completed[e.RunID] = true
		}
	}
	if last == nil || last.RunID == "" || completed[last.RunID] {
		return ResumePoint{}, false
	}
	return ResumePoint{
		RunID: last.RunID,
		Item:  last.Item,
		Index: last.Index,
		Total: last.Total,
	}, true
}
