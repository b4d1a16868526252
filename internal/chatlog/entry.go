package chatlog

import "github.com/ST-CK/Sturoom-sub000/internal/domain"

// Entry is one typed, display-ready log entry produced by reconstruction.
type Entry interface {
	Seq() int64
}

// ItemEntry is a quiz item presented to the user.
type ItemEntry struct {
	Sequence int64
	RunID    string
	Item     domain.QuizItem
	Index    int
	Total    int
}

func (e ItemEntry) Seq() int64 { return e.Sequence }

// TextEntry is a free-text message: a user answer or grading feedback.
type TextEntry struct {
	Sequence int64
	RunID    string
	Role     Role
	Text     string
}

func (e TextEntry) Seq() int64 { return e.Sequence }

// CompletionEntry marks a run as finished. Rendered only as state, not text.
type CompletionEntry struct {
	Sequence int64
	RunID    string
}

func (e CompletionEntry) Seq() int64 { return e.Sequence }
