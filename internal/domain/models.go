package domain

import "time"

// Mode is the closed set of quiz styles a run can be generated in.
type Mode string

const (
	ModeMultiple Mode = "multiple"
	ModeOX       Mode = "ox"
	ModeShort    Mode = "short"
	ModeMixed    Mode = "mixed"
)

// Valid reports whether m is one of the known quiz modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeMultiple, ModeOX, ModeShort, ModeMixed:
		return true
	}
	return false
}

// SourceRef points at the learning material a run is generated from.
type SourceRef struct {
	LectureID string `json:"lectureId"`
	WeekID    string `json:"weekId"`
}

// Session is a durable quiz-taking conversation scope. The engine never
// mutates a session beyond appending log entries under its ID.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Source    SourceRef `json:"source"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"createdAt"`
}

// QuizItem is one question within a run. Immutable once received from the
// gateway; choices is empty for short-answer and OX items.
type QuizItem struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices,omitempty"`
}

// Run is one generation of quiz items attempted within a session.
type Run struct {
	ID    string     `json:"id"`
	Mode  Mode       `json:"mode"`
	Items []QuizItem `json:"items"`
}

// Grade is the outcome of grading a single answer.
type Grade struct {
	Correct       bool   `json:"correct"`
	CorrectAnswer string `json:"correctAnswer"`
	Explanation   string `json:"explanation,omitempty"`
}

// FeedbackText renders the grade the way it is persisted in the log.
func (g Grade) FeedbackText() string {
	if g.Correct {
		if g.Explanation != "" {
			return "Correct! " + g.Explanation
		}
		return "Correct!"
	}
	text := "Incorrect. The correct answer is " + g.CorrectAnswer + "."
	if g.Explanation != "" {
		text += " " + g.Explanation
	}
	return text
}
