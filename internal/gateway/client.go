package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ST-CK/Sturoom-sub000/internal/domain"
)

// Client talks to the remote quiz generation and grading service over HTTP.
// The endpoints mirror the upstream quiz API: session start, run start/retry
// with regeneration, stored run items, and answer grading.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type startSessionRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
	WeekID string `json:"post_id"`
	Mode   string `json:"mode"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
}

type startRunRequest struct {
	SessionID string `json:"session_id"`
	RoomID    string `json:"room_id"`
	WeekID    string `json:"week_id"`
	Mode      string `json:"mode"`
}

type retryRunRequest struct {
	SessionID string `json:"session_id"`
}

type retryRunResponse struct {
	RunID string `json:"run_id"`
}

type generateRequest struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
}

type wireItem struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Choices  []string `json:"choices"`
}

type runResponse struct {
	RunID string     `json:"run_id"`
	Quiz  []wireItem `json:"quiz"`
}

type gradeRequest struct {
	SessionID  string `json:"session_id"`
	RunID      string `json:"run_id"`
	QuestionID string `json:"question_id"`
	UserAnswer string `json:"user_answer"`
}

type gradeResponse struct {
	IsCorrect     bool   `json:"is_correct"`
	CorrectAnswer string `json:"correct_answer"`
	Explanation   string `json:"explanation"`
}

// StartSession creates (or reuses) a quiz session for the given source.
func (c *Client) StartSession(ctx context.Context, userID string, src domain.SourceRef, mode domain.Mode) (string, error) {
	var resp startSessionResponse
	err := c.post(ctx, "/quiz/session/start", startSessionRequest{
		UserID: userID,
		RoomID: src.LectureID,
		WeekID: src.WeekID,
		Mode:   string(mode),
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("start session: empty session id in response")
	}
	return resp.SessionID, nil
}

// StartRun generates a new ordered item list for the session.
func (c *Client) StartRun(ctx context.Context, sessionID string, src domain.SourceRef, mode domain.Mode) (domain.Run, error) {
	var resp runResponse
	err := c.post(ctx, "/quiz/run/start", startRunRequest{
		SessionID: sessionID,
		RoomID:    src.LectureID,
		WeekID:    src.WeekID,
		Mode:      string(mode),
	}, &resp)
	if err != nil {
		return domain.Run{}, fmt.Errorf("start run: %w", err)
	}
	return toRun(resp, mode), nil
}

// RetryRun creates a fresh run for the session, then regenerates its items.
func (c *Client) RetryRun(ctx context.Context, sessionID string) (domain.Run, error) {
	var retry retryRunResponse
	if err := c.post(ctx, "/quiz/run/retry", retryRunRequest{SessionID: sessionID}, &retry); err != nil {
		return domain.Run{}, fmt.Errorf("retry run: %w", err)
	}
	var resp runResponse
	if err := c.post(ctx, "/quiz/generate", generateRequest{SessionID: sessionID, RunID: retry.RunID}, &resp); err != nil {
		return domain.Run{}, fmt.Errorf("regenerate run: %w", err)
	}
	if resp.RunID == "" {
		resp.RunID = retry.RunID
	}
	return toRun(resp, ""), nil
}

// RunItems reads the stored item list of an existing run.
func (c *Client) RunItems(ctx context.Context, sessionID, runID string) ([]domain.QuizItem, error) {
	endpoint := "/quiz/run/items?" + url.Values{
		"session_id": {sessionID},
		"run_id":     {runID},
	}.Encode()
	var resp runResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("run items: %w", err)
	}
	return toRun(resp, "").Items, nil
}

// Grade submits an answer for grading.
func (c *Client) Grade(ctx context.Context, sessionID, runID, itemID, answer string) (domain.Grade, error) {
	var resp gradeResponse
	err := c.post(ctx, "/quiz/attempt", gradeRequest{
		SessionID:  sessionID,
		RunID:      runID,
		QuestionID: itemID,
		UserAnswer: answer,
	}, &resp)
	if err != nil {
		return domain.Grade{}, fmt.Errorf("grade answer: %w", err)
	}
	return domain.Grade{
		Correct:       resp.IsCorrect,
		CorrectAnswer: resp.CorrectAnswer,
		Explanation:   resp.Explanation,
	}, nil
}

func toRun(resp runResponse, mode domain.Mode) domain.Run {
	items := make([]domain.QuizItem, 0, len(resp.Quiz))
	for _, q := range resp.Quiz {
		items = append(items, domain.QuizItem{ID: q.ID, Prompt: q.Question, Choices: q.Choices})
	}
	return domain.Run{ID: resp.RunID, Mode: mode, Items: items}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", req.Method, req.URL.Path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
