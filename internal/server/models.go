package server

import (
	"encoding/json"
	"time"

	"github.com/mohammad-safakhou/prospector/internal/store"
)

// HTTPError is the generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// CreateTaskRequest creates a research task. Subject names the entity to
// research; EntityTypeIDs scope what may be extracted. Model optionally pins
// the coordination model, CronSpec schedules recurring runs and RunNow
// launches a first run immediately.
type CreateTaskRequest struct {
	Subject       string   `json:"subject"`
	Prompt        string   `json:"prompt,omitempty"`
	StartURL      string   `json:"start_url,omitempty"`
	EntityTypeIDs []string `json:"entity_type_ids"`
	LinkTypeIDs   []string `json:"link_type_ids,omitempty"`
	Model         string   `json:"model,omitempty"`
	CronSpec      string   `json:"cron_spec,omitempty"`
	RunNow        bool     `json:"run_now,omitempty"`
}

// CreateTaskResponse returns the new task id and, when RunNow was set, the
// id of the launched run.
type CreateTaskResponse struct {
	ID    string `json:"id"`
	RunID string `json:"run_id,omitempty"`
}

// TaskResponse is the API view of a stored task.
type TaskResponse struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject"`
	Prompt        string    `json:"prompt,omitempty"`
	StartURL      string    `json:"start_url,omitempty"`
	EntityTypeIDs []string  `json:"entity_type_ids"`
	LinkTypeIDs   []string  `json:"link_type_ids,omitempty"`
	Model         string    `json:"model,omitempty"`
	CronSpec      string    `json:"cron_spec,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newTaskResponse(t store.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		Subject:       t.Subject,
		Prompt:        t.Prompt,
		StartURL:      t.StartURL,
		EntityTypeIDs: t.EntityTypeIDs,
		LinkTypeIDs:   t.LinkTypeIDs,
		Model:         t.Model,
		CronSpec:      t.CronSpec,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// RunResponse is the list view of a run: status and accounting, no payloads.
type RunResponse struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      *string    `json:"error,omitempty"`
	Iterations int        `json:"iterations"`
	Tokens     int64      `json:"tokens"`
	Cost       float64    `json:"cost"`
}

// RunDetailResponse adds the proposal and file payloads to the run view.
type RunDetailResponse struct {
	RunResponse
	Suggestion string          `json:"suggestion,omitempty"`
	Proposals  json.RawMessage `json:"proposals,omitempty"`
	Files      json.RawMessage `json:"files,omitempty"`
}

func newRunResponse(r store.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		TaskID:     r.TaskID,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
		Iterations: r.Iterations,
		Tokens:     r.Tokens,
		Cost:       r.Cost,
	}
}

func newRunDetailResponse(r store.Run) RunDetailResponse {
	resp := RunDetailResponse{RunResponse: newRunResponse(r), Suggestion: r.Suggestion}
	if len(r.Proposals) > 0 && string(r.Proposals) != "null" {
		resp.Proposals = append(json.RawMessage{}, r.Proposals...)
	}
	if len(r.Files) > 0 && string(r.Files) != "null" {
		resp.Files = append(json.RawMessage{}, r.Files...)
	}
	return resp
}
