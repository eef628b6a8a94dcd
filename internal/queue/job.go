package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultResultTTL is how long a run record is kept
const DefaultResultTTL = 24 * time.Hour

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusFailed   RunStatus = "failed"
	RunStatusCanceled RunStatus = "canceled"
)

// IsTerminal reports whether no further events follow this status
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed || s == RunStatusCanceled
}

// Run is one queued execution of the repro scenario
type Run struct {
	ID          string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	Message     string    `json:"message,omitempty"`
	LogPath     string    `json:"log_path"`
	Error       string    `json:"error,omitempty"`
	Diagnostics int       `json:"diagnostics"`
	CreatedAt   int64     `json:"created_at"`
	UpdatedAt   int64     `json:"updated_at"`
	StartedAt   int64     `json:"started_at,omitempty"`
	CompletedAt int64     `json:"completed_at,omitempty"`
	ExpiresAt   int64     `json:"expires_at,omitempty"` // When the record will be deleted
}

// NewRun creates a queued run whose log will be written to logPath
func NewRun(id, logPath string, ttl time.Duration) *Run {
	now := time.Now()
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}

	return &Run{
		ID:        id,
		Status:    RunStatusQueued,
		LogPath:   logPath,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
}

// NewRunID generates a run identifier
func NewRunID() string {
	return "run_" + uuid.New().String()[:8]
}

// SetStatus updates the run status
func (r *Run) SetStatus(status RunStatus, message string) {
	now := time.Now().Unix()
	r.Status = status
	r.Message = message
	r.UpdatedAt = now

	if status == RunStatusRunning && r.StartedAt == 0 {
		r.StartedAt = now
	}

	if status.IsTerminal() {
		r.CompletedAt = now
	}
}

// Finish marks the run finished or failed depending on err
func (r *Run) Finish(err error) {
	if err != nil {
		r.Error = err.Error()
		r.SetStatus(RunStatusFailed, "Run aborted")
		return
	}
	r.SetStatus(RunStatusFinished, "Run completed")
}

// IsExpired checks if the run record has expired
func (r *Run) IsExpired() bool {
	if r.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() > r.ExpiresAt
}

// ToJSON serializes a run to JSON
func (r *Run) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON deserializes a run from JSON
func FromJSON(data []byte) (*Run, error) {
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// RunCreatedResponse represents the response when a run is queued
type RunCreatedResponse struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	StatusURL string    `json:"status_url"`
	LogURL    string    `json:"log_url"`
	Events    struct {
		SSEURL string `json:"sse_url"`
		WSURL  string `json:"ws_url"`
	} `json:"events"`
}
