package taskq

import (
	"errors"
	"time"
)

var (
	ErrQueueFull   = errors.New("task queue is full")
	ErrJobNotFound = errors.New("job not found")
)

// Kind is the closed set of job variants the worker pool can execute
type Kind string

const (
	KindTranscribe Kind = "transcribe"
	KindAnalyze    Kind = "analyze"
	KindGeneric    Kind = "generic"
)

// Status represents the lifecycle state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TranscribePayload references the call whose recording must be transcribed
type TranscribePayload struct {
	CallID       string `json:"call_id"`
	RecordingURL string `json:"recording_url"`
}

// AnalyzePayload references the call whose transcript must be analyzed
type AnalyzePayload struct {
	CallID string `json:"call_id"`
}

// GenericPayload carries opaque data for maintenance jobs
type GenericPayload struct {
	Name string                 `json:"name"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Job is a unit of work owned by the queue until dequeued, then by the
// executing worker until completion. Lower Priority dequeues first.
type Job struct {
	ID          string
	Kind        Kind
	Payload     interface{}
	Priority    int
	CreatedAt   time.Time
	Status      Status
	Result      string
	Err         string
	RetryCount  int
	MaxRetries  int
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobView is a point-in-time snapshot returned by GetStatus
type JobView struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) view() JobView {
	return JobView{
		ID:          j.ID,
		Kind:        j.Kind,
		Priority:    j.Priority,
		Status:      j.Status,
		Result:      j.Result,
		Error:       j.Err,
		RetryCount:  j.RetryCount,
		MaxRetries:  j.MaxRetries,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// finished reports whether the job reached a terminal state
func (j *Job) finished() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
