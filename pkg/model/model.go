package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// StageStatus represents the status of one processing stage of a call
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// Stage identifies which state machine of a call is being updated
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageAnalysis      Stage = "analysis"
)

// JSONB represents a JSONB field for PostgreSQL
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// CallRecord represents a phone call moving through the two-stage
// transcription/analysis pipeline. The two stages are independent
// four-state machines; analysis may only start once transcription
// has completed.
type CallRecord struct {
	ID                  string      `json:"id" db:"id"`
	ExternalCallID      string      `json:"external_call_id" db:"external_call_id"`
	ExternalLeadID      *string     `json:"external_lead_id,omitempty" db:"external_lead_id"`
	ResponsibleUserID   string      `json:"responsible_user_id" db:"responsible_user_id"`
	RecordingURL        string      `json:"recording_url" db:"recording_url"`
	ArchiveURL          *string     `json:"archive_url,omitempty" db:"archive_url"`
	TranscriptionStatus StageStatus `json:"transcription_status" db:"transcription_status"`
	TranscriptionText   *string     `json:"transcription_text,omitempty" db:"transcription_text"`
	TranscriptionError  *string     `json:"transcription_error,omitempty" db:"transcription_error"`
	AnalysisStatus      StageStatus `json:"analysis_status" db:"analysis_status"`
	AnalysisResult      JSONB       `json:"analysis_result,omitempty" db:"analysis_result"`
	AnalysisError       *string     `json:"analysis_error,omitempty" db:"analysis_error"`
	CreatedAt           time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at" db:"updated_at"`
}

// StageUpdate carries an atomic status change for one stage of a call
type StageUpdate struct {
	Stage  Stage
	Status StageStatus
	Text   *string
	Result JSONB
	Error  *string
}

// CanAnalyze reports whether the analysis stage may leave pending
func (c *CallRecord) CanAnalyze() bool {
	return c.TranscriptionStatus == StageCompleted && c.AnalysisStatus == StagePending
}

// TranscriptionDone returns true if the transcription stage is final
func (c *CallRecord) TranscriptionDone() bool {
	return c.TranscriptionStatus == StageCompleted || c.TranscriptionStatus == StageFailed
}

// Finished returns true if no further pipeline work is possible for the call
func (c *CallRecord) Finished() bool {
	if c.TranscriptionStatus == StageFailed {
		return true
	}
	return c.TranscriptionStatus == StageCompleted &&
		(c.AnalysisStatus == StageCompleted || c.AnalysisStatus == StageFailed)
}

// ValidStageTransition enforces the allowed edges of a stage machine
func ValidStageTransition(from, to StageStatus) bool {
	switch from {
	case StagePending:
		return to == StageProcessing
	case StageProcessing:
		return to == StageCompleted || to == StageFailed
	default:
		return false
	}
}
