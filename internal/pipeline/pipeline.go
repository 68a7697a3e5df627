package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"callflow/internal/taskq"
	"callflow/internal/transcriber"
	"callflow/pkg/cache"
	"callflow/pkg/model"
	"callflow/pkg/resilience"
)

// CallStore is the slice of the storage layer the pipeline needs
type CallStore interface {
	GetCallByID(ctx context.Context, id string) (*model.CallRecord, error)
	UpdateStage(ctx context.Context, callID string, update model.StageUpdate) error
	SetArchiveURL(ctx context.Context, callID, archiveURL string) error
}

// Archive stores downloaded recordings at a stable URL
type Archive interface {
	UploadRecording(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	RecordingKey(callID, extension string) string
}

// Recognizer is the async speech-to-text API
type Recognizer interface {
	StartRecognition(ctx context.Context, audioURL string) (string, error)
	WaitForResult(ctx context.Context, operationID string) (*transcriber.RecognitionResult, error)
}

// Analyzer runs AI analysis over a transcript
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (model.JSONB, error)
}

// JobSubmitter is the queue surface the pipeline chains through
type JobSubmitter interface {
	Submit(kind taskq.Kind, payload interface{}, priority, maxRetries int) (string, error)
}

// Config controls the jobs the pipeline submits when chaining
type Config struct {
	AnalyzePriority int
	MaxRetries      int
}

// Pipeline drives a call record through its two stages. The Transcribe
// handler chains an Analyze job as a side effect of success; the Analyze
// handler chains nothing.
type Pipeline struct {
	store      CallStore
	archive    Archive
	recognizer Recognizer
	analyzer   Analyzer
	cache      cache.Cache
	queue      JobSubmitter
	cfg        Config
	httpClient *http.Client
}

func New(store CallStore, archive Archive, recognizer Recognizer, analyzer Analyzer, c cache.Cache, queue JobSubmitter, cfg Config) *Pipeline {
	return &Pipeline{
		store:      store,
		archive:    archive,
		recognizer: recognizer,
		analyzer:   analyzer,
		cache:      c,
		queue:      queue,
		cfg:        cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Handle is the worker pool handler: one switch over the closed set of
// job kinds.
func (p *Pipeline) Handle(ctx context.Context, job *taskq.Job) (string, error) {
	switch job.Kind {
	case taskq.KindTranscribe:
		payload, ok := job.Payload.(taskq.TranscribePayload)
		if !ok {
			return "", fmt.Errorf("invalid transcribe payload: %T", job.Payload)
		}
		return p.handleTranscribe(ctx, job, payload)
	case taskq.KindAnalyze:
		payload, ok := job.Payload.(taskq.AnalyzePayload)
		if !ok {
			return "", fmt.Errorf("invalid analyze payload: %T", job.Payload)
		}
		return p.handleAnalyze(ctx, job, payload)
	case taskq.KindGeneric:
		if payload, ok := job.Payload.(taskq.GenericPayload); ok {
			return payload.Name, nil
		}
		return "", nil
	default:
		return "", fmt.Errorf("unknown job kind: %s", job.Kind)
	}
}

// lastAttempt reports whether this execution exhausts the retry budget,
// in which case the stage must be finalized as failed
func lastAttempt(job *taskq.Job) bool {
	return job.RetryCount >= job.MaxRetries
}

// downloadRecording fetches the audio from the provider URL, retrying
// transient failures with backoff
func (p *Pipeline) downloadRecording(ctx context.Context, url string) ([]byte, error) {
	var data []byte

	cfg := resilience.DefaultRetryConfig()
	cfg.InitialInterval = 500 * time.Millisecond

	err := resilience.Retry(ctx, cfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return resilience.Transient(fmt.Errorf("failed to download recording: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			dlErr := fmt.Errorf("failed to download recording: status=%d", resp.StatusCode)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return resilience.Transient(dlErr)
			}
			return dlErr
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return resilience.Transient(fmt.Errorf("failed to read recording: %w", err))
		}
		return nil
	})

	return data, err
}
