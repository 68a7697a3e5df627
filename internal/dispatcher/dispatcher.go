package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callflow/internal/storage"
	"callflow/internal/taskq"
	"callflow/pkg/cache"
	"callflow/pkg/logger"
	"callflow/pkg/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidEvent = errors.New("invalid inbound event")
	ErrStaleEvent   = errors.New("inbound event is too old")
)

// Source-dependent priorities: webhook pushes are urgent, bulk sync is
// background work. Lower dequeues first.
const (
	PriorityWebhook = 1
	PrioritySync    = 10
)

const (
	SourceWebhook = "webhook"
	SourceSync    = "sync"
)

// InboundCallEvent is the shape the webhook/sync collaborators produce
type InboundCallEvent struct {
	ExternalCallID    string    `json:"external_call_id"`
	ExternalLeadID    *string   `json:"external_lead_id,omitempty"`
	RecordingURL      string    `json:"recording_url,omitempty"`
	ResponsibleUserID string    `json:"responsible_user_id"`
	Source            string    `json:"source"`
	CreatedAt         time.Time `json:"created_at"`
}

// CallStore is the storage surface the dispatcher needs
type CallStore interface {
	GetCallByExternalID(ctx context.Context, externalCallID string) (*model.CallRecord, error)
	CreateCall(ctx context.Context, call *model.CallRecord) error
}

// JobSubmitter submits the initial transcribe job
type JobSubmitter interface {
	Submit(kind taskq.Kind, payload interface{}, priority, maxRetries int) (string, error)
}

// Dispatcher is the boundary where inbound call events become call
// records and pipeline jobs. Creation is idempotent: lookup-before-create
// keyed by the provider's call id, with a Redis fast path in front of
// the authoritative Postgres check.
type Dispatcher struct {
	store      CallStore
	cache      cache.Cache
	queue      JobSubmitter
	freshness  time.Duration
	maxRetries int
}

func New(store CallStore, c cache.Cache, queue JobSubmitter, freshness time.Duration, maxRetries int) *Dispatcher {
	return &Dispatcher{
		store:      store,
		cache:      c,
		queue:      queue,
		freshness:  freshness,
		maxRetries: maxRetries,
	}
}

// HandleEvent validates the event and, for a previously unseen call,
// creates the record and submits the transcribe job. It returns the
// submitted job id, or "" when the event was a duplicate or carried no
// recording.
func (d *Dispatcher) HandleEvent(ctx context.Context, event InboundCallEvent) (string, error) {
	if event.ExternalCallID == "" || event.ResponsibleUserID == "" || event.CreatedAt.IsZero() {
		return "", ErrInvalidEvent
	}

	if time.Since(event.CreatedAt) > d.freshness {
		return "", fmt.Errorf("%w: created at %s", ErrStaleEvent, event.CreatedAt.Format(time.RFC3339))
	}

	log := logger.Logger.With(
		zap.String("external_call_id", event.ExternalCallID),
		zap.String("source", event.Source))

	// fast path: already dispatched recently
	if seen, err := d.cache.Exists(ctx, cache.SeenCallKey(event.ExternalCallID)); err == nil && seen {
		log.Debug("Duplicate event, seen in cache")
		return "", nil
	}

	existing, err := d.store.GetCallByExternalID(ctx, event.ExternalCallID)
	if err != nil && !errors.Is(err, storage.ErrCallNotFound) {
		return "", fmt.Errorf("failed to look up call: %w", err)
	}
	if existing != nil {
		// known call: never a second record, never a second transcribe job
		log.Debug("Duplicate event, call already exists",
			zap.String("call_id", existing.ID),
			zap.String("transcription_status", string(existing.TranscriptionStatus)))
		return "", nil
	}

	if event.RecordingURL == "" {
		log.Warn("Event without recording, nothing to transcribe")
		return "", nil
	}

	now := time.Now()
	call := &model.CallRecord{
		ID:                  uuid.New().String(),
		ExternalCallID:      event.ExternalCallID,
		ExternalLeadID:      event.ExternalLeadID,
		ResponsibleUserID:   event.ResponsibleUserID,
		RecordingURL:        event.RecordingURL,
		TranscriptionStatus: model.StagePending,
		AnalysisStatus:      model.StagePending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := d.store.CreateCall(ctx, call); err != nil {
		return "", fmt.Errorf("failed to create call: %w", err)
	}

	jobID, err := d.queue.Submit(
		taskq.KindTranscribe,
		taskq.TranscribePayload{CallID: call.ID, RecordingURL: call.RecordingURL},
		priorityFor(event.Source),
		d.maxRetries,
	)
	if err != nil {
		// record exists, the reaper will pick the call up later
		log.Error("Failed to submit transcribe job", zap.Error(err))
		return "", err
	}

	if cacheErr := d.cache.SetWithTTL(ctx, cache.SeenCallKey(event.ExternalCallID), true, d.freshness); cacheErr != nil {
		log.Warn("Failed to mark call as seen", zap.Error(cacheErr))
	}

	log.Info("Call dispatched",
		zap.String("call_id", call.ID),
		zap.String("job_id", jobID))

	return jobID, nil
}

// HandleDelivery adapts a raw broker message to HandleEvent. Invalid and
// stale events are dropped (acked) rather than redelivered forever;
// infrastructure failures propagate so the message gets requeued.
func (d *Dispatcher) HandleDelivery(body []byte) error {
	var event InboundCallEvent
	if err := json.Unmarshal(body, &event); err != nil {
		logger.Warn("Undecodable inbound event dropped", zap.Error(err))
		return nil
	}

	_, err := d.HandleEvent(context.Background(), event)
	if errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrStaleEvent) {
		logger.Warn("Inbound event dropped", zap.Error(err))
		return nil
	}
	return err
}

func priorityFor(source string) int {
	if source == SourceWebhook {
		return PriorityWebhook
	}
	return PrioritySync
}
