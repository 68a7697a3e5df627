package scheduler

import (
	"context"
	"fmt"
	"time"

	"callflow/internal/taskq"
	"callflow/pkg/logger"
	"callflow/pkg/model"

	"go.uber.org/zap"
)

const (
	jobRetention  = time.Hour
	stuckAfter    = time.Hour
	scanBatchSize = 50
)

// MaintenanceStore is the storage surface the maintenance tasks read
type MaintenanceStore interface {
	GetFailedTranscriptions(ctx context.Context, since time.Time, limit int) ([]*model.CallRecord, error)
	GetStuckCalls(ctx context.Context, before time.Time, limit int) ([]*model.CallRecord, error)
	GetStalledAnalyses(ctx context.Context, before time.Time, limit int) ([]*model.CallRecord, error)
	CountCallsSince(ctx context.Context, since time.Time) (total, transcribed, analyzed, failed int, err error)
}

// Notifier delivers operator-facing messages
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// JobQueue is the queue surface the maintenance tasks drive
type JobQueue interface {
	Submit(kind taskq.Kind, payload interface{}, priority, maxRetries int) (string, error)
	Cleanup(retention time.Duration) int
}

// Maintenance bundles the periodic jobs that run alongside the pipeline
type Maintenance struct {
	store    MaintenanceStore
	notifier Notifier
	queue    JobQueue

	reaperPriority int
	maxRetries     int

	lastAlertScan time.Time
}

func NewMaintenance(store MaintenanceStore, notifier Notifier, queue JobQueue, reaperPriority, maxRetries int) *Maintenance {
	return &Maintenance{
		store:          store,
		notifier:       notifier,
		queue:          queue,
		reaperPriority: reaperPriority,
		maxRetries:     maxRetries,
		lastAlertScan:  time.Now(),
	}
}

// AlertScan notifies operators about transcriptions that failed since
// the previous scan
func (m *Maintenance) AlertScan(ctx context.Context) error {
	since := m.lastAlertScan
	m.lastAlertScan = time.Now()

	failed, err := m.store.GetFailedTranscriptions(ctx, since, scanBatchSize)
	if err != nil {
		return fmt.Errorf("alert scan: %w", err)
	}

	if len(failed) == 0 {
		return nil
	}

	msg := fmt.Sprintf("⚠️ %d call(s) failed transcription since %s",
		len(failed), since.Format("15:04"))
	for _, call := range failed {
		reason := "unknown"
		if call.TranscriptionError != nil {
			reason = *call.TranscriptionError
		}
		msg += fmt.Sprintf("\n• %s: %s", call.ExternalCallID, reason)
	}

	if err := m.notifier.Send(ctx, msg); err != nil {
		return fmt.Errorf("alert scan: %w", err)
	}

	logger.Info("Failed-call alert sent", zap.Int("calls", len(failed)))
	return nil
}

// DailyDigest sends a one-day summary of pipeline throughput
func (m *Maintenance) DailyDigest(ctx context.Context) error {
	since := time.Now().Add(-24 * time.Hour)

	total, transcribed, analyzed, failed, err := m.store.CountCallsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("daily digest: %w", err)
	}

	msg := fmt.Sprintf(
		"📊 Daily call digest\nCalls: %d\nTranscribed: %d\nAnalyzed: %d\nFailed: %d",
		total, transcribed, analyzed, failed)

	if err := m.notifier.Send(ctx, msg); err != nil {
		return fmt.Errorf("daily digest: %w", err)
	}

	logger.Info("Daily digest sent", zap.Int("calls", total))
	return nil
}

// QueueCleanup evicts finished jobs from the in-memory task table
func (m *Maintenance) QueueCleanup(ctx context.Context) error {
	removed := m.queue.Cleanup(jobRetention)
	if removed > 0 {
		logger.Info("Evicted finished jobs", zap.Int("count", removed))
	}
	return nil
}

// StuckCallReaper re-submits work for calls the pipeline lost: calls
// whose transcription never left pending (restarts, queue-full drops),
// and transcribed calls whose analyze job was dropped the same way.
func (m *Maintenance) StuckCallReaper(ctx context.Context) error {
	before := time.Now().Add(-stuckAfter)

	stuck, err := m.store.GetStuckCalls(ctx, before, scanBatchSize)
	if err != nil {
		return fmt.Errorf("stuck call reaper: %w", err)
	}

	resubmitted := 0
	for _, call := range stuck {
		_, err := m.queue.Submit(
			taskq.KindTranscribe,
			taskq.TranscribePayload{CallID: call.ID, RecordingURL: call.RecordingURL},
			m.reaperPriority,
			m.maxRetries,
		)
		if err != nil {
			logger.Warn("Reaper could not resubmit call",
				zap.String("call_id", call.ID),
				zap.Error(err))
			continue
		}
		resubmitted++
	}

	stalled, err := m.store.GetStalledAnalyses(ctx, before, scanBatchSize)
	if err != nil {
		return fmt.Errorf("stuck call reaper: %w", err)
	}

	requeued := 0
	for _, call := range stalled {
		_, err := m.queue.Submit(
			taskq.KindAnalyze,
			taskq.AnalyzePayload{CallID: call.ID},
			m.reaperPriority,
			m.maxRetries,
		)
		if err != nil {
			logger.Warn("Reaper could not requeue analysis",
				zap.String("call_id", call.ID),
				zap.Error(err))
			continue
		}
		requeued++
	}

	if resubmitted > 0 || requeued > 0 {
		logger.Info("Stuck calls resubmitted",
			zap.Int("transcriptions", resubmitted),
			zap.Int("analyses", requeued))
	}
	return nil
}
