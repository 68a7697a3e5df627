package pipeline

import (
	"bytes"
	"context"
	"fmt"

	"callflow/internal/taskq"
	"callflow/pkg/cache"
	"callflow/pkg/logger"
	"callflow/pkg/model"

	"go.uber.org/zap"
)

func (p *Pipeline) handleTranscribe(ctx context.Context, job *taskq.Job, payload taskq.TranscribePayload) (string, error) {
	log := logger.Logger.With(
		zap.String("job_id", job.ID),
		zap.String("call_id", payload.CallID))

	call, err := p.store.GetCallByID(ctx, payload.CallID)
	if err != nil {
		return "", fmt.Errorf("failed to load call: %w", err)
	}

	switch call.TranscriptionStatus {
	case model.StageCompleted:
		// re-delivered job for an already transcribed call; if the
		// analyze chain was dropped, recover it instead of skipping
		if call.CanAnalyze() {
			log.Warn("Transcription already completed, requeueing analysis")
			analyzeJobID, err := p.submitAnalyze(call.ID)
			if err != nil {
				return "", fmt.Errorf("failed to requeue analysis: %w", err)
			}
			log.Info("Analyze job submitted", zap.String("analyze_job_id", analyzeJobID))
			return "analysis requeued", nil
		}
		log.Warn("Transcription already completed, skipping")
		return "already transcribed", nil
	case model.StageFailed:
		return "", fmt.Errorf("transcription already failed permanently")
	case model.StagePending:
		if err := p.store.UpdateStage(ctx, call.ID, model.StageUpdate{
			Stage:  model.StageTranscription,
			Status: model.StageProcessing,
		}); err != nil {
			return "", fmt.Errorf("failed to mark transcription processing: %w", err)
		}
	}

	text, err := p.transcribe(ctx, call, payload.RecordingURL)
	if err != nil {
		p.failStage(ctx, job, call.ID, model.StageTranscription, err)
		return "", err
	}

	if err := p.store.UpdateStage(ctx, call.ID, model.StageUpdate{
		Stage:  model.StageTranscription,
		Status: model.StageCompleted,
		Text:   &text,
	}); err != nil {
		return "", fmt.Errorf("failed to store transcription: %w", err)
	}

	if cacheErr := p.cache.Set(ctx, cache.TranscriptCacheKey(call.ID), text); cacheErr != nil {
		log.Warn("Failed to cache transcript", zap.Error(cacheErr))
	}

	log.Info("Transcription completed", zap.Int("text_length", len(text)))

	// chaining: analysis is a side effect of successful transcription
	analyzeJobID, err := p.submitAnalyze(call.ID)
	if err != nil {
		// transcription itself succeeded; the stalled-analysis reaper
		// sweep will requeue the analyze job
		log.Error("Failed to submit analyze job", zap.Error(err))
		return "transcribed, analysis not queued", nil
	}

	log.Info("Analyze job submitted", zap.String("analyze_job_id", analyzeJobID))

	return "transcribed", nil
}

func (p *Pipeline) submitAnalyze(callID string) (string, error) {
	return p.queue.Submit(
		taskq.KindAnalyze,
		taskq.AnalyzePayload{CallID: callID},
		p.cfg.AnalyzePriority,
		p.cfg.MaxRetries,
	)
}

// transcribe downloads, archives and recognizes the recording
func (p *Pipeline) transcribe(ctx context.Context, call *model.CallRecord, recordingURL string) (string, error) {
	audio, err := p.downloadRecording(ctx, recordingURL)
	if err != nil {
		return "", err
	}

	key := p.archive.RecordingKey(call.ID, ".mp3")
	archiveURL, err := p.archive.UploadRecording(ctx, key, bytes.NewReader(audio), "audio/mpeg")
	if err != nil {
		return "", fmt.Errorf("failed to archive recording: %w", err)
	}

	if err := p.store.SetArchiveURL(ctx, call.ID, archiveURL); err != nil {
		logger.Warn("Failed to store archive url",
			zap.String("call_id", call.ID),
			zap.Error(err))
	}

	operationID, err := p.recognizer.StartRecognition(ctx, archiveURL)
	if err != nil {
		return "", fmt.Errorf("failed to start recognition: %w", err)
	}

	result, err := p.recognizer.WaitForResult(ctx, operationID)
	if err != nil {
		return "", fmt.Errorf("recognition failed: %w", err)
	}

	text := result.GetFullText()
	if text == "" {
		return "", fmt.Errorf("no speech recognized")
	}

	return text, nil
}

// failStage finalizes a stage as failed once the job's retry budget is
// spent; earlier failures leave the stage processing so the retried job
// can continue.
func (p *Pipeline) failStage(ctx context.Context, job *taskq.Job, callID string, stage model.Stage, cause error) {
	if !lastAttempt(job) {
		return
	}

	msg := cause.Error()
	if err := p.store.UpdateStage(ctx, callID, model.StageUpdate{
		Stage:  stage,
		Status: model.StageFailed,
		Error:  &msg,
	}); err != nil {
		logger.Error("Failed to mark stage failed",
			zap.String("call_id", callID),
			zap.String("stage", string(stage)),
			zap.Error(err))
	}
}
