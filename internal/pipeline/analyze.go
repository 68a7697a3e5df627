package pipeline

import (
	"context"
	"fmt"

	"callflow/internal/taskq"
	"callflow/pkg/cache"
	"callflow/pkg/logger"
	"callflow/pkg/model"

	"go.uber.org/zap"
)

func (p *Pipeline) handleAnalyze(ctx context.Context, job *taskq.Job, payload taskq.AnalyzePayload) (string, error) {
	log := logger.Logger.With(
		zap.String("job_id", job.ID),
		zap.String("call_id", payload.CallID))

	call, err := p.store.GetCallByID(ctx, payload.CallID)
	if err != nil {
		return "", fmt.Errorf("failed to load call: %w", err)
	}

	// transcription must have completed before analysis may start
	if call.TranscriptionStatus != model.StageCompleted {
		return "", fmt.Errorf("transcription not completed for call %s", call.ID)
	}
	if call.TranscriptionText == nil || *call.TranscriptionText == "" {
		return "", fmt.Errorf("call %s has no transcript", call.ID)
	}

	switch call.AnalysisStatus {
	case model.StageCompleted:
		log.Warn("Analysis already completed, skipping")
		return "already analyzed", nil
	case model.StageFailed:
		return "", fmt.Errorf("analysis already failed permanently")
	case model.StagePending:
		if err := p.store.UpdateStage(ctx, call.ID, model.StageUpdate{
			Stage:  model.StageAnalysis,
			Status: model.StageProcessing,
		}); err != nil {
			return "", fmt.Errorf("failed to mark analysis processing: %w", err)
		}
	}

	result, err := p.analyzer.Analyze(ctx, *call.TranscriptionText)
	if err != nil {
		p.failStage(ctx, job, call.ID, model.StageAnalysis, err)
		return "", err
	}

	if err := p.store.UpdateStage(ctx, call.ID, model.StageUpdate{
		Stage:  model.StageAnalysis,
		Status: model.StageCompleted,
		Result: result,
	}); err != nil {
		return "", fmt.Errorf("failed to store analysis: %w", err)
	}

	if cacheErr := p.cache.Set(ctx, cache.AnalysisCacheKey(call.ID), result); cacheErr != nil {
		log.Warn("Failed to cache analysis", zap.Error(cacheErr))
	}

	log.Info("Analysis completed", zap.Int("fields", len(result)))

	return "analyzed", nil
}
