package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"callflow/pkg/logger"
	"callflow/pkg/model"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

var ErrCallNotFound = errors.New("call not found")

type PostgresStorage struct {
	pool *pgxpool.Pool
}

// New PostgreSQL storage instance
func NewPostgresStorage(databaseURL string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")

	if err := runMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// Executing database migrations
func runMigrations(databaseURL string) error {
	migrationsPath, err := filepath.Abs("migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations path: %w", err)
	}
	migrationsURL := fmt.Sprintf("file://%s", filepath.ToSlash(migrationsPath))

	logger.Info("Running migrations", zap.String("path", migrationsURL))

	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse database URL: %w", err)
	}

	db := stdlib.OpenDB(*connConfig)
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err == migrate.ErrNoChange {
		logger.Info("No new migrations to apply")
	} else {
		logger.Info("Migrations applied successfully")
	}

	return nil
}

// Closes the database connection pool
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

const callColumns = `
	id, external_call_id, external_lead_id, responsible_user_id,
	recording_url, archive_url,
	transcription_status, transcription_text, transcription_error,
	analysis_status, analysis_result, analysis_error,
	created_at, updated_at`

func scanCall(row pgx.Row) (*model.CallRecord, error) {
	var call model.CallRecord
	err := row.Scan(
		&call.ID,
		&call.ExternalCallID,
		&call.ExternalLeadID,
		&call.ResponsibleUserID,
		&call.RecordingURL,
		&call.ArchiveURL,
		&call.TranscriptionStatus,
		&call.TranscriptionText,
		&call.TranscriptionError,
		&call.AnalysisStatus,
		&call.AnalysisResult,
		&call.AnalysisError,
		&call.CreatedAt,
		&call.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}
	return &call, nil
}

// CreateCall inserts a new call record
func (s *PostgresStorage) CreateCall(ctx context.Context, call *model.CallRecord) error {
	query := `
		INSERT INTO calls (
			id, external_call_id, external_lead_id, responsible_user_id,
			recording_url, archive_url,
			transcription_status, transcription_text, transcription_error,
			analysis_status, analysis_result, analysis_error,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)`

	_, err := s.pool.Exec(ctx, query,
		call.ID,
		call.ExternalCallID,
		call.ExternalLeadID,
		call.ResponsibleUserID,
		call.RecordingURL,
		call.ArchiveURL,
		call.TranscriptionStatus,
		call.TranscriptionText,
		call.TranscriptionError,
		call.AnalysisStatus,
		call.AnalysisResult,
		call.AnalysisError,
		call.CreatedAt,
		call.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// GetCallByID retrieves a call by its internal id
func (s *PostgresStorage) GetCallByID(ctx context.Context, id string) (*model.CallRecord, error) {
	query := `SELECT` + callColumns + ` FROM calls WHERE id = $1`
	return scanCall(s.pool.QueryRow(ctx, query, id))
}

// GetCallByExternalID retrieves a call by the provider's call id. This is
// the idempotency lookup: the dispatcher must call it before creating.
func (s *PostgresStorage) GetCallByExternalID(ctx context.Context, externalCallID string) (*model.CallRecord, error) {
	query := `SELECT` + callColumns + ` FROM calls WHERE external_call_id = $1`
	return scanCall(s.pool.QueryRow(ctx, query, externalCallID))
}

// UpdateStage atomically sets one stage's status, text/result and error
func (s *PostgresStorage) UpdateStage(ctx context.Context, callID string, update model.StageUpdate) error {
	var query string
	var args []interface{}

	switch update.Stage {
	case model.StageTranscription:
		query = `
			UPDATE calls
			SET transcription_status = $2, transcription_text = $3,
			    transcription_error = $4, updated_at = NOW()
			WHERE id = $1`
		args = []interface{}{callID, update.Status, update.Text, update.Error}
	case model.StageAnalysis:
		query = `
			UPDATE calls
			SET analysis_status = $2, analysis_result = $3,
			    analysis_error = $4, updated_at = NOW()
			WHERE id = $1`
		args = []interface{}{callID, update.Status, update.Result, update.Error}
	default:
		return fmt.Errorf("unknown stage: %s", update.Stage)
	}

	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s stage: %w", update.Stage, err)
	}

	if result.RowsAffected() == 0 {
		return ErrCallNotFound
	}

	return nil
}

// SetArchiveURL stores where the recording was archived
func (s *PostgresStorage) SetArchiveURL(ctx context.Context, callID, archiveURL string) error {
	query := `UPDATE calls SET archive_url = $2, updated_at = NOW() WHERE id = $1`

	result, err := s.pool.Exec(ctx, query, callID, archiveURL)
	if err != nil {
		return fmt.Errorf("failed to set archive url: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

// GetFailedTranscriptions returns calls whose transcription failed since
// the given time. Used by the alert scan.
func (s *PostgresStorage) GetFailedTranscriptions(ctx context.Context, since time.Time, limit int) ([]*model.CallRecord, error) {
	query := `SELECT` + callColumns + `
		FROM calls
		WHERE transcription_status = $1 AND updated_at >= $2
		ORDER BY updated_at DESC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, model.StageFailed, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed transcriptions: %w", err)
	}
	defer rows.Close()

	return collectCalls(rows)
}

// GetStuckCalls returns calls still pending transcription that were
// created before the cutoff. Used by the reaper to re-submit lost work.
func (s *PostgresStorage) GetStuckCalls(ctx context.Context, before time.Time, limit int) ([]*model.CallRecord, error) {
	query := `SELECT` + callColumns + `
		FROM calls
		WHERE transcription_status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, model.StagePending, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get stuck calls: %w", err)
	}
	defer rows.Close()

	return collectCalls(rows)
}

// GetStalledAnalyses returns transcribed calls whose analysis never left
// pending before the cutoff. This is the recovery path for analyze jobs
// dropped on submission (queue full) or lost to a restart.
func (s *PostgresStorage) GetStalledAnalyses(ctx context.Context, before time.Time, limit int) ([]*model.CallRecord, error) {
	query := `SELECT` + callColumns + `
		FROM calls
		WHERE transcription_status = $1 AND analysis_status = $2 AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4`

	rows, err := s.pool.Query(ctx, query, model.StageCompleted, model.StagePending, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get stalled analyses: %w", err)
	}
	defer rows.Close()

	return collectCalls(rows)
}

// CountCallsSince aggregates per-stage counts for the daily digest
func (s *PostgresStorage) CountCallsSince(ctx context.Context, since time.Time) (total, transcribed, analyzed, failed int, err error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE transcription_status = 'completed'),
			COUNT(*) FILTER (WHERE analysis_status = 'completed'),
			COUNT(*) FILTER (WHERE transcription_status = 'failed' OR analysis_status = 'failed')
		FROM calls
		WHERE created_at >= $1`

	row := s.pool.QueryRow(ctx, query, since)
	if scanErr := row.Scan(&total, &transcribed, &analyzed, &failed); scanErr != nil {
		return 0, 0, 0, 0, fmt.Errorf("failed to count calls: %w", scanErr)
	}
	return total, transcribed, analyzed, failed, nil
}

func collectCalls(rows pgx.Rows) ([]*model.CallRecord, error) {
	var calls []*model.CallRecord
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}
	return calls, nil
}
