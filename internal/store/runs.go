package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyhq/tally-sync-server/internal/domain"
)

// defaultRunListLimit caps List when the caller passes a non-positive limit.
const defaultRunListLimit = 50

type pgSyncRunStore struct {
	pool *pgxpool.Pool
}

// NewSyncRunStore creates a Postgres-backed run ledger.
func NewSyncRunStore(pool *pgxpool.Pool) SyncRunStore {
	return &pgSyncRunStore{pool: pool}
}

const runColumns = `id, trigger_type, status, started_at, completed_at, processed_count, success_count, error_count, error_summary, triggered_by`

func scanRun(row pgx.Row) (*domain.SyncRun, error) {
	var r domain.SyncRun
	var trigger, status string
	err := row.Scan(&r.ID, &trigger, &status, &r.StartedAt, &r.CompletedAt,
		&r.ProcessedCount, &r.SuccessCount, &r.ErrorCount, &r.ErrorSummary, &r.TriggeredBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Trigger = domain.TriggerType(trigger)
	r.Status = domain.RunStatus(status)
	return &r, nil
}

func (s *pgSyncRunStore) Create(ctx context.Context, run *domain.SyncRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, trigger_type, status, started_at, completed_at,
			processed_count, success_count, error_count, error_summary, triggered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, string(run.Trigger), string(run.Status), run.StartedAt, run.CompletedAt,
		run.ProcessedCount, run.SuccessCount, run.ErrorCount, run.ErrorSummary, run.TriggeredBy)
	return err
}

func (s *pgSyncRunStore) Finalize(ctx context.Context, run *domain.SyncRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_runs
		SET status = $2, completed_at = $3, processed_count = $4, success_count = $5,
		    error_count = $6, error_summary = $7
		WHERE id = $1`,
		run.ID, string(run.Status), run.CompletedAt,
		run.ProcessedCount, run.SuccessCount, run.ErrorCount, run.ErrorSummary)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgSyncRunStore) AppendDetail(ctx context.Context, d domain.SyncRunDetail) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_run_details (id, run_id, seq, operation, outcome, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.RunID, d.Seq, d.Operation, string(d.Outcome), d.Message, d.CreatedAt)
	return err
}

func (s *pgSyncRunStore) Get(ctx context.Context, id uuid.UUID) (*domain.SyncRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM sync_runs
		WHERE id = $1`, id)
	return scanRun(row)
}

func (s *pgSyncRunStore) List(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *pgSyncRunStore) ListDetails(ctx context.Context, runID uuid.UUID) ([]domain.SyncRunDetail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, seq, operation, outcome, message, created_at
		FROM sync_run_details
		WHERE run_id = $1
		ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []domain.SyncRunDetail
	for rows.Next() {
		var d domain.SyncRunDetail
		var outcome string
		if err := rows.Scan(&d.ID, &d.RunID, &d.Seq, &d.Operation, &outcome, &d.Message, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Outcome = domain.DetailOutcome(outcome)
		details = append(details, d)
	}
	return details, rows.Err()
}
