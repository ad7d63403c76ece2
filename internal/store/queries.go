package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyhq/tally-sync-server/internal/domain"
)

type pgQueryStore struct {
	pool *pgxpool.Pool
}

// NewQueryStore creates a Postgres-backed query repository.
func NewQueryStore(pool *pgxpool.Pool) QueryStore {
	return &pgQueryStore{pool: pool}
}

const queryColumns = `id, name, expression, template_id, priority, active, created_at, updated_at`

func scanQuery(row pgx.Row) (*domain.Query, error) {
	var q domain.Query
	err := row.Scan(&q.ID, &q.Name, &q.Expression, &q.TemplateID, &q.Priority, &q.Active, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &q, nil
}

func (s *pgQueryStore) collect(ctx context.Context, sql string, args ...any) ([]domain.Query, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queries []domain.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, *q)
	}
	return queries, rows.Err()
}

func (s *pgQueryStore) ListActive(ctx context.Context) ([]domain.Query, error) {
	return s.collect(ctx, `
		SELECT `+queryColumns+`
		FROM queries
		WHERE active
		ORDER BY priority ASC, created_at ASC`)
}

func (s *pgQueryStore) List(ctx context.Context) ([]domain.Query, error) {
	return s.collect(ctx, `
		SELECT `+queryColumns+`
		FROM queries
		ORDER BY priority ASC, created_at ASC`)
}

func (s *pgQueryStore) Get(ctx context.Context, id uuid.UUID) (*domain.Query, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+queryColumns+`
		FROM queries
		WHERE id = $1`, id)
	return scanQuery(row)
}

func (s *pgQueryStore) Create(ctx context.Context, q *domain.Query) error {
	now := time.Now().UTC()
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	q.CreatedAt = now
	q.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO queries (id, name, expression, template_id, priority, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		q.ID, q.Name, q.Expression, q.TemplateID, q.Priority, q.Active, q.CreatedAt, q.UpdatedAt)
	return err
}

func (s *pgQueryStore) Update(ctx context.Context, q *domain.Query) error {
	q.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE queries
		SET name = $2, expression = $3, template_id = $4, priority = $5, active = $6, updated_at = $7
		WHERE id = $1`,
		q.ID, q.Name, q.Expression, q.TemplateID, q.Priority, q.Active, q.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgQueryStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
