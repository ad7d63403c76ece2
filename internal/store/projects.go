package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyhq/tally-sync-server/internal/domain"
)

type pgProjectStore struct {
	pool *pgxpool.Pool
}

// NewProjectStore creates a Postgres-backed project repository.
func NewProjectStore(pool *pgxpool.Pool) ProjectStore {
	return &pgProjectStore{pool: pool}
}

const projectColumns = `id, name, description, status, start_date, end_date, issue_key, custom_fields, created_at, updated_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	var status string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &status, &p.StartDate, &p.EndDate,
		&p.IssueKey, &p.CustomFields, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = domain.ProjectStatus(status)
	return &p, nil
}

func (s *pgProjectStore) GetByIssueKey(ctx context.Context, issueKey string) (*domain.Project, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE issue_key = $1`, issueKey)
	return scanProject(row)
}

func (s *pgProjectStore) Create(ctx context.Context, p *domain.Project) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, name, description, status, start_date, end_date, issue_key, custom_fields, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.Name, p.Description, string(p.Status), p.StartDate, p.EndDate,
		p.IssueKey, p.CustomFields, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *pgProjectStore) Update(ctx context.Context, p *domain.Project) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE projects
		SET name = $2, description = $3, status = $4, start_date = $5, end_date = $6,
		    custom_fields = $7, updated_at = $8
		WHERE issue_key = $1`,
		p.IssueKey, p.Name, p.Description, string(p.Status), p.StartDate, p.EndDate,
		p.CustomFields, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
