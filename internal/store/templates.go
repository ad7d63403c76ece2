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

type pgTemplateStore struct {
	pool *pgxpool.Pool
}

// NewTemplateStore creates a Postgres-backed template repository.
func NewTemplateStore(pool *pgxpool.Pool) TemplateStore {
	return &pgTemplateStore{pool: pool}
}

const templateColumns = `id, name, source, description, created_at, updated_at`

func scanTemplate(row pgx.Row) (*domain.Template, error) {
	var t domain.Template
	err := row.Scan(&t.ID, &t.Name, &t.Source, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *pgTemplateStore) Get(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM templates
		WHERE id = $1`, id)
	return scanTemplate(row)
}

func (s *pgTemplateStore) GetByName(ctx context.Context, name string) (*domain.Template, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM templates
		WHERE name = $1`, name)
	return scanTemplate(row)
}

func (s *pgTemplateStore) List(ctx context.Context) ([]domain.Template, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+templateColumns+`
		FROM templates
		ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func (s *pgTemplateStore) Create(ctx context.Context, t *domain.Template) error {
	now := time.Now().UTC()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO templates (id, name, source, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Source, t.Description, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *pgTemplateStore) Update(ctx context.Context, t *domain.Template) error {
	t.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE templates
		SET name = $2, source = $3, description = $4, updated_at = $5
		WHERE id = $1`,
		t.ID, t.Name, t.Source, t.Description, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgTemplateStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
