// Package store contains the Postgres-backed repositories for queries,
// templates, projects, and the sync run ledger, plus the repository
// contracts the rest of the pipeline consumes.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tallyhq/tally-sync-server/internal/domain"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// QueryStore manages saved tracker queries.
type QueryStore interface {
	// ListActive returns active queries ordered by priority ascending,
	// ties broken by creation time ascending.
	ListActive(ctx context.Context) ([]domain.Query, error)
	List(ctx context.Context) ([]domain.Query, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Query, error)
	Create(ctx context.Context, q *domain.Query) error
	Update(ctx context.Context, q *domain.Query) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// TemplateStore manages render templates.
type TemplateStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Template, error)
	GetByName(ctx context.Context, name string) (*domain.Template, error)
	List(ctx context.Context) ([]domain.Template, error)
	Create(ctx context.Context, t *domain.Template) error
	Update(ctx context.Context, t *domain.Template) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ProjectStore manages projects keyed by their tracker issue key.
type ProjectStore interface {
	GetByIssueKey(ctx context.Context, issueKey string) (*domain.Project, error)
	Create(ctx context.Context, p *domain.Project) error
	Update(ctx context.Context, p *domain.Project) error
}

// SyncRunStore persists the append-only run ledger.
type SyncRunStore interface {
	Create(ctx context.Context, run *domain.SyncRun) error
	// Finalize persists the terminal status, completion time, counters,
	// and error summary of a run.
	Finalize(ctx context.Context, run *domain.SyncRun) error
	AppendDetail(ctx context.Context, detail domain.SyncRunDetail) error
	Get(ctx context.Context, id uuid.UUID) (*domain.SyncRun, error)
	List(ctx context.Context, limit int) ([]domain.SyncRun, error)
	ListDetails(ctx context.Context, runID uuid.UUID) ([]domain.SyncRunDetail, error)
}
