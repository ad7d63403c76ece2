package domain

import (
	"time"

	"github.com/google/uuid"
)

// Query is a saved tracker search whose results feed the sync pipeline.
// Lower Priority values are synced first; ties are broken by CreatedAt.
type Query struct {
	ID         uuid.UUID
	Name       string
	Expression string
	TemplateID uuid.UUID
	Priority   int
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Template is a render template that turns a raw tracker issue into the
// canonical project JSON consumed by the mapper.
type Template struct {
	ID          uuid.UUID
	Name        string
	Source      string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
