package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits enforced by the projects schema.
const (
	// MaxProjectNameLen is the column limit for project names
	MaxProjectNameLen = 255

	// MaxProjectDescriptionLen is the column limit for project descriptions
	MaxProjectDescriptionLen = 1000
)

// Project is a timesheet project. Projects created by the sync pipeline
// carry the tracker issue key that produced them; at most one project
// exists per issue key and the key never changes once set.
type Project struct {
	ID           uuid.UUID
	Name         string
	Description  string
	Status       ProjectStatus
	StartDate    *time.Time
	EndDate      *time.Time
	IssueKey     string
	CustomFields map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewProject creates a project in the PLANNED state bound to the given
// tracker issue key.
func NewProject(issueKey, name string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:        uuid.New(),
		Name:      name,
		Status:    ProjectStatusPlanned,
		IssueKey:  issueKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetStatus moves the project to target. Setting the current status is a
// no-op; a disallowed transition returns an error and leaves the project
// unchanged.
func (p *Project) SetStatus(target ProjectStatus) error {
	if target == p.Status {
		return nil
	}
	if !target.Valid() {
		return fmt.Errorf("unknown project status %q", target)
	}
	if !p.Status.CanTransitionTo(target) {
		return fmt.Errorf("project status transition %s -> %s is not allowed", p.Status, target)
	}
	p.Status = target
	return nil
}
