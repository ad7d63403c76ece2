// Package mapper turns canonical project JSON into created or updated
// project records, keyed by the tracker issue key.
package mapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tallyhq/tally-sync-server/internal/domain"
	"github.com/tallyhq/tally-sync-server/internal/store"
)

// plannedEndOffset is how far past the start date the planned end defaults
// to, and what the end date is clamped to when it precedes the start.
const plannedEndOffset = 6 // months

// defaultDateFormats are tried in order when the config does not specify
// its own list.
var defaultDateFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// MappingError is an item-level failure: the canonical JSON was missing or
// malformed in a way that prevents mapping. It never fails the whole run.
type MappingError struct {
	Field  string
	Reason string
}

func (e *MappingError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("mapping failed: field %q %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("mapping failed: %s", e.Reason)
}

// IsMappingError reports whether err is an item-level mapping failure.
func IsMappingError(err error) bool {
	var me *MappingError
	return errors.As(err, &me)
}

// canonical is the intermediate JSON shape produced by the template
// engine. Only issueKey and projectName are required.
type canonical struct {
	IssueKey     string         `json:"issueKey"`
	ProjectName  string         `json:"projectName"`
	Description  string         `json:"description"`
	Status       string         `json:"status"`
	StartDate    string         `json:"startDate"`
	EndDate      string         `json:"endDate"`
	CustomFields map[string]any `json:"customFields"`
	Labels       []string       `json:"labels"`
	Components   []string       `json:"components"`
}

// Config holds the mapping rules that vary per deployment.
type Config struct {
	// StatusAliases maps uppercased tracker status strings to canonical
	// project statuses.
	StatusAliases map[string]domain.ProjectStatus

	// DefaultStatus is used when the canonical status is absent or has
	// no alias.
	DefaultStatus domain.ProjectStatus

	// DateFormats are tried in order when parsing start/end dates.
	DateFormats []string
}

// ProjectMapper upserts projects from canonical JSON.
type ProjectMapper struct {
	projects store.ProjectStore
	cfg      Config
}

// New creates a mapper over the given project repository.
func New(projects store.ProjectStore, cfg Config) *ProjectMapper {
	if cfg.DefaultStatus == "" {
		cfg.DefaultStatus = domain.ProjectStatusPlanned
	}
	if len(cfg.DateFormats) == 0 {
		cfg.DateFormats = defaultDateFormats
	}
	return &ProjectMapper{projects: projects, cfg: cfg}
}

// Apply maps canonicalJSON onto a project: create on first sight of the
// issue key, update in place afterwards. It returns the operation
// performed (domain.DetailOpCreated or domain.DetailOpUpdated) and the
// persisted project.
func (m *ProjectMapper) Apply(ctx context.Context, canonicalJSON string) (string, *domain.Project, error) {
	var c canonical
	if err := json.Unmarshal([]byte(canonicalJSON), &c); err != nil {
		return "", nil, &MappingError{Reason: fmt.Sprintf("invalid canonical JSON: %v", err)}
	}

	issueKey := strings.TrimSpace(c.IssueKey)
	if issueKey == "" {
		return "", nil, &MappingError{Field: "issueKey", Reason: "is required"}
	}
	name := strings.TrimSpace(c.ProjectName)
	if name == "" {
		return "", nil, &MappingError{Field: "projectName", Reason: "is required"}
	}

	name = m.truncate(issueKey, "name", name, domain.MaxProjectNameLen)
	description := m.truncate(issueKey, "description", c.Description, domain.MaxProjectDescriptionLen)
	status := m.resolveStatus(c.Status)
	start := m.parseDate(c.StartDate)
	end := m.parseDate(c.EndDate)

	existing, err := m.projects.GetByIssueKey(ctx, issueKey)
	switch {
	case err == nil:
		return m.update(ctx, existing, name, description, status, start, end, &c)
	case errors.Is(err, store.ErrNotFound):
		return m.create(ctx, issueKey, name, description, status, start, end, &c)
	default:
		return "", nil, fmt.Errorf("look up project by issue key %s: %w", issueKey, err)
	}
}

func (m *ProjectMapper) create(
	ctx context.Context,
	issueKey, name, description string,
	status domain.ProjectStatus,
	start, end *time.Time,
	c *canonical,
) (string, *domain.Project, error) {
	p := domain.NewProject(issueKey, name)
	p.Description = description
	p.CustomFields = buildCustomFields(c)

	// New projects always get concrete dates.
	if start == nil {
		now := time.Now().UTC()
		start = &now
	}
	if end == nil {
		e := start.AddDate(0, plannedEndOffset, 0)
		end = &e
	}
	start, end = m.clampDates(issueKey, start, end)
	p.StartDate = start
	p.EndDate = end

	// The baseline status stands when the resolved status is not a legal
	// transition from it.
	if status != p.Status {
		if err := p.SetStatus(status); err != nil {
			slog.Warn("Keeping baseline project status",
				"issue_key", issueKey,
				"requested_status", status,
				"error", err)
		}
	}

	if err := m.projects.Create(ctx, p); err != nil {
		return "", nil, fmt.Errorf("create project for issue key %s: %w", issueKey, err)
	}
	return domain.DetailOpCreated, p, nil
}

func (m *ProjectMapper) update(
	ctx context.Context,
	p *domain.Project,
	name, description string,
	status domain.ProjectStatus,
	start, end *time.Time,
	c *canonical,
) (string, *domain.Project, error) {
	p.Name = name
	p.Description = description
	p.CustomFields = buildCustomFields(c)

	// Dates are only overwritten by values that actually parsed.
	if start != nil {
		p.StartDate = start
	}
	if end != nil {
		p.EndDate = end
	}
	p.StartDate, p.EndDate = m.clampDates(p.IssueKey, p.StartDate, p.EndDate)

	if err := p.SetStatus(status); err != nil {
		slog.Warn("Keeping current project status",
			"issue_key", p.IssueKey,
			"requested_status", status,
			"error", err)
	}
	p.UpdatedAt = time.Now().UTC()

	if err := m.projects.Update(ctx, p); err != nil {
		return "", nil, fmt.Errorf("update project for issue key %s: %w", p.IssueKey, err)
	}
	return domain.DetailOpUpdated, p, nil
}

// clampDates enforces start <= end by pushing the end date out when the
// pair is inverted.
func (m *ProjectMapper) clampDates(issueKey string, start, end *time.Time) (*time.Time, *time.Time) {
	if start == nil || end == nil {
		return start, end
	}
	if start.After(*end) {
		clamped := start.AddDate(0, plannedEndOffset, 0)
		slog.Warn("Project start date after end date, pushing end date out",
			"issue_key", issueKey,
			"start", start.Format("2006-01-02"),
			"end", end.Format("2006-01-02"),
			"new_end", clamped.Format("2006-01-02"))
		end = &clamped
	}
	return start, end
}

// resolveStatus maps a tracker status string through the alias table,
// falling back to the configured default.
func (m *ProjectMapper) resolveStatus(raw string) domain.ProjectStatus {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if key == "" {
		return m.cfg.DefaultStatus
	}
	if status, ok := m.cfg.StatusAliases[key]; ok {
		return status
	}
	return m.cfg.DefaultStatus
}

// parseDate tries the configured formats in order; first match wins.
// Unparseable values map to nil.
func (m *ProjectMapper) parseDate(raw string) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	for _, layout := range m.cfg.DateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// truncate limits value to limit characters, cutting on a rune boundary so
// multi-byte input never yields invalid UTF-8.
func (m *ProjectMapper) truncate(issueKey, field, value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	slog.Warn("Truncating project field",
		"issue_key", issueKey,
		"field", field,
		"length", len(runes),
		"limit", limit)
	return string(runes[:limit])
}

// buildCustomFields folds the opaque custom-fields blob, labels, and
// components into the project's custom-fields bag.
func buildCustomFields(c *canonical) map[string]any {
	fields := make(map[string]any, len(c.CustomFields)+2)
	for k, v := range c.CustomFields {
		fields[k] = v
	}
	if len(c.Labels) > 0 {
		fields["labels"] = c.Labels
	}
	if len(c.Components) > 0 {
		fields["components"] = c.Components
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
