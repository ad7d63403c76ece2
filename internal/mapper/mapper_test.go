package mapper

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally-sync-server/internal/domain"
	"github.com/tallyhq/tally-sync-server/internal/store"
)

// memProjects is an in-memory ProjectStore keyed by issue key.
type memProjects struct {
	byKey   map[string]*domain.Project
	creates int
	updates int
}

func newMemProjects() *memProjects {
	return &memProjects{byKey: make(map[string]*domain.Project)}
}

func (m *memProjects) GetByIssueKey(_ context.Context, issueKey string) (*domain.Project, error) {
	p, ok := m.byKey[issueKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProjects) Create(_ context.Context, p *domain.Project) error {
	if _, exists := m.byKey[p.IssueKey]; exists {
		return fmt.Errorf("duplicate issue key %s", p.IssueKey)
	}
	cp := *p
	m.byKey[p.IssueKey] = &cp
	m.creates++
	return nil
}

func (m *memProjects) Update(_ context.Context, p *domain.Project) error {
	cp := *p
	m.byKey[p.IssueKey] = &cp
	m.updates++
	return nil
}

func testConfig() Config {
	return Config{
		StatusAliases: map[string]domain.ProjectStatus{
			"IN PROGRESS": domain.ProjectStatusActive,
			"DONE":        domain.ProjectStatusCompleted,
			"BLOCKED":     domain.ProjectStatusOnHold,
		},
		DefaultStatus: domain.ProjectStatusPlanned,
	}
}

func TestApply_CreatesProject(t *testing.T) {
	t.Parallel()

	projects := newMemProjects()
	m := New(projects, testConfig())

	op, p, err := m.Apply(context.Background(), `{
		"issueKey": " TST-1 ",
		"projectName": "Billing revamp",
		"description": "Rework invoicing",
		"status": "in progress",
		"startDate": "2026-01-15",
		"endDate": "2026-04-30"
	}`)
	require.NoError(t, err)

	assert.Equal(t, domain.DetailOpCreated, op)
	assert.Equal(t, "TST-1", p.IssueKey)
	assert.Equal(t, "Billing revamp", p.Name)
	assert.Equal(t, domain.ProjectStatusActive, p.Status)
	require.NotNil(t, p.StartDate)
	require.NotNil(t, p.EndDate)
	assert.Equal(t, "2026-01-15", p.StartDate.Format("2006-01-02"))
	assert.Equal(t, "2026-04-30", p.EndDate.Format("2006-01-02"))
	assert.Equal(t, 1, projects.creates)
}

func TestApply_UpsertIsIdempotentPerIssueKey(t *testing.T) {
	t.Parallel()

	projects := newMemProjects()
	m := New(projects, testConfig())

	canonicalJSON := `{"issueKey": "TST-2", "projectName": "First name"}`
	op, _, err := m.Apply(context.Background(), canonicalJSON)
	require.NoError(t, err)
	assert.Equal(t, domain.DetailOpCreated, op)

	op, p, err := m.Apply(context.Background(), `{"issueKey": "TST-2", "projectName": "Second name"}`)
	require.NoError(t, err)
	assert.Equal(t, domain.DetailOpUpdated, op)
	assert.Equal(t, "Second name", p.Name)

	// Exactly one project row for the key.
	assert.Len(t, projects.byKey, 1)
	assert.Equal(t, 1, projects.creates)
	assert.Equal(t, 1, projects.updates)
}

func TestApply_MissingRequiredFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		canonical string
		field     string
	}{
		{name: "missing issue key", canonical: `{"projectName": "P"}`, field: "issueKey"},
		{name: "blank issue key", canonical: `{"issueKey": "   ", "projectName": "P"}`, field: "issueKey"},
		{name: "missing project name", canonical: `{"issueKey": "TST-3"}`, field: "projectName"},
		{name: "invalid JSON", canonical: `{not json`, field: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := New(newMemProjects(), testConfig())
			_, _, err := m.Apply(context.Background(), tt.canonical)
			require.Error(t, err)
			assert.True(t, IsMappingError(err))
			if tt.field != "" {
				assert.Contains(t, err.Error(), tt.field)
			}
		})
	}
}

func TestApply_TruncatesLongFields(t *testing.T) {
	t.Parallel()

	projects := newMemProjects()
	m := New(projects, testConfig())

	longName := strings.Repeat("n", 300)
	longDesc := strings.Repeat("d", 1500)
	canonicalJSON := fmt.Sprintf(`{"issueKey": "TST-4", "projectName": %q, "description": %q}`,
		longName, longDesc)

	_, p, err := m.Apply(context.Background(), canonicalJSON)
	require.NoError(t, err)
	assert.Len(t, p.Name, domain.MaxProjectNameLen)
	assert.Len(t, p.Description, domain.MaxProjectDescriptionLen)
}

func TestApply_TruncatesMultibyteFieldsOnRuneBoundary(t *testing.T) {
	t.Parallel()

	projects := newMemProjects()
	m := New(projects, testConfig())

	// 400 two-byte runes: a byte-index cut at the limit would split a rune.
	longName := strings.Repeat("é", 400)
	canonicalJSON := fmt.Sprintf(`{"issueKey": "TST-14", "projectName": %q, "description": %q}`,
		longName, strings.Repeat("ü", 1200))

	_, p, err := m.Apply(context.Background(), canonicalJSON)
	require.NoError(t, err)

	assert.True(t, utf8.ValidString(p.Name))
	assert.True(t, utf8.ValidString(p.Description))
	assert.Equal(t, domain.MaxProjectNameLen, utf8.RuneCountInString(p.Name))
	assert.Equal(t, domain.MaxProjectDescriptionLen, utf8.RuneCountInString(p.Description))
	assert.Equal(t, strings.Repeat("é", domain.MaxProjectNameLen), p.Name)
}

func TestApply_StatusAliasing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   string
		expected domain.ProjectStatus
	}{
		{name: "known alias lowercased", status: "done", expected: domain.ProjectStatusCompleted},
		{name: "known alias mixed case", status: "Blocked", expected: domain.ProjectStatusOnHold},
		{name: "unknown falls back to default", status: "weird custom state", expected: domain.ProjectStatusPlanned},
		{name: "empty falls back to default", status: "", expected: domain.ProjectStatusPlanned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := New(newMemProjects(), testConfig())
			canonicalJSON := fmt.Sprintf(`{"issueKey": "TST-5", "projectName": "P", "status": %q}`, tt.status)
			_, p, err := m.Apply(context.Background(), canonicalJSON)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p.Status)
		})
	}
}

func TestApply_StartAfterEndClampsEnd(t *testing.T) {
	t.Parallel()

	m := New(newMemProjects(), testConfig())

	_, p, err := m.Apply(context.Background(), `{
		"issueKey": "TST-6",
		"projectName": "P",
		"startDate": "2026-06-01",
		"endDate": "2026-01-01"
	}`)
	require.NoError(t, err)

	require.NotNil(t, p.EndDate)
	expected := p.StartDate.AddDate(0, 6, 0)
	assert.Equal(t, expected, *p.EndDate)
}

func TestApply_CreateDefaultsMissingDates(t *testing.T) {
	t.Parallel()

	m := New(newMemProjects(), testConfig())

	before := time.Now().UTC()
	_, p, err := m.Apply(context.Background(), `{"issueKey": "TST-7", "projectName": "P"}`)
	require.NoError(t, err)

	require.NotNil(t, p.StartDate)
	require.NotNil(t, p.EndDate)
	assert.False(t, p.StartDate.Before(before.Add(-time.Second)))
	assert.Equal(t, p.StartDate.AddDate(0, 6, 0), *p.EndDate)
}

func TestApply_UpdateKeepsDatesThatFailedToParse(t *testing.T) {
	t.Parallel()

	projects := newMemProjects()
	m := New(projects, testConfig())

	_, created, err := m.Apply(context.Background(), `{
		"issueKey": "TST-8",
		"projectName": "P",
		"startDate": "2026-02-01",
		"endDate": "2026-05-01"
	}`)
	require.NoError(t, err)

	// Second sync delivers garbage dates; the stored values survive.
	_, updated, err := m.Apply(context.Background(), `{
		"issueKey": "TST-8",
		"projectName": "P",
		"startDate": "sometime soon",
		"endDate": ""
	}`)
	require.NoError(t, err)

	assert.Equal(t, created.StartDate, updated.StartDate)
	assert.Equal(t, created.EndDate, updated.EndDate)
}

func TestApply_DateFormatsTriedInOrder(t *testing.T) {
	t.Parallel()

	m := New(newMemProjects(), testConfig())

	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{name: "rfc3339", raw: "2026-03-01T09:00:00Z", expected: "2026-03-01"},
		{name: "tracker timestamp", raw: "2026-03-01T09:00:00.000+0000", expected: "2026-03-01"},
		{name: "date only", raw: "2026-03-01", expected: "2026-03-01"},
		{name: "day first", raw: "01/03/2026", expected: "2026-03-01"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			canonicalJSON := fmt.Sprintf(`{"issueKey": "TST-9-%d", "projectName": "P", "startDate": %q}`, i, tt.raw)
			_, p, err := m.Apply(context.Background(), canonicalJSON)
			require.NoError(t, err)
			require.NotNil(t, p.StartDate)
			assert.Equal(t, tt.expected, p.StartDate.Format("2006-01-02"))
		})
	}
}

func TestApply_RejectedStatusTransitionKeepsCurrent(t *testing.T) {
	t.Parallel()

	projects := newMemProjects()
	m := New(projects, testConfig())

	_, created, err := m.Apply(context.Background(),
		`{"issueKey": "TST-10", "projectName": "P", "status": "done"}`)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectStatusCompleted, created.Status)

	// COMPLETED is terminal; an update back to active keeps COMPLETED.
	_, updated, err := m.Apply(context.Background(),
		`{"issueKey": "TST-10", "projectName": "P", "status": "in progress"}`)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectStatusCompleted, updated.Status)
}

func TestApply_LabelsAndComponentsLandInCustomFields(t *testing.T) {
	t.Parallel()

	m := New(newMemProjects(), testConfig())

	_, p, err := m.Apply(context.Background(), `{
		"issueKey": "TST-11",
		"projectName": "P",
		"customFields": {"costCenter": "CC-9"},
		"labels": ["internal"],
		"components": ["billing", "api"]
	}`)
	require.NoError(t, err)

	assert.Equal(t, "CC-9", p.CustomFields["costCenter"])
	assert.Equal(t, []string{"internal"}, p.CustomFields["labels"])
	assert.Equal(t, []string{"billing", "api"}, p.CustomFields["components"])
}
