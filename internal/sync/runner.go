// Package sync implements the tracker synchronization pipeline: it executes
// the active queries against the issue tracker, renders each returned issue
// through its query's template, applies the result to the project store, and
// records every item in the run ledger.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tallyhq/tally-sync-server/internal/domain"
	"github.com/tallyhq/tally-sync-server/internal/mapper"
	"github.com/tallyhq/tally-sync-server/internal/render"
	"github.com/tallyhq/tally-sync-server/internal/store"
	"github.com/tallyhq/tally-sync-server/internal/telemetry"
	"github.com/tallyhq/tally-sync-server/internal/tracker"
)

// Runner executes one full synchronization pass and writes its audit trail.
// A Runner is stateless between runs; all per-run state lives in the SyncRun
// it creates, so a single Runner is safe to reuse across runs.
type Runner struct {
	queries   store.QueryStore
	templates store.TemplateStore
	runs      store.SyncRunStore
	searcher  tracker.Searcher
	engine    *render.Engine
	mapper    *mapper.ProjectMapper
	metrics   *telemetry.SyncMetrics
}

// NewRunner wires a Runner from its collaborators. metrics may be nil.
func NewRunner(
	queries store.QueryStore,
	templates store.TemplateStore,
	runs store.SyncRunStore,
	searcher tracker.Searcher,
	engine *render.Engine,
	projectMapper *mapper.ProjectMapper,
	metrics *telemetry.SyncMetrics,
) *Runner {
	return &Runner{
		queries:   queries,
		templates: templates,
		runs:      runs,
		searcher:  searcher,
		engine:    engine,
		mapper:    projectMapper,
		metrics:   metrics,
	}
}

// Run executes the pipeline once and returns the finalized run record.
//
// The returned error is non-nil only when the run itself could not be
// recorded; a run that failed mid-way (for example on an authentication
// error) is finalized as FAILED and returned with a nil error, with the
// cause in its ErrorSummary.
func (r *Runner) Run(ctx context.Context, trigger domain.TriggerType, actor string) (*domain.SyncRun, error) {
	run := domain.StartSyncRun(trigger, actor)
	if err := r.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	slog.Info("Sync run started",
		"run_id", run.ID,
		"trigger", string(trigger),
		"triggered_by", actor,
	)

	r.execute(ctx, run)

	if run.InProgress() {
		run.Complete()
	}
	if err := r.runs.Finalize(ctx, run); err != nil {
		return run, fmt.Errorf("failed to finalize sync run %s: %w", run.ID, err)
	}

	duration := time.Since(run.StartedAt)
	r.metrics.RecordRun(ctx, string(run.Trigger), string(run.Status), duration)

	slog.Info("Sync run finished",
		"run_id", run.ID,
		"status", string(run.Status),
		"processed", run.ProcessedCount,
		"success", run.SuccessCount,
		"errors", run.ErrorCount,
		"duration", duration,
	)
	return run, nil
}

// execute walks the active queries until they are exhausted, the run fails,
// or the context is cancelled. It mutates run but never finalizes it.
func (r *Runner) execute(ctx context.Context, run *domain.SyncRun) {
	queries, err := r.queries.ListActive(ctx)
	if err != nil {
		run.Fail(fmt.Sprintf("failed to list active queries: %v", err))
		return
	}
	if len(queries) == 0 {
		slog.Info("No active queries, nothing to sync", "run_id", run.ID)
		return
	}

	for _, q := range queries {
		if ctx.Err() != nil {
			run.Fail(fmt.Sprintf("run cancelled: %v", ctx.Err()))
			return
		}
		if fatal := r.runQuery(ctx, run, q); fatal {
			return
		}
	}
}

// runQuery executes a single query end to end. It returns true when the
// failure is fatal to the whole run (authentication rejected by the tracker);
// every other failure is recorded as a query_failed ledger row and the run
// moves on to the next query.
func (r *Runner) runQuery(ctx context.Context, run *domain.SyncRun, q domain.Query) bool {
	tmpl, err := r.templates.Get(ctx, q.TemplateID)
	if err != nil {
		r.recordDetail(ctx, run, domain.DetailOpQueryFailed, domain.OutcomeError,
			fmt.Sprintf("query %q: failed to load template: %v", q.Name, err))
		return false
	}

	issues, err := r.searcher.Search(ctx, q.Expression)
	if err != nil {
		if tracker.IsAuth(err) {
			run.Fail(fmt.Sprintf("query %q: tracker rejected credentials: %v", q.Name, err))
			slog.Error("Sync run aborted, tracker authentication failed",
				"run_id", run.ID,
				"query", q.Name,
				"error", err,
			)
			return true
		}
		r.recordDetail(ctx, run, domain.DetailOpQueryFailed, domain.OutcomeError,
			fmt.Sprintf("query %q: %v", q.Name, err))
		slog.Warn("Query failed, continuing with next query",
			"run_id", run.ID,
			"query", q.Name,
			"error", err,
		)
		return false
	}

	slog.Debug("Query returned issues",
		"run_id", run.ID,
		"query", q.Name,
		"count", len(issues),
	)

	for _, issue := range issues {
		if ctx.Err() != nil {
			run.Fail(fmt.Sprintf("run cancelled: %v", ctx.Err()))
			return true
		}
		if fatal := r.processIssue(ctx, run, tmpl, issue); fatal {
			return true
		}
	}
	return false
}

// processIssue renders one issue and applies it to the project store.
// Render failures and mapping failures are item-level: they add an error
// row and leave the run in progress. An unclassified error out of the
// mapper (in practice a repository failure) fails the whole run and
// returns true.
func (r *Runner) processIssue(ctx context.Context, run *domain.SyncRun, tmpl *domain.Template, issue tracker.RawIssue) bool {
	rendered, err := r.engine.Render(tmpl.Source, issue.Context())
	if err != nil {
		if errors.Is(err, render.ErrSyntax) {
			r.recordDetail(ctx, run, domain.DetailOpRenderFailed, domain.OutcomeError,
				fmt.Sprintf("issue %s: template %q has invalid syntax: %v", issue.Key, tmpl.Name, err))
		} else {
			r.recordDetail(ctx, run, domain.DetailOpRenderFailed, domain.OutcomeError,
				fmt.Sprintf("issue %s: render failed: %v", issue.Key, err))
		}
		return false
	}

	op, project, err := r.mapper.Apply(ctx, rendered)
	if err != nil {
		if mapper.IsMappingError(err) {
			r.recordDetail(ctx, run, domain.DetailOpMappingFailed, domain.OutcomeError,
				fmt.Sprintf("issue %s: %v", issue.Key, err))
			return false
		}
		run.Fail(fmt.Sprintf("issue %s: %v", issue.Key, err))
		slog.Error("Sync run aborted, project store failure",
			"run_id", run.ID,
			"issue_key", issue.Key,
			"error", err,
		)
		return true
	}

	r.recordDetail(ctx, run, op, domain.OutcomeSuccess,
		fmt.Sprintf("project %q (%s)", project.Name, project.IssueKey))
	return false
}

// recordDetail appends a ledger row in memory and persists it. Persistence
// failures are logged but do not interrupt the run; the aggregate counters
// on the run itself remain authoritative.
func (r *Runner) recordDetail(ctx context.Context, run *domain.SyncRun, operation string, outcome domain.DetailOutcome, message string) {
	detail := run.AddDetail(operation, outcome, message)
	if err := r.runs.AppendDetail(ctx, detail); err != nil {
		slog.Error("Failed to persist run detail",
			"run_id", run.ID,
			"seq", detail.Seq,
			"operation", operation,
			"error", err,
		)
	}
	r.metrics.RecordItem(ctx, operation, string(outcome))
}
