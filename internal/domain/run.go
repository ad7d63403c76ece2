package domain

import (
	"time"

	"github.com/google/uuid"
)

// Detail operation labels recorded in the run ledger.
const (
	// DetailOpCreated means a new project was created for an issue key
	DetailOpCreated = "created"

	// DetailOpUpdated means an existing project was updated in place
	DetailOpUpdated = "updated"

	// DetailOpQueryFailed means a whole query could not be executed
	DetailOpQueryFailed = "query_failed"

	// DetailOpRenderFailed means the template did not render for an issue
	DetailOpRenderFailed = "render_failed"

	// DetailOpMappingFailed means the canonical JSON could not be mapped
	DetailOpMappingFailed = "mapping_failed"
)

// SyncRun is the audit record of one execution of the sync pipeline.
// It is created IN_PROGRESS and leaves that state exactly once.
type SyncRun struct {
	ID             uuid.UUID
	Trigger        TriggerType
	Status         RunStatus
	StartedAt      time.Time
	CompletedAt    *time.Time
	ProcessedCount int
	SuccessCount   int
	ErrorCount     int
	ErrorSummary   string
	TriggeredBy    string

	nextSeq int
}

// SyncRunDetail is one append-only row of a run's ledger, ordered by Seq.
type SyncRunDetail struct {
	ID        uuid.UUID
	RunID     uuid.UUID
	Seq       int
	Operation string
	Outcome   DetailOutcome
	Message   string
	CreatedAt time.Time
}

// StartSyncRun creates a run in the IN_PROGRESS state.
func StartSyncRun(trigger TriggerType, actor string) *SyncRun {
	return &SyncRun{
		ID:          uuid.New(),
		Trigger:     trigger,
		Status:      RunStatusInProgress,
		StartedAt:   time.Now().UTC(),
		TriggeredBy: actor,
		nextSeq:     1,
	}
}

// AddDetail appends a ledger row for one processed item and advances the
// run counters. Counters only ever grow; processed == success + error holds
// at every point in time.
func (r *SyncRun) AddDetail(operation string, outcome DetailOutcome, message string) SyncRunDetail {
	d := SyncRunDetail{
		ID:        uuid.New(),
		RunID:     r.ID,
		Seq:       r.nextSeq,
		Operation: operation,
		Outcome:   outcome,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	r.nextSeq++

	r.ProcessedCount++
	if outcome == OutcomeSuccess {
		r.SuccessCount++
	} else {
		r.ErrorCount++
	}
	return d
}

// Complete marks the run COMPLETED. Returns false without modifying the run
// if it already left IN_PROGRESS.
func (r *SyncRun) Complete() bool {
	if !r.Status.CanTransitionTo(RunStatusCompleted) {
		return false
	}
	r.Status = RunStatusCompleted
	now := time.Now().UTC()
	r.CompletedAt = &now
	return true
}

// Fail marks the run FAILED with the given cause. Returns false without
// modifying the run if it already left IN_PROGRESS.
func (r *SyncRun) Fail(reason string) bool {
	if !r.Status.CanTransitionTo(RunStatusFailed) {
		return false
	}
	r.Status = RunStatusFailed
	r.ErrorSummary = reason
	now := time.Now().UTC()
	r.CompletedAt = &now
	return true
}

// InProgress reports whether the run has not yet reached a terminal state.
func (r *SyncRun) InProgress() bool {
	return r.Status == RunStatusInProgress
}
