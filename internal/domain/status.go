package domain

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	// ProjectStatusPlanned means the project has been created but work has not started
	ProjectStatusPlanned ProjectStatus = "PLANNED"

	// ProjectStatusActive means the project is in progress
	ProjectStatusActive ProjectStatus = "ACTIVE"

	// ProjectStatusOnHold means the project is temporarily paused
	ProjectStatusOnHold ProjectStatus = "ON_HOLD"

	// ProjectStatusCompleted means the project finished; terminal
	ProjectStatusCompleted ProjectStatus = "COMPLETED"

	// ProjectStatusCancelled means the project was abandoned; terminal
	ProjectStatusCancelled ProjectStatus = "CANCELLED"
)

// projectTransitions lists the allowed target states per source state.
var projectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectStatusPlanned:   {ProjectStatusActive, ProjectStatusOnHold, ProjectStatusCompleted, ProjectStatusCancelled},
	ProjectStatusActive:    {ProjectStatusOnHold, ProjectStatusCompleted, ProjectStatusCancelled},
	ProjectStatusOnHold:    {ProjectStatusActive, ProjectStatusCompleted, ProjectStatusCancelled},
	ProjectStatusCompleted: {},
	ProjectStatusCancelled: {},
}

// Valid reports whether s is a known project status.
func (s ProjectStatus) Valid() bool {
	_, ok := projectTransitions[s]
	return ok
}

// CanTransitionTo reports whether a project may move from s to target.
// A same-state transition is not a transition and returns false.
func (s ProjectStatus) CanTransitionTo(target ProjectStatus) bool {
	for _, t := range projectTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// RunStatus represents the state of a sync run.
type RunStatus string

const (
	// RunStatusInProgress means the run is currently executing
	RunStatusInProgress RunStatus = "IN_PROGRESS"

	// RunStatusCompleted means the run finished; terminal
	RunStatusCompleted RunStatus = "COMPLETED"

	// RunStatusFailed means the run was aborted by a fatal error; terminal
	RunStatusFailed RunStatus = "FAILED"
)

// CanTransitionTo reports whether a run may move from s to target.
// Only IN_PROGRESS -> COMPLETED and IN_PROGRESS -> FAILED are allowed;
// terminal states never transition and same-state transitions are rejected.
func (s RunStatus) CanTransitionTo(target RunStatus) bool {
	if s != RunStatusInProgress {
		return false
	}
	return target == RunStatusCompleted || target == RunStatusFailed
}

// TriggerType records what started a sync run.
type TriggerType string

const (
	// TriggerScheduled means the run was started by the periodic scheduler
	TriggerScheduled TriggerType = "SCHEDULED"

	// TriggerManual means the run was requested explicitly by an operator
	TriggerManual TriggerType = "MANUAL"
)

// DetailOutcome is the per-item result recorded in the run ledger.
type DetailOutcome string

const (
	// OutcomeSuccess means the item was processed and persisted
	OutcomeSuccess DetailOutcome = "SUCCESS"

	// OutcomeError means the item failed and was skipped
	OutcomeError DetailOutcome = "ERROR"
)
