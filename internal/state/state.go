// Package state defines the status vocabulary for projects, plans, and runs,
// and the legal transitions between statuses. It is the single decision point
// for "can this action happen now" and holds no I/O or mutable state.
package state

// ProjectStatus is the lifecycle status of a research project.
type ProjectStatus string

const (
	ProjectPlanning  ProjectStatus = "planning"
	ProjectPlanReady ProjectStatus = "plan_ready"
	ProjectApproved  ProjectStatus = "approved"
	ProjectRunning   ProjectStatus = "running"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// PlanStatus is the lifecycle status of a plan version.
type PlanStatus string

const (
	PlanDraft      PlanStatus = "draft"
	PlanApproved   PlanStatus = "approved"
	PlanSuperseded PlanStatus = "superseded"
)

// RunStatus is the lifecycle status of a run. Transitions are forward-only;
// cancelled, succeeded, and failed are terminal.
type RunStatus string

const (
	RunQueued          RunStatus = "queued"
	RunRunning         RunStatus = "running"
	RunCancelRequested RunStatus = "cancel_requested"
	RunCancelled       RunStatus = "cancelled"
	RunSucceeded       RunStatus = "succeeded"
	RunFailed          RunStatus = "failed"
)

// Stage is an advisory phase label attached to run events for display.
// The event log does not enforce stage ordering.
type Stage string

const (
	StageQueued       Stage = "queued"
	StageAnalyzing    Stage = "analyzing"
	StageResearching  Stage = "researching"
	StageSynthesizing Stage = "synthesizing"
	StageFinalizing   Stage = "finalizing"
)

// Level is the severity of a run event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Stages returns the expected stage progression for a run, in order.
func Stages() []Stage {
	return []Stage{StageQueued, StageAnalyzing, StageResearching, StageSynthesizing, StageFinalizing}
}

// RunStatuses returns every run status, in lifecycle order.
func RunStatuses() []RunStatus {
	return []RunStatus{RunQueued, RunRunning, RunCancelRequested, RunCancelled, RunSucceeded, RunFailed}
}

// PlanStatuses returns every plan status, in lifecycle order.
func PlanStatuses() []PlanStatus {
	return []PlanStatus{PlanDraft, PlanApproved, PlanSuperseded}
}

var projectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectPlanning:  {ProjectPlanReady},
	ProjectPlanReady: {ProjectPlanReady, ProjectApproved},
	ProjectApproved:  {ProjectPlanReady, ProjectRunning},
	ProjectRunning:   {ProjectCompleted, ProjectFailed, ProjectCancelled},
	// Terminal project statuses allow a fresh plan cycle or a re-run
	// against the still-approved plan.
	ProjectCompleted: {ProjectPlanReady, ProjectRunning},
	ProjectFailed:    {ProjectPlanReady, ProjectRunning},
	ProjectCancelled: {ProjectPlanReady, ProjectRunning},
}

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanDraft:      {PlanApproved, PlanSuperseded},
	PlanApproved:   {PlanSuperseded},
	PlanSuperseded: {},
}

var runTransitions = map[RunStatus][]RunStatus{
	RunQueued:          {RunRunning, RunCancelRequested, RunCancelled},
	RunRunning:         {RunCancelRequested, RunCancelled, RunSucceeded, RunFailed},
	RunCancelRequested: {RunCancelled, RunSucceeded, RunFailed},
	RunCancelled:       {},
	RunSucceeded:       {},
	RunFailed:          {},
}

// CanTransitionTo reports whether a project may move from s to target.
func (s ProjectStatus) CanTransitionTo(target ProjectStatus) bool {
	for _, t := range projectTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether a plan may move from s to target.
func (s PlanStatus) CanTransitionTo(target PlanStatus) bool {
	for _, t := range planTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether a run may move from s to target.
func (s RunStatus) CanTransitionTo(target RunStatus) bool {
	for _, t := range runTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the run status is final. Terminal runs are immutable.
func (s RunStatus) Terminal() bool {
	return s == RunCancelled || s == RunSucceeded || s == RunFailed
}

// Terminal reports whether the project status reflects a finished run outcome.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectCompleted || s == ProjectFailed || s == ProjectCancelled
}

// IsValid reports whether s is a known run status.
func (s RunStatus) IsValid() bool {
	_, ok := runTransitions[s]
	return ok
}
