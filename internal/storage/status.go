package storage

import (
	"strings"

	"github.com/kalambet/fathom/internal/state"
)

// Status lists interpolated into SQL guards are derived from the state
// transition tables, so a rule change there propagates into every
// conditional update. The values are internal constants, never user input.
var (
	sqlActiveRuns = runStatusList(func(s state.RunStatus) bool { return !s.Terminal() })

	sqlStartableRuns = runStatusList(func(s state.RunStatus) bool {
		return s.CanTransitionTo(state.RunRunning)
	})

	sqlCancellableRuns = runStatusList(func(s state.RunStatus) bool {
		return s.CanTransitionTo(state.RunCancelRequested)
	})

	sqlSupersedablePlans = planStatusList(func(s state.PlanStatus) bool {
		return s.CanTransitionTo(state.PlanSuperseded)
	})
)

func runStatusList(include func(state.RunStatus) bool) string {
	var quoted []string
	for _, s := range state.RunStatuses() {
		if include(s) {
			quoted = append(quoted, "'"+string(s)+"'")
		}
	}
	return strings.Join(quoted, ", ")
}

func planStatusList(include func(state.PlanStatus) bool) string {
	var quoted []string
	for _, s := range state.PlanStatuses() {
		if include(s) {
			quoted = append(quoted, "'"+string(s)+"'")
		}
	}
	return strings.Join(quoted, ", ")
}
