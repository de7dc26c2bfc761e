package state

import "testing"

func TestRunTransitions(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunQueued, RunRunning, true},
		{RunQueued, RunCancelRequested, true},
		{RunQueued, RunCancelled, true},
		{RunQueued, RunSucceeded, false},
		{RunRunning, RunSucceeded, true},
		{RunRunning, RunFailed, true},
		{RunRunning, RunCancelRequested, true},
		{RunRunning, RunQueued, false},
		{RunCancelRequested, RunCancelled, true},
		{RunCancelRequested, RunRunning, false},
		{RunCancelled, RunRunning, false},
		{RunSucceeded, RunFailed, false},
		{RunFailed, RunQueued, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestRunTerminal(t *testing.T) {
	terminal := []RunStatus{RunCancelled, RunSucceeded, RunFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if len(runTransitions[s]) != 0 {
			t.Errorf("terminal status %s has outgoing transitions", s)
		}
	}
	for _, s := range []RunStatus{RunQueued, RunRunning, RunCancelRequested} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPlanTransitions(t *testing.T) {
	if !PlanDraft.CanTransitionTo(PlanApproved) {
		t.Error("draft -> approved should be legal")
	}
	if !PlanDraft.CanTransitionTo(PlanSuperseded) {
		t.Error("draft -> superseded should be legal")
	}
	if !PlanApproved.CanTransitionTo(PlanSuperseded) {
		t.Error("approved -> superseded should be legal")
	}
	if PlanApproved.CanTransitionTo(PlanDraft) {
		t.Error("approved -> draft should be illegal")
	}
	if PlanSuperseded.CanTransitionTo(PlanApproved) {
		t.Error("superseded -> approved should be illegal")
	}
}

func TestProjectRerunCycle(t *testing.T) {
	// approved -> running -> completed -> running is a legal re-run cycle.
	path := []ProjectStatus{ProjectApproved, ProjectRunning, ProjectCompleted, ProjectRunning}
	for i := 1; i < len(path); i++ {
		if !path[i-1].CanTransitionTo(path[i]) {
			t.Errorf("%s -> %s should be legal", path[i-1], path[i])
		}
	}
}

func TestStagesOrder(t *testing.T) {
	want := []Stage{StageQueued, StageAnalyzing, StageResearching, StageSynthesizing, StageFinalizing}
	got := Stages()
	if len(got) != len(want) {
		t.Fatalf("Stages() returned %d stages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Stages()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
