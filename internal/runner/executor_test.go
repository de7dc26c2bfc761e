package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/fathom/internal/plan"
	"github.com/kalambet/fathom/internal/state"
	"github.com/kalambet/fathom/internal/storage"
	"github.com/kalambet/fathom/internal/stream"
)

type fixture struct {
	store    *storage.Store
	registry *Registry
	hub      *stream.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &fixture{store: s, registry: NewRegistry(), hub: stream.New()}
}

// seedRun creates a project with an approved plan and a queued run.
func (f *fixture) seedRun(t *testing.T, content string) (storage.Project, storage.Run) {
	t.Helper()
	p, err := f.store.CreateProject("local", "test project")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	scope, markdown, err := plan.Heuristic{}.Generate(content)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	scopeJSON, err := plan.MarshalScope(scope)
	if err != nil {
		t.Fatalf("MarshalScope: %v", err)
	}
	if _, err := f.store.CreatePlan(p.ID, scopeJSON, markdown); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if _, err := f.store.ApproveLatestPlan(p.ID); err != nil {
		t.Fatalf("ApproveLatestPlan: %v", err)
	}
	r, err := f.store.CreateRun(p.ID)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return p, r
}

// blockingResearcher parks inside RunStage until released, so tests can act
// while a run is provably in flight.
type blockingResearcher struct {
	entered chan state.Stage
	release chan struct{}
}

func newBlockingResearcher() *blockingResearcher {
	return &blockingResearcher{
		entered: make(chan state.Stage, 8),
		release: make(chan struct{}),
	}
}

func (b *blockingResearcher) RunStage(ctx context.Context, stage state.Stage, scope plan.Scope, emit EmitFunc) error {
	b.entered <- stage
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingResearcher) Artifact(scope plan.Scope, runID string) (string, error) {
	return "blocked artifact", nil
}

// failingResearcher errors once it reaches the given stage.
type failingResearcher struct {
	failAt state.Stage
}

func (f failingResearcher) RunStage(ctx context.Context, stage state.Stage, scope plan.Scope, emit EmitFunc) error {
	if stage == f.failAt {
		return errors.New("search backend unavailable")
	}
	return nil
}

func (f failingResearcher) Artifact(scope plan.Scope, runID string) (string, error) {
	return "", errors.New("no artifact")
}

// faultyEventStore fails event appends for one stage while every other
// storage operation keeps working.
type faultyEventStore struct {
	runStore
	failAt state.Stage
}

func (f faultyEventStore) AppendEvent(runID string, stage state.Stage, level state.Level, message string, payload *string) (storage.RunEvent, error) {
	if stage == f.failAt {
		return storage.RunEvent{}, errors.New("events table unavailable")
	}
	return f.runStore.AppendEvent(runID, stage, level, message, payload)
}

func waitStage(t *testing.T, b *blockingResearcher) state.Stage {
	t.Helper()
	select {
	case stage := <-b.entered:
		return stage
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for researcher stage entry")
		return ""
	}
}

// TestExecuteSuccess drives a run through every stage and verifies the
// terminal state, the artifact, and the event log shape.
func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	p, r := f.seedRun(t, "Solid state batteries\n- What is the timeline?\n- Who are the leaders?")

	e := NewExecutor(f.store, f.registry, f.hub, Stub{})
	e.Start(context.Background(), p.ID, r.ID)
	e.Wait()

	run, err := f.store.GetRun(r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != state.RunSucceeded {
		t.Fatalf("run status = %q, want succeeded", run.Status)
	}
	if run.Artifact == nil || !strings.Contains(*run.Artifact, "# Research Report: Solid state batteries") {
		t.Error("artifact missing or malformed")
	}
	if run.EndedAt == nil {
		t.Error("EndedAt should be set")
	}

	proj, err := f.store.GetProject(p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if proj.Status != state.ProjectCompleted {
		t.Errorf("project status = %q, want completed", proj.Status)
	}
	if proj.ActiveRunID != nil {
		t.Errorf("ActiveRunID = %v, want nil after completion", *proj.ActiveRunID)
	}

	events, err := f.store.ListEvents(r.ID, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected events")
	}
	if events[0].Seq != 1 || events[0].Stage != state.StageQueued {
		t.Errorf("first event = seq %d stage %q, want 1 queued", events[0].Seq, events[0].Stage)
	}
	last := events[len(events)-1]
	if last.Message != "Research complete" {
		t.Errorf("last event message = %q, want Research complete", last.Message)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("events[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}

	// The stub emits one progress event per question.
	var questions int
	for _, ev := range events {
		if strings.HasPrefix(ev.Message, "Investigating question") {
			questions++
		}
	}
	if questions != 2 {
		t.Errorf("got %d question events, want 2", questions)
	}

	if f.registry.Active(r.ID) {
		t.Error("run should be unregistered after completion")
	}
}

// TestExecuteCancelMidRun requests cancellation while a stage is in flight and
// verifies the run resolves to cancelled at the next stage boundary.
func TestExecuteCancelMidRun(t *testing.T) {
	f := newFixture(t)
	p, r := f.seedRun(t, "Topic")

	b := newBlockingResearcher()
	e := NewExecutor(f.store, f.registry, f.hub, b)
	e.Start(context.Background(), p.ID, r.ID)

	waitStage(t, b)

	if _, err := f.store.RequestRunCancellation(r.ID); err != nil {
		t.Fatalf("RequestRunCancellation: %v", err)
	}
	f.registry.RequestCancel(r.ID)
	close(b.release)
	e.Wait()

	run, err := f.store.GetRun(r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != state.RunCancelled {
		t.Errorf("run status = %q, want cancelled", run.Status)
	}
	if !run.CancelRequested {
		t.Error("CancelRequested flag should be set")
	}

	proj, err := f.store.GetProject(p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if proj.Status != state.ProjectCancelled {
		t.Errorf("project status = %q, want cancelled", proj.Status)
	}

	events, err := f.store.ListEvents(r.ID, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	last := events[len(events)-1]
	if last.Message != "Run cancelled" || last.Level != state.LevelWarning {
		t.Errorf("last event = %q/%q, want Run cancelled warning", last.Message, last.Level)
	}
}

// TestExecuteCancelBeforeStart verifies a run cancelled while still queued
// never does stage work and resolves to cancelled.
func TestExecuteCancelBeforeStart(t *testing.T) {
	f := newFixture(t)
	p, r := f.seedRun(t, "Topic")

	if _, err := f.store.RequestRunCancellation(r.ID); err != nil {
		t.Fatalf("RequestRunCancellation: %v", err)
	}

	e := NewExecutor(f.store, f.registry, f.hub, Stub{})
	e.Start(context.Background(), p.ID, r.ID)
	e.Wait()

	run, err := f.store.GetRun(r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != state.RunCancelled {
		t.Errorf("run status = %q, want cancelled", run.Status)
	}
	if run.Artifact != nil {
		t.Error("cancelled run should have no artifact")
	}
}

func TestExecuteFailure(t *testing.T) {
	f := newFixture(t)
	p, r := f.seedRun(t, "Topic")

	e := NewExecutor(f.store, f.registry, f.hub, failingResearcher{failAt: state.StageSynthesizing})
	e.Start(context.Background(), p.ID, r.ID)
	e.Wait()

	run, err := f.store.GetRun(r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != state.RunFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	if run.ErrorText == nil || !strings.Contains(*run.ErrorText, "search backend unavailable") {
		t.Errorf("ErrorText = %v, want cause preserved", run.ErrorText)
	}

	proj, err := f.store.GetProject(p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if proj.Status != state.ProjectFailed {
		t.Errorf("project status = %q, want failed", proj.Status)
	}

	events, err := f.store.ListEvents(r.ID, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	last := events[len(events)-1]
	if last.Level != state.LevelError {
		t.Errorf("last event level = %q, want error", last.Level)
	}
}

// TestStageHeaderAppendFailureFailsRun verifies that a stage-header event
// that cannot be persisted finalizes the run as failed instead of letting
// it continue with no event writer.
func TestStageHeaderAppendFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	p, r := f.seedRun(t, "Grid storage economics")

	e := NewExecutor(f.store, f.registry, f.hub, Stub{})
	e.store = faultyEventStore{runStore: f.store, failAt: state.StageAnalyzing}
	e.Start(context.Background(), p.ID, r.ID)
	e.Wait()

	run, err := f.store.GetRun(r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != state.RunFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	if run.ErrorText == nil || !strings.Contains(*run.ErrorText, "recording analyzing stage") {
		t.Errorf("ErrorText = %v, want append failure recorded", run.ErrorText)
	}

	proj, err := f.store.GetProject(p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if proj.Status != state.ProjectFailed {
		t.Errorf("project status = %q, want failed", proj.Status)
	}
	if proj.ActiveRunID != nil {
		t.Errorf("ActiveRunID = %v, want nil", *proj.ActiveRunID)
	}

	events, err := f.store.ListEvents(r.ID, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected the queued header and failure events to persist")
	}
	last := events[len(events)-1]
	if last.Level != state.LevelError || last.Stage != state.StageFinalizing {
		t.Errorf("last event = %s/%s, want finalizing/error", last.Stage, last.Level)
	}

	if _, ok := f.registry.Register(r.ID); !ok {
		t.Error("run should be unregistered after task exit")
	}
}

// TestStartIdempotent verifies a duplicate Start while the run is in flight
// does not launch a second task or duplicate events.
func TestStartIdempotent(t *testing.T) {
	f := newFixture(t)
	p, r := f.seedRun(t, "Topic")

	b := newBlockingResearcher()
	e := NewExecutor(f.store, f.registry, f.hub, b)
	e.Start(context.Background(), p.ID, r.ID)

	waitStage(t, b)
	e.Start(context.Background(), p.ID, r.ID) // duplicate, must be a no-op

	close(b.release)
	e.Wait()

	events, err := f.store.ListEvents(r.ID, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var accepted int
	for _, ev := range events {
		if ev.Message == "Research run accepted" {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("got %d acceptance events, want 1", accepted)
	}

	run, err := f.store.GetRun(r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != state.RunSucceeded {
		t.Errorf("run status = %q, want succeeded", run.Status)
	}
}

// TestShutdownContextCancelsRun verifies cancelling the executor context
// resolves an in-flight run to cancelled rather than leaving it running.
func TestShutdownContextCancelsRun(t *testing.T) {
	f := newFixture(t)
	p, r := f.seedRun(t, "Topic")

	ctx, cancel := context.WithCancel(context.Background())
	b := newBlockingResearcher()
	e := NewExecutor(f.store, f.registry, f.hub, b)
	e.Start(ctx, p.ID, r.ID)

	waitStage(t, b)
	cancel()
	e.Wait()

	run, err := f.store.GetRun(r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != state.RunCancelled {
		t.Errorf("run status = %q, want cancelled", run.Status)
	}
}

// TestExecuteStreamsLiveEvents subscribes to the hub before the run starts
// and verifies live delivery matches the persisted log.
func TestExecuteStreamsLiveEvents(t *testing.T) {
	f := newFixture(t)
	p, r := f.seedRun(t, "Topic\n- One question?")

	live := make(chan storage.RunEvent, 64)
	unsub := f.hub.Subscribe(r.ID, func(ev storage.RunEvent) { live <- ev })
	defer unsub()

	e := NewExecutor(f.store, f.registry, f.hub, Stub{})
	e.Start(context.Background(), p.ID, r.ID)
	e.Wait()
	close(live)

	persisted, err := f.store.ListEvents(r.ID, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	var seqs []int64
	for ev := range live {
		seqs = append(seqs, ev.Seq)
	}
	if len(seqs) != len(persisted) {
		t.Fatalf("live delivered %d events, persisted %d", len(seqs), len(persisted))
	}
	for i, s := range seqs {
		if s != persisted[i].Seq {
			t.Errorf("live[%d].Seq = %d, persisted %d", i, s, persisted[i].Seq)
		}
	}
}
