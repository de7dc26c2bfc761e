package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/fathom/internal/plan"
	"github.com/kalambet/fathom/internal/state"
	"github.com/kalambet/fathom/internal/storage"
	"github.com/kalambet/fathom/internal/stream"
)

// runStore is the slice of storage the executor touches. *storage.Store
// satisfies it; tests substitute fault-injecting wrappers.
type runStore interface {
	StartRun(id string) (storage.Run, error)
	GetRun(id string) (storage.Run, error)
	FinishRun(id string, status state.RunStatus, artifact, errText *string) (storage.Run, bool, error)
	GetPlan(projectID string, version int) (storage.Plan, error)
	UpdateProjectStatus(id string, status state.ProjectStatus, activeRunID *string) error
	AppendEvent(runID string, stage state.Stage, level state.Level, message string, payload *string) (storage.RunEvent, error)
}

// Executor runs the staged work for research runs as background goroutines.
// Every run terminates in exactly one terminal status, and the run is always
// unregistered from the registry on task exit.
type Executor struct {
	store      runStore
	registry   *Registry
	hub        *stream.Hub
	researcher Researcher
	logger     *slog.Logger

	wg     sync.WaitGroup
	emitMu sync.Mutex
}

// NewExecutor creates an executor. All dependencies are required.
func NewExecutor(store *storage.Store, registry *Registry, hub *stream.Hub, researcher Researcher) *Executor {
	return &Executor{
		store:      store,
		registry:   registry,
		hub:        hub,
		researcher: researcher,
		logger:     slog.Default(),
	}
}

// Start launches the background task for a queued run. It is an idempotent
// no-op if the run is already registered as active. ctx bounds the whole
// task: cancelling it (process shutdown) is observed at the same stage
// boundaries as a cancellation request.
func (e *Executor) Start(ctx context.Context, projectID, runID string) {
	handle, ok := e.registry.Register(runID)
	if !ok {
		e.logger.Debug("run already active, ignoring start", "run_id", runID)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.registry.Unregister(runID)
		e.execute(ctx, projectID, runID, handle)
	}()
}

// Wait blocks until all in-flight run tasks have exited. Used on shutdown
// and by tests.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) execute(ctx context.Context, projectID, runID string, handle *Handle) {
	run, err := e.store.StartRun(runID)
	if err != nil {
		e.logger.Error("starting run", "run_id", runID, "error", err)
		e.finalizeFailed(projectID, runID, fmt.Errorf("starting run: %w", err))
		return
	}
	if err := e.store.UpdateProjectStatus(projectID, state.ProjectRunning, &runID); err != nil {
		e.logger.Error("marking project running", "project_id", projectID, "error", err)
		e.finalizeFailed(projectID, runID, fmt.Errorf("marking project running: %w", err))
		return
	}

	stored, err := e.store.GetPlan(projectID, run.PlanVersion)
	if err != nil {
		e.finalizeFailed(projectID, runID, fmt.Errorf("loading plan version %d: %w", run.PlanVersion, err))
		return
	}
	scope, err := plan.UnmarshalScope(stored.ScopeJSON)
	if err != nil {
		e.finalizeFailed(projectID, runID, fmt.Errorf("plan version %d: %w", run.PlanVersion, err))
		return
	}

	e.logger.Info("run started", "run_id", runID, "project_id", projectID, "plan_version", run.PlanVersion)

	for _, stage := range state.Stages() {
		// Cancellation is checked at stage boundaries only; a stage in
		// progress is never interrupted mid-emission.
		if e.cancelled(ctx, runID, handle) {
			e.finalizeCancelled(projectID, runID)
			return
		}

		// A stage header that cannot be persisted means the store is
		// failing; finalize as failed instead of running on with no writer.
		if err := e.emit(runID, stage, state.LevelInfo, stageMessage(stage, scope), nil); err != nil {
			e.finalizeFailed(projectID, runID, fmt.Errorf("recording %s stage: %w", stage, err))
			return
		}

		emit := func(level state.Level, message string, payload *string) error {
			return e.emit(runID, stage, level, message, payload)
		}
		if err := e.researcher.RunStage(ctx, stage, scope, emit); err != nil {
			if e.cancelled(ctx, runID, handle) {
				e.finalizeCancelled(projectID, runID)
				return
			}
			e.finalizeFailed(projectID, runID, fmt.Errorf("stage %s: %w", stage, err))
			return
		}
	}

	if e.cancelled(ctx, runID, handle) {
		e.finalizeCancelled(projectID, runID)
		return
	}

	artifact, err := e.researcher.Artifact(scope, runID)
	if err != nil {
		e.finalizeFailed(projectID, runID, fmt.Errorf("producing artifact: %w", err))
		return
	}

	if _, done, err := e.store.FinishRun(runID, state.RunSucceeded, &artifact, nil); err != nil {
		e.logger.Error("finishing run", "run_id", runID, "error", err)
		return
	} else if !done {
		// A racing cancellation won; its finalizer owns the project state.
		return
	}
	if err := e.store.UpdateProjectStatus(projectID, state.ProjectCompleted, nil); err != nil {
		e.logger.Error("marking project completed", "project_id", projectID, "error", err)
	}
	e.emit(runID, state.StageFinalizing, state.LevelInfo, "Research complete", nil)
	e.logger.Info("run succeeded", "run_id", runID)
}

// cancelled reports whether the run should stop: the in-process handle or
// the surrounding context was signaled, or cancellation was durably recorded.
func (e *Executor) cancelled(ctx context.Context, runID string, handle *Handle) bool {
	if handle.Cancelled() || ctx.Err() != nil {
		return true
	}
	run, err := e.store.GetRun(runID)
	if err != nil {
		e.logger.Error("checking cancellation", "run_id", runID, "error", err)
		return false
	}
	return run.CancelRequested || run.Status == state.RunCancelRequested || run.Status == state.RunCancelled
}

// finalizeCancelled moves the run and project into cancelled. Reentrant-safe:
// if the run is already terminal this is a no-op.
func (e *Executor) finalizeCancelled(projectID, runID string) {
	_, done, err := e.store.FinishRun(runID, state.RunCancelled, nil, nil)
	if err != nil {
		e.logger.Error("finalizing cancelled run", "run_id", runID, "error", err)
		return
	}
	if !done {
		return
	}
	if err := e.store.UpdateProjectStatus(projectID, state.ProjectCancelled, nil); err != nil {
		e.logger.Error("marking project cancelled", "project_id", projectID, "error", err)
	}
	e.emit(runID, state.StageFinalizing, state.LevelWarning, "Run cancelled", nil)
	e.logger.Info("run cancelled", "run_id", runID)
}

// finalizeFailed records the failure unless the run was already cancelled.
// A store write failure mid-run lands here too, so the run always reaches a
// terminal status instead of hanging with no writer.
func (e *Executor) finalizeFailed(projectID, runID string, cause error) {
	errText := cause.Error()
	_, done, err := e.store.FinishRun(runID, state.RunFailed, nil, &errText)
	if err != nil {
		e.logger.Error("finalizing failed run", "run_id", runID, "error", err)
		return
	}
	if !done {
		return
	}
	if err := e.store.UpdateProjectStatus(projectID, state.ProjectFailed, nil); err != nil {
		e.logger.Error("marking project failed", "project_id", projectID, "error", err)
	}
	e.emit(runID, state.StageFinalizing, state.LevelError, "Research failed: "+errText, nil)
	e.logger.Warn("run failed", "run_id", runID, "error", errText)
}

// emit persists an event and fans it out to live subscribers. Persistence
// comes first; an event that cannot be persisted is logged and not published.
// The append and the publish are serialized so live subscribers observe
// events in sequence order even when stage work emits concurrently.
func (e *Executor) emit(runID string, stage state.Stage, level state.Level, message string, payload *string) error {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	ev, err := e.store.AppendEvent(runID, stage, level, message, payload)
	if err != nil {
		e.logger.Error("appending event", "run_id", runID, "stage", stage, "error", err)
		return err
	}
	e.hub.Publish(ev)
	return nil
}

func stageMessage(stage state.Stage, scope plan.Scope) string {
	switch stage {
	case state.StageQueued:
		return "Research run accepted"
	case state.StageAnalyzing:
		return "Analyzing research topic: " + scope.Topic
	case state.StageResearching:
		return fmt.Sprintf("Researching %d questions", len(scope.Questions))
	case state.StageSynthesizing:
		return "Synthesizing research findings"
	case state.StageFinalizing:
		return "Writing research report"
	default:
		return string(stage)
	}
}
