package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fathom/internal/plan"
	"github.com/kalambet/fathom/internal/state"
)

// EmitFunc lets stage work publish sub-stage progress events. Events emitted
// through it are advisory; cancellation is still only observed at stage
// boundaries.
type EmitFunc func(level state.Level, message string, payload *string) error

// Researcher performs the actual work for each stage of a run. The lifecycle
// engine treats it as opaque and potentially slow; implementations should
// respect ctx for early abort, but the engine does not rely on it.
type Researcher interface {
	// RunStage performs the work for one stage.
	RunStage(ctx context.Context, stage state.Stage, scope plan.Scope, emit EmitFunc) error
	// Artifact produces the final report once every stage has completed.
	Artifact(scope plan.Scope, runID string) (string, error)
}

// Stub is a placeholder researcher that produces a templated report without
// any model or search calls. During the researching stage it investigates
// each question concurrently and emits one progress event per question.
type Stub struct {
	// StageDelay is slept once per stage to simulate slow work. Zero in tests.
	StageDelay time.Duration
}

// RunStage implements Researcher.
func (s Stub) RunStage(ctx context.Context, stage state.Stage, scope plan.Scope, emit EmitFunc) error {
	if s.StageDelay > 0 {
		select {
		case <-time.After(s.StageDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if stage != state.StageResearching {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, q := range scope.Questions {
		g.Go(func() error {
			return emit(state.LevelInfo, fmt.Sprintf("Investigating question %d: %s", i+1, q), nil)
		})
	}
	return g.Wait()
}

// Artifact implements Researcher.
func (s Stub) Artifact(scope plan.Scope, runID string) (string, error) {
	now := time.Now().UTC().Format("2006-01-02 15:04:05 UTC")

	questions := "- No specific questions provided"
	if len(scope.Questions) > 0 {
		lines := make([]string, len(scope.Questions))
		for i, q := range scope.Questions {
			lines[i] = "- " + q
		}
		questions = strings.Join(lines, "\n")
	}

	return fmt.Sprintf(`# Research Report: %s

**Generated:** %s
**Research Depth:** %s
**Run ID:** %s

## Research Questions

%s

## Executive Summary

This is a placeholder research report. A full researcher implementation would
synthesize findings from web search and document analysis here.

## Methodology

This research was conducted using:
- Web search for current information
- Analysis of relevant documentation
- Synthesis of multiple sources
`, scope.Topic, now, scope.Depth, runID, questions), nil
}
