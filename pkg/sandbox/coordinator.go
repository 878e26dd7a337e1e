// Package sandbox orchestrates the end-to-end execution pipeline: admission
// control, workspace materialization, jailed invocation, outcome
// classification, and deterministic teardown.
//
// Flow for one request:
//
//	acquire slot → create workspace → populate → run jail → classify →
//	build result → destroy workspace → release slot
//
// Teardown and slot release are deferred, so they run on every exit path
// including panics and cancellation. The coordinator never returns an
// error; every internal failure becomes an ExecutionResult with status
// "error" and a diagnostic on stderr.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ahaops/sandboxd/pkg/domain"
	"github.com/ahaops/sandboxd/pkg/jail"
	"github.com/ahaops/sandboxd/pkg/metrics"
)

// DefaultMaxConcurrent bounds in-flight executions when no cap is configured.
const DefaultMaxConcurrent = 10

// Coordinator gates and runs sandbox executions.
type Coordinator struct {
	sem        *semaphore.Weighted
	workspaces domain.WorkspaceFactory
	executor   domain.Executor
	collector  *metrics.Collector
	log        *logrus.Entry
}

// NewCoordinator creates an execution coordinator with the given concurrency
// cap. Requests beyond the cap wait; there is no queue bound.
func NewCoordinator(maxConcurrent int, workspaces domain.WorkspaceFactory, executor domain.Executor, collector *metrics.Collector, log *logrus.Entry) *Coordinator {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Coordinator{
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		workspaces: workspaces,
		executor:   executor,
		collector:  collector,
		log:        log.WithField("component", "coordinator"),
	}
}

// Run executes the request end to end. It never returns an error: every
// failure is reported as an ExecutionResult with status "error".
func (c *Coordinator) Run(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionResult {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.collector.RecordRejected()
		return errorResult(fmt.Sprintf("execution not admitted: %v", err), 0)
	}
	defer c.sem.Release(1)

	c.collector.ExecutionStarted()
	result := c.execute(ctx, req)
	c.collector.ExecutionFinished(string(result.Status), time.Duration(result.ExecutionTimeMS)*time.Millisecond)
	return result
}

// execute runs the pipeline while holding an admission slot. The workspace
// teardown is deferred so it survives every exit path, and a recover guard
// converts programming faults into error results.
func (c *Coordinator) execute(ctx context.Context, req domain.ExecutionRequest) (result domain.ExecutionResult) {
	ws := c.workspaces.New()
	log := c.log.WithField("session_id", ws.SessionID())

	defer ws.Cleanup()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Execution pipeline panicked")
			result = errorResult(fmt.Sprintf("internal system error: %v", r), 0)
		}
	}()

	log.WithField("runtime", req.Runtime).Info("Starting execution")

	workDir, err := ws.Setup(req.Files)
	if err != nil {
		log.WithError(err).Warn("Workspace setup failed")
		c.collector.RecordWorkspaceError()
		return errorResult(err.Error(), 0)
	}

	// A cancellation that lands before the child is spawned aborts the
	// pipeline here, with no spawn at all; the deferred teardown still
	// destroys the workspace and the caller still releases the slot.
	if err := ctx.Err(); err != nil {
		log.WithError(err).Warn("Canceled before spawn")
		return errorResult(fmt.Sprintf("execution canceled before spawn: %v", err), 0)
	}

	start := time.Now()
	raw, err := c.executor.Run(ctx, workDir, req)
	if err != nil {
		if errors.Is(err, domain.ErrSandbox) {
			log.WithError(err).Warn("Sandbox error during execution")
		} else {
			log.WithError(err).Error("Unexpected error during execution")
		}
		c.collector.RecordSpawnError()
		return errorResult(err.Error(), time.Since(start).Milliseconds())
	}

	status := jail.Classify(raw)

	log.WithFields(logrus.Fields{
		"status":      status,
		"exit_code":   raw.ExitCode,
		"duration_ms": raw.DurationMS,
	}).Info("Execution completed")

	return domain.ExecutionResult{
		Status:          status,
		Stdout:          raw.Stdout,
		Stderr:          raw.Stderr,
		ExitCode:        raw.ExitCode,
		ExecutionTimeMS: raw.DurationMS,
	}
}

func errorResult(diagnostic string, durationMS int64) domain.ExecutionResult {
	return domain.ExecutionResult{
		Status:          domain.StatusError,
		Stdout:          "",
		Stderr:          diagnostic,
		ExitCode:        -1,
		ExecutionTimeMS: durationMS,
	}
}
