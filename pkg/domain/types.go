// Package domain defines the core domain model for the sandbox execution
// service. Following domain-driven design principles, these types represent
// the ubiquitous language of our bounded context: confined one-shot execution
// of untrusted code.
package domain

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// =============================================================================
// Core Domain Entities
// =============================================================================

// Status classifies how an execution terminated.
type Status string

const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusOOM     Status = "oom"
	StatusError   Status = "error"
)

// FileEntry is one caller-supplied file to materialize inside the workspace.
// Path is relative to the workspace root; Content is UTF-8 text.
type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ResourceLimits caps a single execution. Zero values take the defaults
// applied by Normalize.
type ResourceLimits struct {
	// TimeoutS is the wall-clock limit enforced inside the jail, in seconds.
	TimeoutS int `json:"timeout" toml:"timeout"`

	// MemoryMB is the address-space cap in megabytes.
	MemoryMB int `json:"memory_mb" toml:"memory_mb"`

	// CPUs is the requested CPU share. The jail enforces whole cores, so
	// fractional requests are floored with a minimum of one core.
	CPUs float64 `json:"cpus" toml:"cpus"`
}

const (
	DefaultTimeoutS = 5
	DefaultMemoryMB = 128
	DefaultCPUs     = 1.0

	MinTimeoutS = 1
	MaxTimeoutS = 60
	MinMemoryMB = 64
	MaxMemoryMB = 1024
	MinCPUs     = 0.1
	MaxCPUs     = 4.0
)

// Normalize fills unset fields with defaults.
func (l ResourceLimits) Normalize() ResourceLimits {
	if l.TimeoutS == 0 {
		l.TimeoutS = DefaultTimeoutS
	}
	if l.MemoryMB == 0 {
		l.MemoryMB = DefaultMemoryMB
	}
	if l.CPUs == 0 {
		l.CPUs = DefaultCPUs
	}
	return l
}

// Validate checks the limits against the accepted ranges. Call after
// Normalize; zero values are rejected here.
func (l ResourceLimits) Validate() error {
	if l.TimeoutS < MinTimeoutS || l.TimeoutS > MaxTimeoutS {
		return fmt.Errorf("%w: timeout %d out of range [%d, %d]", ErrInvalidRequest, l.TimeoutS, MinTimeoutS, MaxTimeoutS)
	}
	if l.MemoryMB < MinMemoryMB || l.MemoryMB > MaxMemoryMB {
		return fmt.Errorf("%w: memory_mb %d out of range [%d, %d]", ErrInvalidRequest, l.MemoryMB, MinMemoryMB, MaxMemoryMB)
	}
	if l.CPUs < MinCPUs || l.CPUs > MaxCPUs {
		return fmt.Errorf("%w: cpus %g out of range [%g, %g]", ErrInvalidRequest, l.CPUs, MinCPUs, MaxCPUs)
	}
	return nil
}

// MaxCores is the whole-core count handed to the jail: floor(cpus), minimum 1.
func (l ResourceLimits) MaxCores() int {
	cores := int(math.Floor(l.CPUs))
	if cores < 1 {
		cores = 1
	}
	return cores
}

// envNameRE matches valid environment variable names.
var envNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ExecutionRequest is the immutable input to one sandbox execution.
type ExecutionRequest struct {
	// Runtime is an informational tag (e.g. "python:3.9"). It does not
	// select a rootfs in v1; a single base image is assumed.
	Runtime string `json:"runtime"`

	// Files are written into the workspace in order. Duplicate relative
	// paths take last-writer-wins. An empty list is allowed.
	Files []FileEntry `json:"files"`

	// Entrypoint is the shell command executed inside the jail.
	Entrypoint string `json:"entrypoint"`

	// EnvVars are the only environment variables the child sees.
	EnvVars map[string]string `json:"env_vars"`

	// Limits caps the execution.
	Limits ResourceLimits `json:"limits"`
}

// Validate rejects malformed requests at the boundary, before the core
// pipeline is entered. Limits must already be normalized: an explicit zero
// is rejected here, not defaulted.
func (r ExecutionRequest) Validate() error {
	if strings.TrimSpace(r.Entrypoint) == "" {
		return fmt.Errorf("%w: entrypoint is required", ErrInvalidRequest)
	}
	if err := r.Limits.Validate(); err != nil {
		return err
	}
	for name := range r.EnvVars {
		if !envNameRE.MatchString(name) {
			return fmt.Errorf("%w: invalid env var name %q", ErrInvalidRequest, name)
		}
	}
	return nil
}

// ExecutionResult is the structured outcome returned for every request,
// including internal failures.
type ExecutionResult struct {
	Status Status `json:"status"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// ExitCode is the raw integer the jail reported. Signal terminations
	// use the host's native signed convention (negative signal number).
	ExitCode int `json:"exit_code"`

	// ExecutionTimeMS is wall time measured around the child invocation.
	ExecutionTimeMS int64 `json:"execution_time_ms"`
}

// RawResult is the untyped termination tuple captured by the jail invoker,
// before classification.
type RawResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64

	// OuterTimeout is set when the host-side supervisor fired before the
	// jail returned control.
	OuterTimeout bool
}

// =============================================================================
// Domain Services Interfaces
// =============================================================================

// Workspace is the per-execution directory tree bound into the jail.
type Workspace interface {
	// SessionID is the unique opaque identifier keying this workspace.
	SessionID() string

	// Setup materializes the given files and returns the work directory.
	Setup(files []FileEntry) (string, error)

	// Cleanup removes the entire session subtree. Idempotent; errors are
	// recorded, not returned.
	Cleanup()
}

// WorkspaceFactory mints a fresh Workspace per execution.
type WorkspaceFactory interface {
	New() Workspace
}

// Executor runs an entrypoint inside the jail with a prepared work
// directory and reports the raw termination tuple.
type Executor interface {
	Run(ctx context.Context, workDir string, req ExecutionRequest) (RawResult, error)
}
