package domain

import "errors"

// Error taxonomy for the execution pipeline. Categories stay distinct
// internally (errors.Is against the sentinels below) and collapse into an
// ExecutionResult with status "error" at the coordinator boundary.
var (
	// ErrSandbox is the parent category for all pipeline failures.
	ErrSandbox = errors.New("sandbox")

	// ErrInvalidPath marks a rejected caller path: traversal, absolute,
	// or escaping the workspace root.
	ErrInvalidPath = wrap("invalid path")

	// ErrFileSystem marks disk-level failures during workspace setup.
	ErrFileSystem = wrap("filesystem")

	// ErrConfiguration marks a missing or unusable jail binary or rootfs.
	ErrConfiguration = wrap("configuration")

	// ErrExecution marks spawn or wait failures on the host side.
	ErrExecution = wrap("execution")

	// ErrInvalidRequest marks a malformed request rejected at the outer
	// boundary, before the core pipeline is entered.
	ErrInvalidRequest = errors.New("invalid request")
)

// wrap derives a child sentinel so errors.Is(err, ErrSandbox) holds for
// every category.
func wrap(msg string) error {
	return &sandboxError{msg: msg}
}

type sandboxError struct {
	msg string
}

func (e *sandboxError) Error() string { return e.msg }

func (e *sandboxError) Is(target error) bool { return target == ErrSandbox }
