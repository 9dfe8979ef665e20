package besteffort

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrParse marks a missing or malformed exit code file.
	ErrParse = errors.New("exit code file is missing or malformed")
	// ErrExecutionFailed marks a wrapped command that exited non-zero.
	ErrExecutionFailed = errors.New("execution failed")
)

// ParseError reports that the exit code file could not be read as an
// integer. It means the indirection itself is broken.
type ParseError struct {
	Path string
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("parse exit code from %s (%q): %v", e.Path, e.Raw, e.Err)
	}
	return fmt.Sprintf("parse exit code from %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// ExecutionFailedError is the deferred failure of a wrapped command.
type ExecutionFailedError struct {
	// Label identifies the pipeline step.
	Label string
	// Operation describes the most recent exec applied to the container.
	Operation string
	Command   string
	ExitCode  int
	Stdout    string
	Stderr    string
}

func (e *ExecutionFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s exited with code %d", e.Label, e.Command, e.ExitCode)
	if e.Operation != "" {
		fmt.Fprintf(&b, "\nlast operation: %s", e.Operation)
	}
	fmt.Fprintf(&b, "\nstdout:\n%s", e.Stdout)
	fmt.Fprintf(&b, "\nstderr:\n%s", e.Stderr)
	return b.String()
}

func (e *ExecutionFailedError) Is(target error) bool {
	return target == ErrExecutionFailed
}
