package besteffort

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pipelines/pkg/engine"
)

// defaultLabel is used when the container carries no step label.
const defaultLabel = "pipeline"

// Accessor reads the captured artifacts of a Result. It holds no state of its
// own; every method reads the already materialized files, so calls may be
// repeated or issued concurrently.
type Accessor struct {
	result *Result
}

// Recover returns an Accessor bound to r.
func Recover(r *Result) *Accessor {
	return &Accessor{result: r}
}

// ExitCode returns the wrapped command's exit status. A missing or malformed
// exit code file yields *ParseError. Evaluation failures of the container,
// such as an *engine.ExecError from an earlier step, are returned unchanged.
func (a *Accessor) ExitCode(ctx context.Context) (int, error) {
	path := a.result.paths.ExitCode
	raw, err := a.result.container.File(path).Contents(ctx)
	if errors.Is(err, engine.ErrFileNotFound) {
		return 0, &ParseError{Path: path, Err: err}
	}
	if err != nil {
		return 0, err
	}

	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, &ParseError{Path: path, Raw: raw, Err: err}
	}
	if code < 0 {
		return 0, &ParseError{Path: path, Raw: raw, Err: fmt.Errorf("negative exit code %d", code)}
	}
	return code, nil
}

// LastCommand returns the command string recorded by the indirection.
func (a *Accessor) LastCommand(ctx context.Context) (string, error) {
	return a.result.container.File(a.result.paths.LastCommand).Contents(ctx)
}

// RecordedStdout returns the captured standard output file.
func (a *Accessor) RecordedStdout() engine.File {
	return a.result.container.File(a.result.paths.Stdout)
}

// RecordedStderr returns the captured standard error file.
func (a *Accessor) RecordedStderr() engine.File {
	return a.result.container.File(a.result.paths.Stderr)
}

// RecordedExitCode returns the exit code capture file.
func (a *Accessor) RecordedExitCode() engine.File {
	return a.result.container.File(a.result.paths.ExitCode)
}

// RecordedLastCommand returns the last command capture file.
func (a *Accessor) RecordedLastCommand() engine.File {
	return a.result.container.File(a.result.paths.LastCommand)
}

// File returns a file from the resulting container, whether or not the
// command succeeded.
func (a *Accessor) File(path string) engine.File {
	return a.result.container.File(path)
}

// Directory returns a directory from the resulting container, whether or not
// the command succeeded.
func (a *Accessor) Directory(path string) engine.Directory {
	return a.result.container.Directory(path)
}

// IfSuccessful returns the resulting container when the wrapped command
// exited 0, and an *ExecutionFailedError otherwise.
func (a *Accessor) IfSuccessful(ctx context.Context) (engine.Container, error) {
	code, err := a.ExitCode(ctx)
	if err != nil {
		return nil, err
	}
	if code == 0 {
		return a.result.container, nil
	}

	stdout, err := a.RecordedStdout().Contents(ctx)
	if err != nil {
		return nil, fmt.Errorf("read recorded stdout: %w", err)
	}
	stderr, err := a.RecordedStderr().Contents(ctx)
	if err != nil {
		return nil, fmt.Errorf("read recorded stderr: %w", err)
	}
	command, err := a.LastCommand(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last command: %w", err)
	}

	c := a.result.container
	label := c.Label()
	if label == "" {
		label = defaultLabel
	}
	var operation string
	if op, ok := c.History().LastExec(); ok {
		operation = op.Description
	}

	return nil, &ExecutionFailedError{
		Label:     label,
		Operation: operation,
		Command:   command,
		ExitCode:  code,
		Stdout:    stdout,
		Stderr:    stderr,
	}
}
