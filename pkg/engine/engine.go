// Package engine defines the contract between the pipeline and the container
// engine that executes it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrFileNotFound is wrapped by File reads when the container evaluated but
// the path does not exist in it.
var ErrFileNotFound = errors.New("file not found in container")

// ExecOptions configures a single WithExec call.
type ExecOptions struct {
	// RedirectStdout writes the command's standard output to this path inside
	// the container instead of keeping it as the container's stdout.
	RedirectStdout string
	// RedirectStderr is the standard error counterpart of RedirectStdout.
	RedirectStderr string
	// Env is applied to this exec only, on top of the container environment.
	Env map[string]string
	// Description replaces the default history entry for this exec.
	Description string
}

// Merge returns o with every non-empty field of override applied on top.
// Env maps are combined, override winning on conflicting keys.
func (o ExecOptions) Merge(override ExecOptions) ExecOptions {
	merged := o
	if override.RedirectStdout != "" {
		merged.RedirectStdout = override.RedirectStdout
	}
	if override.RedirectStderr != "" {
		merged.RedirectStderr = override.RedirectStderr
	}
	if override.Description != "" {
		merged.Description = override.Description
	}
	if len(o.Env) > 0 || len(override.Env) > 0 {
		merged.Env = make(map[string]string, len(o.Env)+len(override.Env))
		for k, v := range o.Env {
			merged.Env[k] = v
		}
		for k, v := range override.Env {
			merged.Env[k] = v
		}
	}
	return merged
}

// Container is an immutable, lazily evaluated handle to a filesystem snapshot
// plus the configuration used to run commands in it. Every With* method
// returns a new Container and leaves the receiver untouched. Evaluation
// happens on Sync, Stdout, or when a File or Directory is read or exported.
type Container interface {
	WithDirectory(path string, dir Directory) Container
	WithMountedCache(path string, cache string) Container
	WithWorkdir(path string) Container
	WithEnvVariable(name, value string) Container
	WithExec(args []string, opts ExecOptions) Container
	// WithLabel tags the container with a human readable step label that
	// surfaces in failure messages.
	WithLabel(label string) Container

	File(path string) File
	Directory(path string) Directory

	// Sync evaluates the container. A non-zero exit from any exec in the
	// chain is returned as *ExecError.
	Sync(ctx context.Context) error
	// Stdout evaluates the container and returns the stdout of the last exec.
	Stdout(ctx context.Context) (string, error)

	Label() string
	History() History
}

// File is a file inside a container snapshot.
type File interface {
	Path() string
	Contents(ctx context.Context) (string, error)
	Export(ctx context.Context, hostPath string) error
}

// Directory is a directory inside a container snapshot or on the host.
type Directory interface {
	Path() string
	Export(ctx context.Context, hostPath string) error
}

// Engine creates containers and host-side inputs for them.
type Engine interface {
	Name() string
	Container(image string) Container
	HostDirectory(path string, exclude []string) Directory
	Close() error
}

// ExecError is returned when an exec evaluated as part of a container exits
// non-zero.
type ExecError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("exec %q exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}
