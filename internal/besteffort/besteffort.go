// Package besteffort runs a command in a container without letting a non-zero
// exit abort the pipeline. The command's exit code, command text, stdout and
// stderr are captured to fixed files inside the resulting container, and the
// failure can be raised later through an Accessor once partial outputs have
// been extracted.
package besteffort

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alessio/shellescape"

	"pipelines/pkg/engine"
)

// Fixed capture paths inside the container filesystem.
const (
	ExitCodePath    = "/tmp/exit_code"
	LastCommandPath = "/tmp/last_command"
	StderrPath      = "/tmp/stderr"
	StdoutPath      = "/tmp/stdout"
)

// ErrEmptyCommand is returned by New when no arguments are given.
var ErrEmptyCommand = errors.New("best-effort exec requires a command")

// Paths holds the four capture file locations.
type Paths struct {
	ExitCode    string
	LastCommand string
	Stdout      string
	Stderr      string
}

// DefaultPaths returns the fixed capture paths used in containers.
func DefaultPaths() Paths {
	return Paths{
		ExitCode:    ExitCodePath,
		LastCommand: LastCommandPath,
		Stdout:      StdoutPath,
		Stderr:      StderrPath,
	}
}

// Option configures an Exec.
type Option func(*Exec)

// WithExecOptions merges opts into the outer exec. Redirect targets in opts
// are always replaced by the capture paths.
func WithExecOptions(opts engine.ExecOptions) Option {
	return func(e *Exec) {
		e.opts = e.opts.Merge(opts)
	}
}

// WithPaths overrides the capture paths. Only engines whose filesystem is
// shared between runs need this.
func WithPaths(p Paths) Option {
	return func(e *Exec) {
		e.paths = p
	}
}

// Exec is a command prepared for best-effort execution.
type Exec struct {
	args    []string
	command string
	opts    engine.ExecOptions
	paths   Paths
}

// New prepares args for best-effort execution. args[0] is the program.
func New(args []string, options ...Option) (*Exec, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, ErrEmptyCommand
	}

	e := &Exec{
		args:    append([]string(nil), args...),
		command: shellescape.QuoteCommand(args),
		paths:   DefaultPaths(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// Command returns the literal command string that the script evaluates.
func (e *Exec) Command() string {
	return e.command
}

// Paths returns the capture paths this Exec writes to.
func (e *Exec) Paths() Paths {
	return e.paths
}

// Script returns the shell script run by the outer exec. The command is
// evaluated in a sub-shell so the script itself always exits 0.
func (e *Exec) Script() string {
	lines := []string{
		"cmd=" + shellescape.Quote(e.command),
		`(eval "$cmd")`,
		"code=$?",
		`printf '%s' "$code" > ` + shellescape.Quote(e.paths.ExitCode),
		`printf '%s' "$cmd" > ` + shellescape.Quote(e.paths.LastCommand),
		"exit 0",
	}
	return strings.Join(lines, "\n")
}

// Args returns the argument vector of the outer exec.
func (e *Exec) Args() []string {
	return []string{"sh", "-c", e.Script()}
}

// ExecOptions returns the options of the outer exec, with the capture
// redirects applied on top of any caller-supplied options.
func (e *Exec) ExecOptions() engine.ExecOptions {
	opts := e.opts.Merge(engine.ExecOptions{
		RedirectStdout: e.paths.Stdout,
		RedirectStderr: e.paths.Stderr,
	})
	if opts.Description == "" {
		opts.Description = fmt.Sprintf("best-effort %s", e.command)
	}
	return opts
}

// Apply runs the indirection on c and returns the decorated result. Apply
// does not evaluate c.
func (e *Exec) Apply(c engine.Container) *Result {
	return &Result{
		container: c.WithExec(e.Args(), e.ExecOptions()),
		paths:     e.paths,
		command:   e.command,
	}
}

// Run is shorthand for New followed by Apply.
func Run(c engine.Container, args []string, options ...Option) (*Result, error) {
	e, err := New(args, options...)
	if err != nil {
		return nil, err
	}
	return e.Apply(c), nil
}

// Result is a container on which a best-effort exec has been applied. It
// supports every container operation through Container.
type Result struct {
	container engine.Container
	paths     Paths
	command   string
}

// Container returns the resulting container. Further operations on it behave
// exactly as on an unwrapped container.
func (r *Result) Container() engine.Container {
	return r.container
}

// Command returns the literal command string that was wrapped.
func (r *Result) Command() string {
	return r.command
}

// Paths returns the capture paths of this result.
func (r *Result) Paths() Paths {
	return r.paths
}

// Recover returns an Accessor bound to r.
func (r *Result) Recover() *Accessor {
	return Recover(r)
}
