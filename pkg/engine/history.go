package engine

import "strings"

// OperationKind names the kind of container operation recorded in History.
type OperationKind string

const (
	OpFrom      OperationKind = "from"
	OpDirectory OperationKind = "with-directory"
	OpCache     OperationKind = "with-mounted-cache"
	OpWorkdir   OperationKind = "with-workdir"
	OpEnv       OperationKind = "with-env-variable"
	OpExec      OperationKind = "with-exec"
	OpLabel     OperationKind = "with-label"
)

// Operation is one recorded step in a container's construction.
type Operation struct {
	Kind        OperationKind
	Description string
}

// History is the ordered list of operations that produced a container.
// Append never modifies the receiver's backing array, so histories can be
// shared between parent and derived containers.
type History []Operation

// Append returns a new History with op added at the end.
func (h History) Append(op Operation) History {
	next := make(History, len(h), len(h)+1)
	copy(next, h)
	return append(next, op)
}

// LastExec returns the most recent exec operation, if any.
func (h History) LastExec() (Operation, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Kind == OpExec {
			return h[i], true
		}
	}
	return Operation{}, false
}

// Label returns the most recent label recorded in the history, or "".
func (h History) Label() string {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Kind == OpLabel {
			return h[i].Description
		}
	}
	return ""
}

func (h History) String() string {
	parts := make([]string, len(h))
	for i, op := range h {
		parts[i] = string(op.Kind) + " " + op.Description
	}
	return strings.Join(parts, " -> ")
}

// DescribeExec is the default history description for an exec of args.
func DescribeExec(args []string) string {
	return strings.Join(args, " ")
}
