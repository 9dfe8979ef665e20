package scm

import "context"

// State is a commit status state understood by SCM providers.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

// Revision identifies the source tree a pipeline ran against.
type Revision struct {
	Commit string `json:"commit"`
	Branch string `json:"branch,omitempty"`
	Dirty  bool   `json:"dirty"`
}

// Short returns the abbreviated commit hash.
func (r Revision) Short() string {
	if len(r.Commit) > 8 {
		return r.Commit[:8]
	}
	return r.Commit
}

// Status is a single commit status update.
type Status struct {
	Revision    Revision
	State       State
	Name        string
	Description string
}

// StatusReporter publishes pipeline state for a revision. Implementations are
// provider specific.
type StatusReporter interface {
	ReportStatus(ctx context.Context, status Status) error
}
