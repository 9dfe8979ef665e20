package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pipelines/internal/pipeline"
	"pipelines/internal/scm"
)

// StageStatus is the outcome of one stage in a run record.
type StageStatus string

const (
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StagePlanned   StageStatus = "planned"
)

const (
	RunRecordFileName      = "run.json"
	RunRecordSchemaVersion = "1.0"
)

// StageRecord tracks one stage of a run.
type StageRecord struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// RunRecord is the persisted summary of a pipeline run, written to run.json
// in the output directory.
type RunRecord struct {
	SchemaVersion string              `json:"schema_version"`
	RunID         string              `json:"run_id"`
	Pipeline      string              `json:"pipeline"`
	Label         string              `json:"label"`
	Engine        string              `json:"engine"`
	Revision      *scm.Revision       `json:"revision,omitempty"`
	ExitCode      *int                `json:"exit_code,omitempty"`
	LastCommand   string              `json:"last_command,omitempty"`
	Stages        []StageRecord       `json:"stages"`
	Artifacts     []pipeline.Artifact `json:"artifacts,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	LastUpdatedAt time.Time           `json:"last_updated_at"`

	path string
}

// newRunRecord creates a record for a fresh run
func newRunRecord(runID, pipelineName, label, engineName string) *RunRecord {
	now := time.Now()
	return &RunRecord{
		SchemaVersion: RunRecordSchemaVersion,
		RunID:         runID,
		Pipeline:      pipelineName,
		Label:         label,
		Engine:        engineName,
		Stages:        []StageRecord{},
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

func (r *RunRecord) stage(name string) *StageRecord {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	r.Stages = append(r.Stages, StageRecord{Name: name})
	return &r.Stages[len(r.Stages)-1]
}

func (r *RunRecord) startStage(name string) {
	now := time.Now()
	s := r.stage(name)
	s.Status = StageRunning
	s.StartedAt = &now
}

func (r *RunRecord) finishStage(name string, err error) {
	now := time.Now()
	s := r.stage(name)
	s.FinishedAt = &now
	if err != nil {
		s.Status = StageFailed
		s.Error = err.Error()
		return
	}
	s.Status = StageSucceeded
}

func (r *RunRecord) markStage(name string, status StageStatus) {
	r.stage(name).Status = status
}

// Stage returns the record of the named stage.
func (r *RunRecord) Stage(name string) (StageRecord, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageRecord{}, false
}

// Path returns where the record was last saved, or "" if it never was.
func (r *RunRecord) Path() string {
	return r.path
}

// Save writes the record to dir/run.json.
func (r *RunRecord) Save(dir string) error {
	r.LastUpdatedAt = time.Now()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize run record: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run record directory: %w", err)
	}

	path := filepath.Join(dir, RunRecordFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	r.path = path
	return nil
}

// LoadRunRecord reads a run record written by Save.
func LoadRunRecord(path string) (*RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run record: %w", err)
	}

	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse run record: %w", err)
	}
	record.path = path
	return &record, nil
}
