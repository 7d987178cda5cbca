package domain

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further legitimate transition is expected.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// JobRecord is one persisted unit of import work. Status transitions after
// creation are written by the worker only.
type JobRecord struct {
	ID           string             `json:"id"`
	OwnerID      string             `json:"account_id"`
	Kind         string             `json:"platform"`
	Label        string             `json:"handle"`
	Status       JobStatus          `json:"status"`
	Stats        map[string]float64 `json:"stats"`
	ErrorMessage *string            `json:"error_message"`
	Payload      map[string]any     `json:"payload"`
	BatchID      *string            `json:"dag_id"`
	DependsOn    []string           `json:"depends_on"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    *time.Time         `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// State projects the record onto the fields trackers expose.
func (r JobRecord) State() JobState {
	return JobState{
		ID:           r.ID,
		Status:       r.Status,
		Stats:        r.Stats,
		ErrorMessage: r.ErrorMessage,
	}.Clone()
}

// NewJob is the input for inserting a job record.
type NewJob struct {
	OwnerID   string
	Kind      string
	Label     string
	Payload   map[string]any
	DependsOn []string
	BatchID   *string
}

// Normalize trims identifiers and lower-cases the kind tag.
func (n *NewJob) Normalize() {
	n.OwnerID = strings.TrimSpace(n.OwnerID)
	n.Kind = NormalizeKind(n.Kind)
	n.Label = strings.TrimSpace(n.Label)
	if n.Payload == nil {
		n.Payload = map[string]any{}
	}
	if n.DependsOn == nil {
		n.DependsOn = []string{}
	}
}

// Validate checks the creation preconditions.
func (n NewJob) Validate() error {
	if strings.TrimSpace(n.OwnerID) == "" {
		return invalidJob("owner_id is required")
	}
	if NormalizeKind(n.Kind) == "" {
		return invalidJob("kind is required")
	}
	return nil
}

// Step is one element of a pipeline submission. DependsOn holds positional
// indices of strictly earlier steps.
type Step struct {
	Kind      string         `json:"kind"`
	Label     string         `json:"label"`
	Payload   map[string]any `json:"payload,omitempty"`
	DependsOn []int          `json:"depends_on,omitempty"`
}

// JobState is the observable view of a single job.
type JobState struct {
	ID           string             `json:"id"`
	Status       JobStatus          `json:"status"`
	Stats        map[string]float64 `json:"stats"`
	ErrorMessage *string            `json:"error_message"`
}

// Clone returns a deep copy.
func (s JobState) Clone() JobState {
	out := s
	out.Stats = copyStats(s.Stats)
	if s.ErrorMessage != nil {
		msg := *s.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}

// PipelineStatus is the aggregate status of a batch.
type PipelineStatus string

const (
	PipelineStatusIdle      PipelineStatus = "idle"
	PipelineStatusRunning   PipelineStatus = "running"
	PipelineStatusCompleted PipelineStatus = "completed"
	PipelineStatusFailed    PipelineStatus = "failed"
)

// DerivePipelineStatus aggregates member statuses. A single failure wins over
// any amount of completion.
func DerivePipelineStatus(statuses []JobStatus) PipelineStatus {
	if len(statuses) == 0 {
		return PipelineStatusIdle
	}
	for _, s := range statuses {
		if s == JobStatusFailed {
			return PipelineStatusFailed
		}
	}
	for _, s := range statuses {
		if s != JobStatusCompleted {
			return PipelineStatusRunning
		}
	}
	return PipelineStatusCompleted
}

// NormalizeKind trims and lower-cases a kind tag. Casers are stateful, so one
// is built per call.
func NormalizeKind(kind string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(kind))
}

func copyStats(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PipelineState is the observable view of a batch. Status is derived from Jobs.
type PipelineState struct {
	BatchID string         `json:"batch_id"`
	Status  PipelineStatus `json:"status"`
	Jobs    []JobState     `json:"jobs"`
}

// NewPipelineState derives the aggregate status for the given members.
func NewPipelineState(batchID string, jobs []JobState) PipelineState {
	statuses := make([]JobStatus, len(jobs))
	for i, j := range jobs {
		statuses[i] = j.Status
	}
	return PipelineState{BatchID: batchID, Status: DerivePipelineStatus(statuses), Jobs: jobs}
}

// Failed returns the members whose status is failed.
func (p PipelineState) Failed() []JobState {
	var out []JobState
	for _, j := range p.Jobs {
		if j.Status == JobStatusFailed {
			out = append(out, j)
		}
	}
	return out
}
