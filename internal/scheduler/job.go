package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/fault"

	"github.com/google/uuid"
)

// JobState tracks a backup job through its lifecycle.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobVerifying JobState = "verifying"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobSkipped   JobState = "skipped"
)

// jobTransitions lists the legal state changes. Verifying may return to
// Running because a failed verification re-runs the whole attempt.
var jobTransitions = map[JobState][]JobState{
	JobPending:   {JobRunning, JobSkipped, JobFailed},
	JobRunning:   {JobVerifying, JobFailed},
	JobVerifying: {JobCompleted, JobRunning, JobFailed},
}

// IsTerminal reports whether a job in this state is finished.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobSkipped:
		return true
	}
	return false
}

// Job is one backup execution for one component. Terminal jobs are
// immutable; a new trigger creates a new job.
type Job struct {
	ID          string        `json:"id"`
	ComponentID string        `json:"component_id"`
	Kind        artifact.Kind `json:"kind"`
	State       JobState      `json:"state"`
	Attempts    int           `json:"attempts"`
	ArtifactID  string        `json:"artifact_id,omitempty"`
	SkipReason  string        `json:"skip_reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

// NewJob creates a pending job for a component and backup kind.
func NewJob(componentID string, kind artifact.Kind) *Job {
	return &Job{
		ID:          fmt.Sprintf("job-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8]),
		ComponentID: componentID,
		Kind:        kind,
		State:       JobPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Transition moves the job to a new state, rejecting moves out of a
// terminal state or not present in the transition table.
func (j *Job) Transition(to JobState) error {
	if j.State.IsTerminal() {
		return fault.New(fault.KindConfiguration,
			fmt.Sprintf("job %s is already %s", j.ID, j.State), nil)
	}
	for _, allowed := range jobTransitions[j.State] {
		if allowed == to {
			j.State = to
			switch to {
			case JobRunning:
				if j.StartedAt.IsZero() {
					j.StartedAt = time.Now().UTC()
				}
			case JobCompleted, JobFailed, JobSkipped:
				j.CompletedAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fault.New(fault.KindConfiguration,
		fmt.Sprintf("job %s cannot move from %s to %s", j.ID, j.State, to), nil)
}

// Duration returns how long the job ran, or zero if it never started.
func (j *Job) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// ToJSON serializes the job for status output.
func (j *Job) ToJSON() ([]byte, error) {
	return json.MarshalIndent(j, "", "  ")
}
