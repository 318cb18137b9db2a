package recovery

import (
	"encoding/json"
	"fmt"
	"time"

	"dr-orchestrator/internal/fault"

	"github.com/google/uuid"
)

// Level classifies how much of the system a recovery touches.
type Level string

const (
	// LevelComponent restores a single component in place.
	LevelComponent Level = "L1"
	// LevelGroup restores a consistency group to a common point in time.
	LevelGroup Level = "L2"
	// LevelSite rebuilds every component at another site.
	LevelSite Level = "L3"
)

// IsValidLevel reports whether l names a recovery level.
func IsValidLevel(l Level) bool {
	switch l {
	case LevelComponent, LevelGroup, LevelSite:
		return true
	}
	return false
}

// ExecState tracks a recovery execution through its lifecycle.
type ExecState string

const (
	ExecPlanned    ExecState = "planned"
	ExecRestoring  ExecState = "restoring"
	ExecVerifying  ExecState = "verifying"
	ExecCompleted  ExecState = "completed"
	ExecFailed     ExecState = "failed"
	ExecRolledBack ExecState = "rolled-back"
)

var execTransitions = map[ExecState][]ExecState{
	ExecPlanned:   {ExecRestoring, ExecFailed},
	ExecRestoring: {ExecVerifying, ExecFailed},
	ExecVerifying: {ExecCompleted, ExecFailed},
	ExecFailed:    {ExecRolledBack},
}

// IsTerminal reports whether an execution in this state is finished.
// Failed is not terminal: it resolves to RolledBack once the execution
// has recorded which components were already restored.
func (s ExecState) IsTerminal() bool {
	switch s {
	case ExecCompleted, ExecRolledBack:
		return true
	}
	return false
}

// Step restores one component from an ordered artifact chain. The
// chain is applied oldest first: the full backup, then each dependent
// backup up to the target point in time.
type Step struct {
	ComponentID string   `json:"component_id"`
	Order       int      `json:"order"`
	ArtifactIDs []string `json:"artifact_ids"`
}

// Plan is the immutable output of the planner: which components to
// restore, from which artifacts, in which order.
type Plan struct {
	Level         Level     `json:"level"`
	TargetSite    string    `json:"target_site,omitempty"`
	PointInTime   time.Time `json:"point_in_time"`
	Steps         []Step    `json:"steps"`
	UpgradedFrom  Level     `json:"upgraded_from,omitempty"`
	UpgradeReason string    `json:"upgrade_reason,omitempty"`
	PlannedAt     time.Time `json:"planned_at"`
}

// StepStatus records the outcome of one step during execution.
type StepStatus struct {
	ComponentID string    `json:"component_id"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Step execution states.
const (
	StepPending  = "pending"
	StepRunning  = "running"
	StepRestored = "restored"
	StepFailed   = "failed"
	StepSkipped  = "skipped"
)

// Execution is one recovery run. RolledBack means restored components
// are left as restored and the remainder untouched; reconciling the
// difference is a manual operation.
type Execution struct {
	ID          string                 `json:"id"`
	State       ExecState              `json:"state"`
	Plan        *Plan                  `json:"plan"`
	Steps       map[string]*StepStatus `json:"steps"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
}

// NewExecution creates a planned execution for a plan.
func NewExecution(plan *Plan) *Execution {
	steps := make(map[string]*StepStatus, len(plan.Steps))
	for _, s := range plan.Steps {
		steps[s.ComponentID] = &StepStatus{ComponentID: s.ComponentID, State: StepPending}
	}
	return &Execution{
		ID:        fmt.Sprintf("rec-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8]),
		State:     ExecPlanned,
		Plan:      plan,
		Steps:     steps,
		StartedAt: time.Now().UTC(),
	}
}

// Transition moves the execution to a new state.
func (e *Execution) Transition(to ExecState) error {
	if e.State.IsTerminal() {
		return fault.New(fault.KindConfiguration,
			fmt.Sprintf("recovery %s is already %s", e.ID, e.State), nil)
	}
	for _, allowed := range execTransitions[e.State] {
		if allowed == to {
			e.State = to
			if to.IsTerminal() {
				e.CompletedAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fault.New(fault.KindConfiguration,
		fmt.Sprintf("recovery %s cannot move from %s to %s", e.ID, e.State, to), nil)
}

// RestoredComponents returns the components this execution restored,
// whether or not it completed.
func (e *Execution) RestoredComponents() []string {
	var out []string
	for _, s := range e.Plan.Steps {
		if st, ok := e.Steps[s.ComponentID]; ok && st.State == StepRestored {
			out = append(out, s.ComponentID)
		}
	}
	return out
}

// ToJSON serializes the execution for the status file and CLI output.
func (e *Execution) ToJSON() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// FromJSON deserializes an execution.
func (e *Execution) FromJSON(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fault.CorruptArtifact("failed to parse recovery status", err)
	}
	return nil
}
