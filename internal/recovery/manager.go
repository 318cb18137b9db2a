package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dr-orchestrator/internal/adapter"
	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/fault"
	"dr-orchestrator/internal/logging"
	"dr-orchestrator/internal/metrics"
	"dr-orchestrator/internal/notify"
	"dr-orchestrator/internal/verify"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const statusFileName = "recovery-status.json"

// Replicator is what a site recovery needs from the replication layer:
// bring the target site current, then promote it to primary.
type Replicator interface {
	EnsureCurrent(ctx context.Context, targetSite string) error
	Promote(ctx context.Context, targetSite string) error
}

// Manager executes recovery plans. It owns the recovery token, so at
// most one execution runs at a time; concurrent requests fail fast.
type Manager struct {
	token      *Token
	registry   *adapter.Registry
	adapters   map[string]adapter.Adapter
	stores     map[string]artifact.Store
	primary    string
	verifier   *verify.Engine
	replicator Replicator
	gateway    notify.Gateway
	metrics    *metrics.Metrics
	logger     *logging.Logger

	skewTolerance time.Duration
	stateDir      string
}

// ManagerOptions wires the manager's collaborators.
type ManagerOptions struct {
	Registry      *adapter.Registry
	Adapters      map[string]adapter.Adapter
	Stores        map[string]artifact.Store
	PrimarySite   string
	Verifier      *verify.Engine
	Replicator    Replicator
	Gateway       notify.Gateway
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
	SkewTolerance time.Duration
	StateDir      string
}

// NewManager creates a recovery manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Registry == nil || opts.Verifier == nil {
		return nil, fault.Configuration("recovery manager requires a registry and verifier", nil)
	}
	if _, ok := opts.Stores[opts.PrimarySite]; !ok {
		return nil, fault.Configuration(
			fmt.Sprintf("no store configured for primary site %s", opts.PrimarySite), nil)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDefaultLogger()
	}
	if opts.Gateway == nil {
		opts.Gateway = notify.Discard{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	return &Manager{
		token:         NewToken(opts.StateDir),
		registry:      opts.Registry,
		adapters:      opts.Adapters,
		stores:        opts.Stores,
		primary:       opts.PrimarySite,
		verifier:      opts.Verifier,
		replicator:    opts.Replicator,
		gateway:       opts.Gateway,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		skewTolerance: opts.SkewTolerance,
		stateDir:      opts.StateDir,
	}, nil
}

// Guard exposes the token for the backup scheduler.
func (m *Manager) Guard() *Token { return m.token }

// Run plans and executes a recovery. The token is taken before any
// state is read or mutated and released on every exit path.
func (m *Manager) Run(ctx context.Context, req Request) (*Execution, error) {
	executionID := fmt.Sprintf("rec-%s-%s",
		time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])

	if err := m.token.TryAcquire(executionID); err != nil {
		return nil, err
	}
	defer m.token.Release()

	m.metrics.RecoveryActive.Set(1)
	defer m.metrics.RecoveryActive.Set(0)

	store := m.stores[m.primary]
	if req.Level == LevelSite {
		target, ok := m.stores[req.TargetSite]
		if !ok {
			return nil, fault.Configuration(
				fmt.Sprintf("no store configured for target site %s", req.TargetSite), nil)
		}
		if m.replicator != nil {
			if err := m.replicator.EnsureCurrent(ctx, req.TargetSite); err != nil {
				return nil, err
			}
		}
		store = target
	}

	artifacts, err := store.List(ctx, artifact.Filter{})
	if err != nil {
		return nil, err
	}

	plan, err := BuildPlan(req, SystemState{
		Registry:      m.registry,
		Artifacts:     artifacts,
		SkewTolerance: m.skewTolerance,
	})
	if err != nil {
		return nil, err
	}
	if plan.UpgradedFrom != "" {
		m.logger.WithFields(map[string]interface{}{
			"from":   string(plan.UpgradedFrom),
			"to":     string(plan.Level),
			"reason": plan.UpgradeReason,
		}).Warn("Recovery level upgraded to keep the consistency group aligned")
	}

	exec := NewExecution(plan)
	exec.ID = executionID
	m.persist(exec)

	if err := m.execute(ctx, exec, store); err != nil {
		exec.Error = err.Error()
		exec.Transition(ExecFailed)
		m.rollBack(exec)
		m.persist(exec)
		m.metrics.RecoveryExecutions.WithLabelValues(string(plan.Level), string(exec.State)).Inc()
		m.notifyOutcome(exec, err)
		return exec, err
	}

	exec.Transition(ExecCompleted)
	m.persist(exec)
	m.metrics.RecoveryExecutions.WithLabelValues(string(plan.Level), string(exec.State)).Inc()

	if plan.Level == LevelSite && m.replicator != nil {
		if err := m.replicator.Promote(ctx, req.TargetSite); err != nil {
			m.notifyOutcome(exec, err)
			return exec, err
		}
		m.gateway.Notify(ctx, notify.Event{
			Severity:      notify.SeverityCritical,
			Message:       fmt.Sprintf("site %s promoted to primary, repoint clients now", req.TargetSite),
			CorrelationID: exec.ID,
			Timestamp:     time.Now().UTC(),
		})
	}

	m.notifyOutcome(exec, nil)
	return exec, nil
}

// execute restores the plan's steps. Steps sharing a dependency order
// run concurrently; a failure cancels the rest of the group and stops
// the execution before any later order starts.
func (m *Manager) execute(ctx context.Context, exec *Execution, store artifact.Store) error {
	if err := exec.Transition(ExecRestoring); err != nil {
		return err
	}
	m.persist(exec)

	for _, group := range groupByOrder(exec.Plan.Steps) {
		g, groupCtx := errgroup.WithContext(ctx)
		for _, step := range group {
			step := step
			g.Go(func() error {
				return m.restoreStep(groupCtx, exec, step, store)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		m.persist(exec)
	}

	if err := exec.Transition(ExecVerifying); err != nil {
		return err
	}
	m.persist(exec)

	if failing := m.probeRestored(ctx, exec); len(failing) > 0 {
		m.persist(exec)
		return fault.Verification(fmt.Sprintf(
			"components %v report unhealthy after the full restore set completed", failing), nil)
	}
	return nil
}

// probeRestored re-checks every restored component once the whole set
// has been applied. A later restore can break an earlier component, so
// the per-step verification alone is not enough.
func (m *Manager) probeRestored(ctx context.Context, exec *Execution) []string {
	var failing []string
	for _, step := range exec.Plan.Steps {
		status, ok := exec.Steps[step.ComponentID]
		if !ok || status.State != StepRestored {
			continue
		}
		ad, ok := m.adapters[step.ComponentID]
		if !ok {
			continue
		}
		if health := ad.HealthCheck(ctx); health != adapter.Healthy {
			status.State = StepFailed
			status.Error = fmt.Sprintf("component reports %s after the full restore set", health)
			failing = append(failing, step.ComponentID)
		}
	}
	return failing
}

// restoreStep quiesces a component, applies its artifact chain oldest
// first, verifies the restored state and resumes the component.
func (m *Manager) restoreStep(ctx context.Context, exec *Execution, step Step, store artifact.Store) error {
	status := exec.Steps[step.ComponentID]
	status.State = StepRunning
	status.StartedAt = time.Now().UTC()

	err := m.applyChain(ctx, step, store)

	status.FinishedAt = time.Now().UTC()
	if err != nil {
		status.State = StepFailed
		status.Error = err.Error()
	} else {
		status.State = StepRestored
	}
	m.logger.LogRestoreStep(exec.ID, step.ComponentID, step.ArtifactIDs,
		status.FinishedAt.Sub(status.StartedAt), err)
	return err
}

func (m *Manager) applyChain(ctx context.Context, step Step, store artifact.Store) error {
	ad, ok := m.adapters[step.ComponentID]
	if !ok {
		return fault.NotFound(fmt.Sprintf("no adapter for component %s", step.ComponentID), nil)
	}

	if err := ad.Quiesce(ctx); err != nil {
		return fault.TransientIO(
			fmt.Sprintf("failed to quiesce component %s", step.ComponentID), err)
	}
	defer ad.Resume(ctx)

	var lastArt *artifact.Artifact
	var lastData []byte
	for _, id := range step.ArtifactIDs {
		art, err := store.GetArtifact(ctx, id)
		if err != nil {
			return err
		}
		data, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := ad.Restore(ctx, art, data); err != nil {
			return err
		}
		lastArt, lastData = art, data
	}

	result, err := m.verifier.VerifyRestore(ctx, ad, lastArt, lastData)
	if err != nil {
		return err
	}
	if !result.Passed {
		return fault.Verification(fmt.Sprintf(
			"component %s failed post-restore verification at %s: %s",
			step.ComponentID, result.Stage, result.Reason), nil)
	}
	return nil
}

// rollBack resolves a failed execution. Components already restored are
// left restored; untouched steps are marked skipped. Reconciling the
// difference is a manual operation, which the notification demands.
func (m *Manager) rollBack(exec *Execution) {
	for _, status := range exec.Steps {
		if status.State == StepPending || status.State == StepRunning {
			status.State = StepSkipped
		}
	}
	exec.Transition(ExecRolledBack)
}

func (m *Manager) notifyOutcome(exec *Execution, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err == nil {
		m.gateway.Notify(ctx, notify.Event{
			Severity:      notify.SeverityInfo,
			Message:       fmt.Sprintf("%s recovery completed", exec.Plan.Level),
			CorrelationID: exec.ID,
			Timestamp:     time.Now().UTC(),
		})
		return
	}

	restored := exec.RestoredComponents()
	m.gateway.Notify(ctx, notify.Event{
		Severity: notify.SeverityCritical,
		Message: fmt.Sprintf(
			"%s recovery failed and was rolled back: %v; components %v are restored, the rest untouched, manual intervention required",
			exec.Plan.Level, err, restored),
		CorrelationID: exec.ID,
		Timestamp:     time.Now().UTC(),
	})
}

// persist writes the execution to the status file. Failures are logged
// and tolerated; the status file is advisory.
func (m *Manager) persist(exec *Execution) {
	if m.stateDir == "" {
		return
	}
	data, err := exec.ToJSON()
	if err != nil {
		m.logger.Warnf("Failed to serialize recovery status: %v", err)
		return
	}
	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		m.logger.Warnf("Failed to create recovery state directory: %v", err)
		return
	}
	path := filepath.Join(m.stateDir, statusFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		m.logger.Warnf("Failed to write recovery status: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		m.logger.Warnf("Failed to commit recovery status: %v", err)
	}
}

// Status returns the most recent recovery execution, or nil when none
// has been recorded.
func (m *Manager) Status() (*Execution, error) {
	if m.stateDir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(m.stateDir, statusFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.TransientIO("failed to read recovery status", err)
	}
	var exec Execution
	if err := exec.FromJSON(data); err != nil {
		return nil, err
	}
	return &exec, nil
}

func groupByOrder(steps []Step) [][]Step {
	var groups [][]Step
	for _, step := range steps {
		if n := len(groups); n > 0 && groups[n-1][0].Order == step.Order {
			groups[n-1] = append(groups[n-1], step)
			continue
		}
		groups = append(groups, []Step{step})
	}
	return groups
}
