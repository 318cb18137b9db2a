package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dr-orchestrator/internal/adapter"
	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/backoff"
	"dr-orchestrator/internal/config"
	"dr-orchestrator/internal/fault"
	"dr-orchestrator/internal/logging"
	"dr-orchestrator/internal/metrics"
	"dr-orchestrator/internal/notify"
	"dr-orchestrator/internal/verify"

	"github.com/robfig/cron/v3"
)

// RecoveryGuard tells the scheduler whether a recovery is in progress.
// Backups never run against components that are being restored.
type RecoveryGuard interface {
	Held() bool
}

// noGuard is used when no recovery manager is wired in.
type noGuard struct{}

func (noGuard) Held() bool { return false }

// Scheduler triggers backup jobs on cron schedules and enforces the
// single-flight rule: at most one non-terminal job per component. A
// trigger that finds the component busy is skipped, never queued.
type Scheduler struct {
	registry *adapter.Registry
	adapters map[string]adapter.Adapter
	store    artifact.Store
	verifier *verify.Engine
	gateway  notify.Gateway
	metrics  *metrics.Metrics
	logger   *logging.Logger
	guard    RecoveryGuard

	retry         config.RetryConfig
	retentionDays int
	cron          *cron.Cron
	workers       chan struct{}

	mu       sync.Mutex
	inflight map[string]*Job
	history  []*Job
}

// Options wires the scheduler's collaborators.
type Options struct {
	Registry      *adapter.Registry
	Adapters      map[string]adapter.Adapter
	Store         artifact.Store
	Verifier      *verify.Engine
	Gateway       notify.Gateway
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
	Guard         RecoveryGuard
	Retry         config.RetryConfig
	RetentionDays int
	Workers       int
}

// New creates a scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Registry == nil || opts.Store == nil || opts.Verifier == nil {
		return nil, fault.Configuration("scheduler requires a registry, store and verifier", nil)
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
	if opts.Guard == nil {
		opts.Guard = noGuard{}
	}
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 3
	}
	if opts.RetentionDays < 1 {
		opts.RetentionDays = 30
	}

	return &Scheduler{
		registry:      opts.Registry,
		adapters:      opts.Adapters,
		store:         opts.Store,
		verifier:      opts.Verifier,
		gateway:       opts.Gateway,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		guard:         opts.Guard,
		retry:         opts.Retry,
		retentionDays: opts.RetentionDays,
		cron:          cron.New(),
		workers:       make(chan struct{}, opts.Workers),
		inflight:      make(map[string]*Job),
	}, nil
}

// Start registers the cron schedules and begins triggering jobs.
func (s *Scheduler) Start(ctx context.Context, schedules config.ScheduleConfig) error {
	entries := []struct {
		spec string
		kind artifact.Kind
	}{
		{schedules.Full, artifact.KindFull},
		{schedules.Incremental, artifact.KindIncremental},
		{schedules.TransactionLog, artifact.KindTransactionLog},
	}

	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		kind := e.kind
		if _, err := s.cron.AddFunc(e.spec, func() {
			s.TriggerAll(ctx, kind)
		}); err != nil {
			return fault.Configuration(
				fmt.Sprintf("invalid cron expression for %s backups", kind), err)
		}
	}

	s.cron.Start()
	s.logger.Info("Backup scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	for i := 0; i < cap(s.workers); i++ {
		s.workers <- struct{}{}
	}
	for i := 0; i < cap(s.workers); i++ {
		<-s.workers
	}
	s.logger.Info("Backup scheduler stopped")
}

// TriggerAll fires a backup of the given kind for every component that
// supports it.
func (s *Scheduler) TriggerAll(ctx context.Context, kind artifact.Kind) {
	for _, comp := range s.registry.All() {
		ad, ok := s.adapters[comp.ID]
		if !ok || !ad.Supports(kind) {
			continue
		}
		go func(id string) {
			if _, err := s.Trigger(ctx, id, kind); err != nil {
				s.logger.WithFields(map[string]interface{}{
					"component": id,
					"kind":      string(kind),
					"error":     err.Error(),
				}).Error("Scheduled backup failed")
			}
		}(comp.ID)
	}
}

// Trigger starts a backup job for one component. It returns immediately
// with a skipped job when the component already has a non-terminal job
// or a recovery is in progress.
func (s *Scheduler) Trigger(ctx context.Context, componentID string, kind artifact.Kind) (*Job, error) {
	ad, ok := s.adapters[componentID]
	if !ok {
		return nil, fault.NotFound(fmt.Sprintf("component %s is not registered", componentID), nil)
	}
	if !ad.Supports(kind) {
		return nil, fault.Configuration(
			fmt.Sprintf("component %s does not support %s backups", componentID, kind), nil)
	}

	job := NewJob(componentID, kind)

	if skipped := s.admit(job); skipped != "" {
		job.SkipReason = skipped
		s.transition(job, JobSkipped)
		s.metrics.JobsSkipped.WithLabelValues(componentID, skipped).Inc()
		s.logger.WithFields(map[string]interface{}{
			"component": componentID,
			"kind":      string(kind),
			"reason":    skipped,
		}).Warn("Backup trigger skipped")
		s.record(job)
		return job, nil
	}

	defer s.release(componentID, job)

	s.workers <- struct{}{}
	defer func() { <-s.workers }()

	s.run(ctx, ad, job)
	return job, nil
}

// admit registers the job as the component's in-flight job, or returns
// the skip reason when it cannot run.
func (s *Scheduler) admit(job *Job) string {
	if s.guard.Held() {
		return "recovery_in_progress"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.inflight[job.ComponentID]; ok && !cur.State.IsTerminal() {
		return "job_in_flight"
	}
	s.inflight[job.ComponentID] = job
	return ""
}

func (s *Scheduler) release(componentID string, job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[componentID] == job {
		delete(s.inflight, componentID)
	}
	s.recordLocked(job)
}

func (s *Scheduler) record(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(job)
}

func (s *Scheduler) recordLocked(job *Job) {
	s.history = append(s.history, job)
	if len(s.history) > 1000 {
		s.history = s.history[len(s.history)-1000:]
	}
}

// Jobs returns recent jobs, newest first.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.history))
	copy(out, s.history)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// run executes the attempt loop. Each attempt produces, stores and
// verifies a fresh artifact; an artifact that fails verification is
// deleted so it can never become a recovery point. Integrity faults
// stop the loop immediately.
func (s *Scheduler) run(ctx context.Context, ad adapter.Adapter, job *Job) {
	s.transition(job, JobRunning)

	policy := backoff.Policy{
		Initial:    s.retry.InitialInterval,
		Multiplier: s.retry.Multiplier,
		Max:        s.retry.MaxInterval,
	}
	if policy.Initial <= 0 {
		policy = backoff.Default
	}

	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		job.Attempts = attempt

		art, err := s.attempt(ctx, ad, job)
		if err == nil {
			job.ArtifactID = art.ID
			s.transition(job, JobCompleted)
			s.finish(job, art, nil)
			return
		}
		lastErr = err

		if !s.shouldRetry(err) {
			break
		}
		if attempt < s.retry.MaxAttempts {
			if sleepErr := backoff.Sleep(ctx, policy.Interval(attempt)); sleepErr != nil {
				lastErr = fault.TransientIO("backup retry interrupted", sleepErr)
				break
			}
			// An attempt that failed before verification left the job
			// in Running already.
			if job.State == JobVerifying {
				s.transition(job, JobRunning)
			}
		}
	}

	job.Error = lastErr.Error()
	s.transition(job, JobFailed)
	s.finish(job, nil, lastErr)
}

// transition applies a state change the job flow guarantees is legal
// and logs any rejected move instead of dropping it.
func (s *Scheduler) transition(job *Job, to JobState) {
	if err := job.Transition(to); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"state":  string(job.State),
			"to":     string(to),
		}).Warn("Rejected job state transition")
	}
}

// shouldRetry permits retries for transient IO and for failed
// verification, where a fresh attempt may produce a good artifact.
func (s *Scheduler) shouldRetry(err error) bool {
	return fault.IsRetryable(err) || fault.IsKind(err, fault.KindVerification)
}

// attempt runs one backup, store and verify cycle.
func (s *Scheduler) attempt(ctx context.Context, ad adapter.Adapter, job *Job) (*artifact.Artifact, error) {
	baseline, err := s.baselineFor(ctx, job.ComponentID, job.Kind)
	if err != nil {
		return nil, err
	}

	data, err := ad.Backup(ctx, adapter.BackupRequest{Kind: job.Kind, Baseline: baseline})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	meta := artifact.Metadata{
		ComponentID:     job.ComponentID,
		Kind:            job.Kind,
		CreatedAt:       now,
		RetentionExpiry: now.Add(time.Duration(s.retentionDays) * 24 * time.Hour),
	}
	if baseline != nil {
		meta.BaselineID = baseline.ID
	}

	art, err := s.store.Put(ctx, data, meta)
	if err != nil {
		return nil, err
	}

	s.transition(job, JobVerifying)
	result, err := s.verifier.VerifyBackup(ctx, ad, art)
	if err != nil {
		s.deleteQuietly(ctx, art.ID)
		return nil, err
	}
	s.metrics.VerificationTotal.WithLabelValues(
		job.ComponentID, result.Stage, verifyResultLabel(result.Passed)).Inc()

	if !result.Passed {
		s.deleteQuietly(ctx, art.ID)
		return nil, fault.Verification(
			fmt.Sprintf("artifact %s failed %s verification: %s", art.ID, result.Stage, result.Reason), nil)
	}

	return art, nil
}

func verifyResultLabel(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}

// baselineFor returns the chain tip a dependent backup builds on: the
// most recent completed full or incremental artifact for the component.
func (s *Scheduler) baselineFor(ctx context.Context, componentID string, kind artifact.Kind) (*artifact.Artifact, error) {
	if kind == artifact.KindFull {
		return nil, nil
	}

	existing, err := s.store.List(ctx, artifact.Filter{ComponentID: componentID})
	if err != nil {
		return nil, err
	}

	var tip *artifact.Artifact
	for _, a := range existing {
		if a.Kind == artifact.KindTransactionLog {
			continue
		}
		if tip == nil || a.CreatedAt.After(tip.CreatedAt) {
			tip = a
		}
	}
	if tip == nil {
		return nil, fault.MissingBaseline(
			fmt.Sprintf("component %s has no full backup to base a %s backup on", componentID, kind), nil)
	}
	return tip, nil
}

func (s *Scheduler) deleteQuietly(ctx context.Context, artifactID string) {
	if err := s.store.Delete(ctx, artifactID); err != nil && !fault.IsKind(err, fault.KindNotFound) {
		s.logger.WithFields(map[string]interface{}{
			"artifact_id": artifactID,
			"error":       err.Error(),
		}).Warn("Failed to remove unverified artifact")
	}
}

// finish records metrics, logs and notifications for a terminal job.
// A failed job emits exactly one notification regardless of how many
// attempts it burned.
func (s *Scheduler) finish(job *Job, art *artifact.Artifact, err error) {
	s.metrics.ObserveJob(job.ComponentID, string(job.Kind), string(job.State), job.Duration())
	s.logger.LogBackupJob(job.ComponentID, job.ID, job.ArtifactID, job.Duration(), job.Attempts, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err == nil {
		s.metrics.MarkBackupSuccess(job.ComponentID, art.CreatedAt)
		return
	}

	severity := notify.SeverityCritical
	if fault.IsKind(err, fault.KindMissingBaseline) {
		severity = notify.SeverityWarning
	}
	s.gateway.Notify(ctx, notify.Event{
		Severity:      severity,
		Component:     job.ComponentID,
		Message:       fmt.Sprintf("%s backup failed after %d attempts: %v", job.Kind, job.Attempts, err),
		CorrelationID: job.ID,
		Timestamp:     time.Now().UTC(),
	})
}
