package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/backoff"
	"dr-orchestrator/internal/fault"
	"dr-orchestrator/internal/logging"
	"dr-orchestrator/internal/metrics"
	"dr-orchestrator/internal/notify"
)

const watermarkFileName = "replication-watermarks.json"

// SyncResult reports one replication pass to one target site.
type SyncResult struct {
	TargetSite string        `json:"target_site"`
	Copied     int           `json:"copied"`
	Watermark  time.Time     `json:"watermark"`
	Lag        time.Duration `json:"lag"`
	SyncedAt   time.Time     `json:"synced_at"`
}

// Coordinator copies artifacts from the primary site to secondary sites
// and tracks a per-target watermark: the creation time of the newest
// artifact known to be fully replicated. The watermark only advances
// past data that actually landed on the target.
type Coordinator struct {
	stores  map[string]artifact.Store
	primary string
	gateway notify.Gateway
	metrics *metrics.Metrics
	logger  *logging.Logger

	rpo      time.Duration
	retry    backoff.Policy
	attempts int
	stateDir string

	mu         sync.Mutex
	watermarks map[string]time.Time
	now        func() time.Time
}

// CoordinatorOptions wires the coordinator's collaborators.
type CoordinatorOptions struct {
	Stores      map[string]artifact.Store
	PrimarySite string
	Gateway     notify.Gateway
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
	RPO         time.Duration
	Retry       backoff.Policy
	MaxAttempts int
	StateDir    string
}

// NewCoordinator creates a replication coordinator and loads persisted
// watermarks from the state directory.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
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
	if opts.Retry.Initial <= 0 {
		opts.Retry = backoff.Default
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RPO <= 0 {
		opts.RPO = 4 * time.Hour
	}

	c := &Coordinator{
		stores:     opts.Stores,
		primary:    opts.PrimarySite,
		gateway:    opts.Gateway,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		rpo:        opts.RPO,
		retry:      opts.Retry,
		attempts:   opts.MaxAttempts,
		stateDir:   opts.StateDir,
		watermarks: make(map[string]time.Time),
		now:        time.Now,
	}
	c.loadWatermarks()
	return c, nil
}

// Primary returns the current primary site ID.
func (c *Coordinator) Primary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

// SyncAll replicates to every secondary site.
func (c *Coordinator) SyncAll(ctx context.Context) ([]*SyncResult, error) {
	var results []*SyncResult
	var firstErr error
	for site := range c.stores {
		if site == c.Primary() {
			continue
		}
		result, err := c.Sync(ctx, site)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, result)
	}
	return results, firstErr
}

// Sync copies artifacts newer than the target's watermark from the
// primary store to the target store. A pass that finds nothing new
// leaves the watermark untouched.
func (c *Coordinator) Sync(ctx context.Context, targetSite string) (*SyncResult, error) {
	target, ok := c.stores[targetSite]
	if !ok {
		return nil, fault.Configuration(
			fmt.Sprintf("no store configured for site %s", targetSite), nil)
	}
	source := c.stores[c.Primary()]

	watermark := c.watermark(targetSite)
	pending, err := source.List(ctx, artifact.Filter{Since: watermark})
	if err != nil {
		return nil, err
	}

	result := &SyncResult{TargetSite: targetSite, Watermark: watermark, SyncedAt: c.now()}

	// Copy oldest first so the watermark never jumps past an uncopied
	// artifact when a later copy fails.
	sortByCreation(pending)

	for _, art := range pending {
		if err := c.copyWithRetry(ctx, source, target, art); err != nil {
			c.logger.LogReplicationSync(c.Primary(), targetSite, result.Copied, 0, err)
			if result.Copied > 0 {
				c.advanceWatermark(targetSite, result.Watermark)
			}
			c.observe(ctx, targetSite, result)
			return result, err
		}
		result.Copied++
		result.Watermark = art.CreatedAt
	}
	if result.Copied > 0 {
		c.advanceWatermark(targetSite, result.Watermark)
	}
	result.Lag = c.Lag(ctx, targetSite)

	c.logger.LogReplicationSync(c.Primary(), targetSite, result.Copied, result.Lag, nil)
	c.observe(ctx, targetSite, result)
	return result, nil
}

func (c *Coordinator) copyWithRetry(ctx context.Context, source, target artifact.Store, art *artifact.Artifact) error {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		data, err := source.Get(ctx, art.ID)
		if err == nil {
			err = target.Copy(ctx, art, data)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if !fault.IsRetryable(err) {
			break
		}
		if attempt < c.attempts {
			if err := backoff.Sleep(ctx, c.retry.Interval(attempt)); err != nil {
				return fault.TransientIO("replication interrupted", err)
			}
		}
	}
	return fault.TransientIO(
		fmt.Sprintf("failed to replicate artifact %s", art.ID), lastErr)
}

// Lag returns how far the target site trails the primary: the age gap
// between the newest primary artifact and the target's watermark.
func (c *Coordinator) Lag(ctx context.Context, targetSite string) time.Duration {
	source := c.stores[c.Primary()]
	artifacts, err := source.List(ctx, artifact.Filter{})
	if err != nil || len(artifacts) == 0 {
		return 0
	}

	var newest time.Time
	for _, a := range artifacts {
		if a.CreatedAt.After(newest) {
			newest = a.CreatedAt
		}
	}

	watermark := c.watermark(targetSite)
	if !watermark.Before(newest) {
		return 0
	}
	if watermark.IsZero() {
		return c.now().Sub(c.oldestCreation(artifacts))
	}
	return newest.Sub(watermark)
}

func (c *Coordinator) oldestCreation(artifacts []*artifact.Artifact) time.Time {
	oldest := artifacts[0].CreatedAt
	for _, a := range artifacts {
		if a.CreatedAt.Before(oldest) {
			oldest = a.CreatedAt
		}
	}
	return oldest
}

// observe records lag metrics and escalates when lag threatens the
// recovery point objective: a warning at half the RPO, critical beyond it.
func (c *Coordinator) observe(ctx context.Context, targetSite string, result *SyncResult) {
	lag := c.Lag(ctx, targetSite)
	result.Lag = lag
	c.metrics.ReplicationLag.WithLabelValues(targetSite).Set(lag.Seconds())

	switch {
	case lag > c.rpo:
		c.gateway.Notify(ctx, notify.Event{
			Severity:  notify.SeverityCritical,
			Message:   fmt.Sprintf("replication to %s lags %s, beyond the %s recovery point objective", targetSite, lag, c.rpo),
			Timestamp: c.now().UTC(),
		})
	case lag > c.rpo/2:
		c.gateway.Notify(ctx, notify.Event{
			Severity:  notify.SeverityWarning,
			Message:   fmt.Sprintf("replication to %s lags %s, over half the %s recovery point objective", targetSite, lag, c.rpo),
			Timestamp: c.now().UTC(),
		})
	}
}

// EnsureCurrent runs a synchronous replication pass and fails when the
// target still trails the primary afterwards. Site recovery calls this
// before restoring from the target's store.
func (c *Coordinator) EnsureCurrent(ctx context.Context, targetSite string) error {
	result, err := c.Sync(ctx, targetSite)
	if err != nil {
		return err
	}
	if result.Lag > 0 {
		return fault.TransientIO(fmt.Sprintf(
			"site %s still lags the primary by %s after sync", targetSite, result.Lag), nil)
	}
	return nil
}

// Promote flips the primary role to the target site. Subsequent syncs
// flow from the new primary.
func (c *Coordinator) Promote(ctx context.Context, targetSite string) error {
	if _, ok := c.stores[targetSite]; !ok {
		return fault.Configuration(
			fmt.Sprintf("no store configured for site %s", targetSite), nil)
	}

	c.mu.Lock()
	old := c.primary
	c.primary = targetSite
	delete(c.watermarks, targetSite)
	c.mu.Unlock()
	c.saveWatermarks()

	c.logger.WithFields(map[string]interface{}{
		"old_primary": old,
		"new_primary": targetSite,
	}).Warn("Primary site changed")
	return nil
}

func (c *Coordinator) watermark(targetSite string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermarks[targetSite]
}

func (c *Coordinator) advanceWatermark(targetSite string, to time.Time) {
	c.mu.Lock()
	if to.After(c.watermarks[targetSite]) {
		c.watermarks[targetSite] = to
	}
	c.mu.Unlock()
	c.saveWatermarks()
}

func (c *Coordinator) loadWatermarks() {
	if c.stateDir == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(c.stateDir, watermarkFileName))
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	json.Unmarshal(data, &c.watermarks)
}

func (c *Coordinator) saveWatermarks() {
	if c.stateDir == "" {
		return
	}
	c.mu.Lock()
	data, err := json.MarshalIndent(c.watermarks, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return
	}
	if err := os.MkdirAll(c.stateDir, 0755); err != nil {
		return
	}
	path := filepath.Join(c.stateDir, watermarkFileName)
	tmp := path + ".tmp"
	if os.WriteFile(tmp, data, 0644) == nil {
		os.Rename(tmp, path)
	}
}

func sortByCreation(artifacts []*artifact.Artifact) {
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
}
