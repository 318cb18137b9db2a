package verify

import (
	"context"
	"fmt"
	"time"

	"dr-orchestrator/internal/adapter"
	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/fault"
	"dr-orchestrator/internal/logging"
)

// Stage names the check that decided a verification result.
const (
	StageFetch     = "fetch"
	StageChecksum  = "checksum"
	StageStructure = "structure"
	StageHealth    = "health"
)

// Result is the outcome of one verification pass. A failed check is a
// result, not an error; errors are reserved for the engine being unable
// to run the checks at all.
type Result struct {
	Passed        bool      `json:"passed"`
	Stage         string    `json:"stage,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	ChecksumValid bool      `json:"checksum_valid"`
	CheckedAt     time.Time `json:"checked_at"`
}

func (r *Result) fail(stage, reason string) *Result {
	r.Passed = false
	r.Stage = stage
	r.Reason = reason
	return r
}

// Engine runs post-backup and post-restore verification.
type Engine struct {
	store   artifact.Store
	logger  *logging.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewEngine creates a verification engine over a store.
func NewEngine(store artifact.Store, timeout time.Duration, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Engine{
		store:   store,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

// VerifyBackup re-reads a freshly stored artifact and checks that it is
// non-empty, matches its recorded checksum, and passes the component's
// structural check. The payload is read back through the store rather
// than reusing the in-memory copy, so the check covers what was written.
func (e *Engine) VerifyBackup(ctx context.Context, ad adapter.Adapter, art *artifact.Artifact) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result := &Result{Passed: true, CheckedAt: e.now()}

	data, err := e.store.Get(ctx, art.ID)
	if err != nil {
		if fault.IsKind(err, fault.KindCorruptArtifact) {
			return result.fail(StageChecksum, err.Error()), nil
		}
		if fault.IsKind(err, fault.KindNotFound) {
			return result.fail(StageFetch, err.Error()), nil
		}
		return nil, fault.Verification(
			fmt.Sprintf("unable to read back artifact %s", art.ID), err)
	}
	result.ChecksumValid = true

	if len(data) == 0 {
		return result.fail(StageStructure, "artifact payload is empty"), nil
	}
	if int64(len(data)) != art.Size {
		return result.fail(StageStructure,
			fmt.Sprintf("payload is %d bytes, expected %d", len(data), art.Size)), nil
	}

	if err := ad.StructuralCheck(ctx, art.Kind, data); err != nil {
		if fault.IsPermanent(err) {
			return result.fail(StageStructure, err.Error()), nil
		}
		return nil, fault.Verification(
			fmt.Sprintf("structural check did not complete for artifact %s", art.ID), err)
	}

	e.logger.WithFields(map[string]interface{}{
		"artifact_id": art.ID,
		"component":   art.ComponentID,
	}).Debug("Backup verification passed")

	return result, nil
}

// VerifyRestore checks a component after its state has been restored:
// the restored payload must still pass the structural check and the
// component must report healthy.
func (e *Engine) VerifyRestore(ctx context.Context, ad adapter.Adapter, art *artifact.Artifact, data []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result := &Result{Passed: true, ChecksumValid: true, CheckedAt: e.now()}

	if err := ad.StructuralCheck(ctx, art.Kind, data); err != nil {
		if fault.IsPermanent(err) {
			return result.fail(StageStructure, err.Error()), nil
		}
		return nil, fault.Verification(
			fmt.Sprintf("structural check did not complete for artifact %s", art.ID), err)
	}

	if health := ad.HealthCheck(ctx); health != adapter.Healthy {
		return result.fail(StageHealth,
			fmt.Sprintf("component %s reports %s after restore", ad.Component().ID, health)), nil
	}

	e.logger.WithFields(map[string]interface{}{
		"artifact_id": art.ID,
		"component":   art.ComponentID,
	}).Debug("Restore verification passed")

	return result, nil
}
