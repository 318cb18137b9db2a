package artifact

import (
	"context"
	"fmt"
	"sort"
	"time"

	"dr-orchestrator/internal/logging"
)

// SweepResult reports the outcome of a retention sweep.
type SweepResult struct {
	Examined  int       `json:"examined"`
	Deleted   []string  `json:"deleted"`
	Protected []string  `json:"protected"`
	Kept      int       `json:"kept"`
	DryRun    bool      `json:"dry_run"`
	SweptAt   time.Time `json:"swept_at"`
}

// Sweeper applies retention expiry to a store. An expired artifact is
// kept as long as it anchors an incremental chain with at least one
// still-retained descendant; the sweep walks chains forward before
// deleting. Running the sweep twice deletes nothing the second time.
type Sweeper struct {
	store  Store
	logger *logging.Logger
	now    func() time.Time
}

// NewSweeper creates a retention sweeper over a store.
func NewSweeper(store Store, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Sweeper{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Sweep deletes expired artifacts that no retained chain depends on.
func (s *Sweeper) Sweep(ctx context.Context, dryRun bool) (*SweepResult, error) {
	now := s.now()

	artifacts, err := s.store.List(ctx, Filter{})
	if err != nil {
		return nil, fmt.Errorf("retention sweep failed to list artifacts: %w", err)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})

	byID := make(map[string]*Artifact, len(artifacts))
	children := make(map[string][]*Artifact)
	for _, a := range artifacts {
		byID[a.ID] = a
		if a.BaselineID != "" {
			children[a.BaselineID] = append(children[a.BaselineID], a)
		}
	}

	protected := make(map[string]bool)
	for _, a := range artifacts {
		if !a.Expired(now) {
			// A live artifact protects its whole baseline chain.
			for cur := a; cur.BaselineID != ""; {
				base, ok := byID[cur.BaselineID]
				if !ok {
					break
				}
				protected[base.ID] = true
				cur = base
			}
		}
	}

	result := &SweepResult{
		Examined: len(artifacts),
		DryRun:   dryRun,
		SweptAt:  now,
	}

	for _, a := range artifacts {
		if !a.Expired(now) {
			result.Kept++
			continue
		}
		if protected[a.ID] {
			result.Protected = append(result.Protected, a.ID)
			result.Kept++
			s.logger.WithFields(map[string]interface{}{
				"artifact_id": a.ID,
				"component":   a.ComponentID,
			}).Debug("Expired artifact protected as chain baseline")
			continue
		}

		if !dryRun {
			if err := s.store.Delete(ctx, a.ID); err != nil {
				s.logger.WithFields(map[string]interface{}{
					"artifact_id": a.ID,
					"error":       err.Error(),
				}).Error("Failed to delete expired artifact")
				continue
			}
		}
		result.Deleted = append(result.Deleted, a.ID)
		s.logger.WithFields(map[string]interface{}{
			"artifact_id": a.ID,
			"component":   a.ComponentID,
			"expired_at":  a.RetentionExpiry.Format(time.RFC3339),
			"dry_run":     dryRun,
		}).Info("Expired artifact removed")
	}

	return result, nil
}
