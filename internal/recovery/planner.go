package recovery

import (
	"fmt"
	"sort"
	"time"

	"dr-orchestrator/internal/adapter"
	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/fault"
)

// Request asks for a recovery plan.
type Request struct {
	Level       Level
	ComponentID string
	TargetSite  string
	PointInTime time.Time
}

// SystemState is the snapshot the planner works from. The planner is a
// pure function of this snapshot; it never touches stores or components.
type SystemState struct {
	Registry      *adapter.Registry
	Artifacts     []*artifact.Artifact
	SkewTolerance time.Duration
}

// BuildPlan turns a recovery request into an ordered plan. A component
// restore that would leave its consistency group skewed beyond tolerance
// is upgraded to a group restore.
func BuildPlan(req Request, state SystemState) (*Plan, error) {
	if !IsValidLevel(req.Level) {
		return nil, fault.Configuration(fmt.Sprintf("unknown recovery level %q", req.Level), nil)
	}
	if state.Registry == nil {
		return nil, fault.Configuration("planner requires the component registry", nil)
	}

	pit := req.PointInTime
	if pit.IsZero() {
		pit = time.Now().UTC()
	}

	plan := &Plan{
		Level:       req.Level,
		TargetSite:  req.TargetSite,
		PointInTime: pit,
		PlannedAt:   time.Now().UTC(),
	}

	switch req.Level {
	case LevelComponent:
		if req.ComponentID == "" {
			return nil, fault.Configuration("component recovery requires a component ID", nil)
		}
		comp, err := state.Registry.Get(req.ComponentID)
		if err != nil {
			return nil, err
		}

		chain, err := chainFor(comp.ID, pit, state.Artifacts)
		if err != nil {
			return nil, err
		}

		group := state.Registry.ConsistencyGroup(comp.ID)
		if reason := groupViolation(comp.ID, chainTipTime(chain), group, state); reason != "" {
			plan.Level = LevelGroup
			plan.UpgradedFrom = LevelComponent
			plan.UpgradeReason = reason
			return planGroup(plan, group, pit, state)
		}

		plan.Steps = []Step{stepFor(comp, chain)}
		return plan, nil

	case LevelGroup:
		if req.ComponentID == "" {
			return nil, fault.Configuration("group recovery requires a component ID", nil)
		}
		if _, err := state.Registry.Get(req.ComponentID); err != nil {
			return nil, err
		}
		return planGroup(plan, state.Registry.ConsistencyGroup(req.ComponentID), pit, state)

	case LevelSite:
		if req.TargetSite == "" {
			return nil, fault.Configuration("site recovery requires a target site", nil)
		}
		return planGroup(plan, state.Registry.All(), pit, state)
	}

	return nil, fault.Configuration(fmt.Sprintf("unknown recovery level %q", req.Level), nil)
}

// planGroup picks a chain per component so that chain tip timestamps lie
// within the skew tolerance, then orders steps by ascending dependency
// order.
func planGroup(plan *Plan, components []adapter.Component, pit time.Time, state SystemState) (*Plan, error) {
	chains := make(map[string][]*artifact.Artifact, len(components))
	for _, comp := range components {
		chain, err := chainFor(comp.ID, pit, state.Artifacts)
		if err != nil {
			return nil, err
		}
		chains[comp.ID] = chain
	}

	if err := alignChains(chains, pit, state); err != nil {
		return nil, err
	}

	sorted := make([]adapter.Component, len(components))
	copy(sorted, components)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})

	for _, comp := range sorted {
		plan.Steps = append(plan.Steps, stepFor(comp, chains[comp.ID]))
	}
	return plan, nil
}

// alignChains walks the newest chain back to older candidates until the
// spread between the newest and oldest chain tip fits the tolerance.
func alignChains(chains map[string][]*artifact.Artifact, pit time.Time, state SystemState) error {
	tolerance := state.SkewTolerance
	if tolerance <= 0 {
		tolerance = 30 * time.Minute
	}
	if len(chains) < 2 {
		return nil
	}

	for {
		var minID, maxID string
		var minT, maxT time.Time
		for id, chain := range chains {
			tip := chainTipTime(chain)
			if minID == "" || tip.Before(minT) {
				minID, minT = id, tip
			}
			if maxID == "" || tip.After(maxT) {
				maxID, maxT = id, tip
			}
		}

		if maxT.Sub(minT) <= tolerance {
			return nil
		}

		// Move the newest component to its next-older restore point.
		older, err := chainFor(maxID, maxT.Add(-time.Nanosecond), state.Artifacts)
		if err != nil {
			return fault.Verification(fmt.Sprintf(
				"no restore set for the group fits the %s skew tolerance: component %s at %s, component %s at %s",
				tolerance, minID, minT.Format(time.RFC3339), maxID, maxT.Format(time.RFC3339)), err)
		}
		chains[maxID] = older
	}
}

// groupViolation reports why restoring one component alone would leave
// its consistency group inconsistent, or "" when it would not.
func groupViolation(componentID string, tip time.Time, group []adapter.Component, state SystemState) string {
	tolerance := state.SkewTolerance
	if tolerance <= 0 {
		tolerance = 30 * time.Minute
	}

	for _, peer := range group {
		if peer.ID == componentID {
			continue
		}
		for _, a := range state.Artifacts {
			if a.ComponentID != peer.ID || a.Kind == artifact.KindTransactionLog {
				continue
			}
			if a.CreatedAt.Sub(tip) > tolerance {
				return fmt.Sprintf(
					"restoring %s to %s would rewind it more than %s behind consistency peer %s",
					componentID, tip.Format(time.RFC3339), tolerance, peer.ID)
			}
		}
	}
	return ""
}

// chainFor resolves the restore chain for a component at a point in
// time: the newest full-or-incremental artifact at or before the target,
// its baselines back to the full backup, and any transaction logs
// captured on the tip before the target. The chain is returned oldest
// first, ready to apply in order.
func chainFor(componentID string, pit time.Time, artifacts []*artifact.Artifact) ([]*artifact.Artifact, error) {
	byID := make(map[string]*artifact.Artifact)
	var tip *artifact.Artifact
	for _, a := range artifacts {
		if a.ComponentID != componentID {
			continue
		}
		byID[a.ID] = a
		if a.Kind == artifact.KindTransactionLog || a.CreatedAt.After(pit) {
			continue
		}
		if tip == nil || a.CreatedAt.After(tip.CreatedAt) {
			tip = a
		}
	}
	if tip == nil {
		return nil, fault.MissingBaseline(fmt.Sprintf(
			"component %s has no backup at or before %s", componentID, pit.Format(time.RFC3339)), nil)
	}

	var chain []*artifact.Artifact
	for cur := tip; ; {
		chain = append([]*artifact.Artifact{cur}, chain...)
		if cur.Kind == artifact.KindFull {
			break
		}
		base, ok := byID[cur.BaselineID]
		if !ok {
			return nil, fault.MissingBaseline(fmt.Sprintf(
				"artifact %s depends on missing baseline %s", cur.ID, cur.BaselineID), nil)
		}
		cur = base
	}

	var logs []*artifact.Artifact
	for _, a := range byID {
		if a.Kind == artifact.KindTransactionLog && a.BaselineID == tip.ID && !a.CreatedAt.After(pit) {
			logs = append(logs, a)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.Before(logs[j].CreatedAt) })
	chain = append(chain, logs...)

	return chain, nil
}

// chainTipTime returns the timestamp of the newest non-log artifact in
// a chain, which is the point in time the chain restores to.
func chainTipTime(chain []*artifact.Artifact) time.Time {
	var tip time.Time
	for _, a := range chain {
		if a.Kind == artifact.KindTransactionLog {
			continue
		}
		if a.CreatedAt.After(tip) {
			tip = a.CreatedAt
		}
	}
	return tip
}

func stepFor(comp adapter.Component, chain []*artifact.Artifact) Step {
	ids := make([]string, len(chain))
	for i, a := range chain {
		ids[i] = a.ID
	}
	return Step{ComponentID: comp.ID, Order: comp.Order, ArtifactIDs: ids}
}
