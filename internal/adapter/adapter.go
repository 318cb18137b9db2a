package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/fault"
	"dr-orchestrator/internal/logging"
)

// Kind identifies the class of stateful component an adapter serves.
type Kind string

const (
	KindDatabase   Kind = "database"
	KindCache      Kind = "cache"
	KindFilesystem Kind = "filesystem"
)

// Health is the result of a component health probe.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Down     Health = "down"
)

// Component describes one stateful component under backup. Components are
// immutable once registered; they are created from configuration at
// process start. Lower Order restores first.
type Component struct {
	ID             string
	Kind           Kind
	Order          int
	ConsistentWith []string
	Params         map[string]string
	ProbeTimeout   time.Duration
}

// Param returns a named adapter parameter or a default.
func (c Component) Param(key, def string) string {
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// ParamList returns a comma-separated parameter as a slice.
func (c Component) ParamList(key string) []string {
	raw := c.Params[key]
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// BackupRequest carries what an adapter needs to produce one artifact
// payload. Baseline is set for incremental and transaction-log backups.
type BackupRequest struct {
	Kind     artifact.Kind
	Baseline *artifact.Artifact
}

// Adapter produces and restores backup payloads for one component.
// Backup must be safe against a live component; Restore is destructive
// and must only run after Quiesce.
type Adapter interface {
	// Component returns the component this adapter serves.
	Component() Component

	// Supports reports whether the adapter can produce the given kind.
	Supports(kind artifact.Kind) bool

	// Backup produces an uncompressed payload for the requested kind.
	Backup(ctx context.Context, req BackupRequest) ([]byte, error)

	// Restore applies a payload to the component. Destructive.
	Restore(ctx context.Context, art *artifact.Artifact, data []byte) error

	// HealthCheck probes the live component.
	HealthCheck(ctx context.Context) Health

	// Quiesce places the component in a maintenance state before restore.
	Quiesce(ctx context.Context) error

	// Resume returns the component to service after restore.
	Resume(ctx context.Context) error

	// StructuralCheck validates the shape of a payload without applying it.
	StructuralCheck(ctx context.Context, kind artifact.Kind, data []byte) error
}

// New creates the adapter for a component based on its kind.
func New(c Component, logger *logging.Logger) (Adapter, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	switch c.Kind {
	case KindDatabase:
		return newDatabaseAdapter(c, logger)
	case KindCache:
		return newCacheAdapter(c, logger)
	case KindFilesystem:
		return newFilesystemAdapter(c, logger)
	default:
		return nil, fault.Configuration(fmt.Sprintf("unknown component kind: %s", c.Kind), nil)
	}
}

// Registry holds the immutable component set, sorted by dependency order.
type Registry struct {
	components []Component
	byID       map[string]Component
}

// NewRegistry validates and indexes the configured components.
func NewRegistry(components []Component) (*Registry, error) {
	var errors fault.ValidationErrors

	byID := make(map[string]Component, len(components))
	for _, c := range components {
		if c.ID == "" {
			errors.Add("id", "component ID is required", c.ID)
			continue
		}
		if _, dup := byID[c.ID]; dup {
			errors.Add("id", "duplicate component ID", c.ID)
			continue
		}
		switch c.Kind {
		case KindDatabase, KindCache, KindFilesystem:
		default:
			errors.Add("kind", fmt.Sprintf("unknown kind for component %s", c.ID), c.Kind)
			continue
		}
		byID[c.ID] = c
	}

	for _, c := range components {
		for _, peer := range c.ConsistentWith {
			if _, ok := byID[peer]; !ok {
				errors.Add("consistent_with",
					fmt.Sprintf("component %s references unknown peer", c.ID), peer)
			}
		}
	}

	if errors.HasErrors() {
		return nil, fault.Configuration("invalid component configuration", errors)
	}

	sorted := make([]Component, len(components))
	copy(sorted, components)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})

	return &Registry{components: sorted, byID: byID}, nil
}

// Get returns a component by ID.
func (r *Registry) Get(id string) (Component, error) {
	c, ok := r.byID[id]
	if !ok {
		return Component{}, fault.NotFound(fmt.Sprintf("component %s is not registered", id), nil)
	}
	return c, nil
}

// All returns the components in ascending dependency order.
func (r *Registry) All() []Component {
	out := make([]Component, len(r.components))
	copy(out, r.components)
	return out
}

// ConsistencyGroup returns the transitive closure of components declared
// consistent with the given one, including the component itself.
func (r *Registry) ConsistencyGroup(id string) []Component {
	seen := map[string]bool{id: true}
	queue := []string{id}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		c, ok := r.byID[cur]
		if !ok {
			continue
		}
		for _, peer := range c.ConsistentWith {
			if !seen[peer] {
				seen[peer] = true
				queue = append(queue, peer)
			}
		}
		// Consistency is symmetric: peers declaring cur are in the group too.
		for _, other := range r.components {
			for _, peer := range other.ConsistentWith {
				if peer == cur && !seen[other.ID] {
					seen[other.ID] = true
					queue = append(queue, other.ID)
				}
			}
		}
	}

	var group []Component
	for _, c := range r.components {
		if seen[c.ID] {
			group = append(group, c)
		}
	}
	return group
}
