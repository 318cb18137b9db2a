package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dr-orchestrator/internal/fault"

	"github.com/google/uuid"
)

// Kind identifies the backup tier an artifact belongs to.
type Kind string

const (
	KindFull           Kind = "full"
	KindIncremental    Kind = "incremental"
	KindTransactionLog Kind = "transaction-log"
)

// IsValidKind reports whether k is a known artifact kind.
func IsValidKind(k Kind) bool {
	switch k {
	case KindFull, KindIncremental, KindTransactionLog:
		return true
	default:
		return false
	}
}

// Artifact describes one stored backup payload. The checksum is computed
// over the uncompressed payload and never changes once set; deletion
// happens only through retention expiry or an explicit purge.
type Artifact struct {
	ID              string            `json:"id"`
	ComponentID     string            `json:"component_id"`
	Kind            Kind              `json:"kind"`
	BaselineID      string            `json:"baseline_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Size            int64             `json:"size"`
	Checksum        string            `json:"checksum"`
	Compression     string            `json:"compression"`
	Locations       map[string]string `json:"locations"`
	RetentionExpiry time.Time         `json:"retention_expiry"`
}

// Validate validates the Artifact struct
func (a *Artifact) Validate() error {
	var errors fault.ValidationErrors

	if a.ID == "" {
		errors.Add("id", "artifact ID is required", a.ID)
	}
	if a.ComponentID == "" {
		errors.Add("component_id", "component ID is required", a.ComponentID)
	}
	if !IsValidKind(a.Kind) {
		errors.Add("kind", "invalid artifact kind", a.Kind)
	}
	if a.Kind != KindFull && a.BaselineID == "" {
		errors.Add("baseline_id", "non-full artifacts must reference a baseline", a.BaselineID)
	}
	if a.CreatedAt.IsZero() {
		errors.Add("created_at", "creation timestamp is required", a.CreatedAt)
	}
	if a.Size <= 0 {
		errors.Add("size", "artifact size must be positive", a.Size)
	}
	if a.Checksum == "" {
		errors.Add("checksum", "artifact checksum is required", a.Checksum)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// ToJSON serializes the Artifact to JSON
func (a *Artifact) ToJSON() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

// FromJSON deserializes JSON data into an Artifact
func (a *Artifact) FromJSON(data []byte) error {
	if err := json.Unmarshal(data, a); err != nil {
		return fault.CorruptArtifact("failed to unmarshal artifact metadata", err)
	}
	return a.Validate()
}

// Expired reports whether the artifact's retention window has passed.
func (a *Artifact) Expired(now time.Time) bool {
	return !a.RetentionExpiry.IsZero() && a.RetentionExpiry.Before(now)
}

// Clone returns a deep copy, so replicated records never alias Locations.
func (a *Artifact) Clone() *Artifact {
	c := *a
	c.Locations = make(map[string]string, len(a.Locations))
	for k, v := range a.Locations {
		c.Locations[k] = v
	}
	return &c
}

// NewID generates a unique artifact ID for a component
func NewID(componentID string) string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	short := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", componentID, timestamp, short)
}

// ChecksumOf calculates the content checksum for a payload
func ChecksumOf(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Metadata describes a payload being handed to Store.Put.
type Metadata struct {
	ComponentID     string
	Kind            Kind
	BaselineID      string
	CreatedAt       time.Time
	RetentionExpiry time.Time
}

// Filter selects artifacts from Store.List.
type Filter struct {
	ComponentID string
	Kind        Kind
	Since       time.Time // exclusive lower bound on CreatedAt
	Until       time.Time // inclusive upper bound on CreatedAt
}

// Matches reports whether an artifact satisfies the filter.
func (f Filter) Matches(a *Artifact) bool {
	if f.ComponentID != "" && a.ComponentID != f.ComponentID {
		return false
	}
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && !a.CreatedAt.After(f.Since) {
		return false
	}
	if !f.Until.IsZero() && a.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// Store is the content-addressed artifact storage abstraction. Writes are
// atomic: a partially written artifact is never visible to Get or List.
type Store interface {
	// Put stores an uncompressed payload as a new artifact.
	Put(ctx context.Context, data []byte, meta Metadata) (*Artifact, error)

	// Get returns the uncompressed payload, verifying the checksum.
	Get(ctx context.Context, artifactID string) ([]byte, error)

	// GetArtifact returns the artifact record.
	GetArtifact(ctx context.Context, artifactID string) (*Artifact, error)

	// List returns artifact records matching the filter.
	List(ctx context.Context, filter Filter) ([]*Artifact, error)

	// Delete removes an artifact. Used only by retention expiry and
	// explicit purge.
	Delete(ctx context.Context, artifactID string) error

	// Copy stores a payload under an existing artifact identity, used by
	// cross-site replication. The payload checksum must match the record.
	Copy(ctx context.Context, art *Artifact, data []byte) error

	// Site returns the site identifier this store serves.
	Site() string
}
