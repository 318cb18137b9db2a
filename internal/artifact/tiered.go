package artifact

import (
	"context"

	"dr-orchestrator/internal/fault"
)

// TieredStore layers a local store under a remote object store for one
// site. Writes land locally first, then mirror to the remote tier; reads
// prefer the local tier and fall back to remote. Listing and deletion
// operate on both tiers, with the local tier authoritative for records.
type TieredStore struct {
	local  Store
	remote Store
	site   string
}

// NewTieredStore combines a local and a remote store for one site.
func NewTieredStore(local, remote Store, site string) *TieredStore {
	return &TieredStore{local: local, remote: remote, site: site}
}

// Site returns the site identifier this store serves
func (s *TieredStore) Site() string { return s.site }

// Put stores an uncompressed payload as a new artifact in both tiers
func (s *TieredStore) Put(ctx context.Context, data []byte, meta Metadata) (*Artifact, error) {
	art, err := s.local.Put(ctx, data, meta)
	if err != nil {
		return nil, err
	}
	if s.remote != nil {
		if err := s.remote.Copy(ctx, art, data); err != nil {
			return nil, fault.TransientIO("artifact stored locally but remote mirror failed", err).
				WithContext("artifact_id", art.ID)
		}
	}
	return art, nil
}

// Copy stores a payload under an existing artifact identity in both tiers
func (s *TieredStore) Copy(ctx context.Context, art *Artifact, data []byte) error {
	if err := s.local.Copy(ctx, art, data); err != nil {
		return err
	}
	if s.remote != nil {
		return s.remote.Copy(ctx, art, data)
	}
	return nil
}

// Get returns the uncompressed payload, trying the local tier first
func (s *TieredStore) Get(ctx context.Context, artifactID string) ([]byte, error) {
	data, err := s.local.Get(ctx, artifactID)
	if err == nil {
		return data, nil
	}
	if s.remote != nil && fault.IsKind(err, fault.KindNotFound) {
		return s.remote.Get(ctx, artifactID)
	}
	return nil, err
}

// GetArtifact returns the artifact record, trying the local tier first
func (s *TieredStore) GetArtifact(ctx context.Context, artifactID string) (*Artifact, error) {
	art, err := s.local.GetArtifact(ctx, artifactID)
	if err == nil {
		return art, nil
	}
	if s.remote != nil && fault.IsKind(err, fault.KindNotFound) {
		return s.remote.GetArtifact(ctx, artifactID)
	}
	return nil, err
}

// List returns artifact records from the local tier
func (s *TieredStore) List(ctx context.Context, filter Filter) ([]*Artifact, error) {
	return s.local.List(ctx, filter)
}

// Delete removes an artifact from both tiers
func (s *TieredStore) Delete(ctx context.Context, artifactID string) error {
	if err := s.local.Delete(ctx, artifactID); err != nil {
		return err
	}
	if s.remote != nil {
		if err := s.remote.Delete(ctx, artifactID); err != nil && !fault.IsKind(err, fault.KindNotFound) {
			return err
		}
	}
	return nil
}
