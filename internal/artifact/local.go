package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dr-orchestrator/internal/fault"
)

const (
	dataFileName = "data.bin"
	metaFileName = "artifact.json"
	tmpDirName   = ".tmp"
)

// LocalStore implements Store on the local file system. Each artifact is
// staged under a temp directory and renamed into place, so a partially
// written artifact is never visible: visibility is gated on artifact.json.
type LocalStore struct {
	basePath    string
	site        string
	codec       Codec
	permissions os.FileMode
}

// NewLocalStore creates a local store rooted at basePath for the given site.
func NewLocalStore(basePath, site string, codec Codec) (*LocalStore, error) {
	if basePath == "" {
		return nil, fault.Configuration("local store base path is required", nil)
	}
	if codec == nil {
		codec = noneCodec{}
	}

	s := &LocalStore{
		basePath:    basePath,
		site:        site,
		codec:       codec,
		permissions: 0755,
	}

	if err := os.MkdirAll(filepath.Join(basePath, tmpDirName), s.permissions); err != nil {
		return nil, fault.TransientIO("failed to create store directories", err)
	}

	return s, nil
}

// Site returns the site identifier this store serves
func (s *LocalStore) Site() string { return s.site }

// Put stores an uncompressed payload as a new artifact
func (s *LocalStore) Put(ctx context.Context, data []byte, meta Metadata) (*Artifact, error) {
	if len(data) == 0 {
		return nil, fault.CorruptArtifact("refusing to store empty payload", nil)
	}

	createdAt := meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	art := &Artifact{
		ID:              NewID(meta.ComponentID),
		ComponentID:     meta.ComponentID,
		Kind:            meta.Kind,
		BaselineID:      meta.BaselineID,
		CreatedAt:       createdAt,
		Size:            int64(len(data)),
		Checksum:        ChecksumOf(data),
		Compression:     s.codec.Name(),
		Locations:       map[string]string{},
		RetentionExpiry: meta.RetentionExpiry,
	}
	art.Locations[s.site] = s.artifactDir(art.ID)

	if err := art.Validate(); err != nil {
		return nil, err
	}

	if err := s.write(art, data); err != nil {
		return nil, err
	}
	return art, nil
}

// Copy stores a payload under an existing artifact identity
func (s *LocalStore) Copy(ctx context.Context, art *Artifact, data []byte) error {
	if art == nil {
		return fault.CorruptArtifact("artifact record is required", nil)
	}
	if ChecksumOf(data) != art.Checksum {
		return fault.CorruptArtifact(
			fmt.Sprintf("payload checksum does not match artifact %s", art.ID), nil)
	}

	// Replication re-offers artifacts after a watermark reset; an
	// identical copy already present is a no-op.
	if existing, err := s.GetArtifact(ctx, art.ID); err == nil && existing.Checksum == art.Checksum {
		return nil
	}

	replica := art.Clone()
	replica.Compression = s.codec.Name()
	replica.Locations[s.site] = s.artifactDir(replica.ID)

	return s.write(replica, data)
}

// write stages data and metadata in the temp dir, then renames the whole
// directory into place. Metadata is written last inside the staged dir,
// and the rename is the commit point.
func (s *LocalStore) write(art *Artifact, data []byte) error {
	compressed, err := s.codec.Compress(data)
	if err != nil {
		return fault.TransientIO("failed to compress payload", err)
	}

	staging := filepath.Join(s.basePath, tmpDirName, art.ID)
	if err := os.MkdirAll(staging, s.permissions); err != nil {
		return fault.TransientIO("failed to create staging directory", err)
	}
	defer os.RemoveAll(staging)

	if err := os.WriteFile(filepath.Join(staging, dataFileName), compressed, 0644); err != nil {
		return fault.TransientIO("failed to write artifact payload", err)
	}

	metaBytes, err := art.ToJSON()
	if err != nil {
		return fault.TransientIO("failed to serialize artifact metadata", err)
	}
	if err := os.WriteFile(filepath.Join(staging, metaFileName), metaBytes, 0644); err != nil {
		return fault.TransientIO("failed to write artifact metadata", err)
	}

	final := s.artifactDir(art.ID)
	if err := os.MkdirAll(filepath.Dir(final), s.permissions); err != nil {
		return fault.TransientIO("failed to create component directory", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fault.TransientIO("failed to commit artifact", err)
	}
	return nil
}

// Get returns the uncompressed payload, verifying the checksum
func (s *LocalStore) Get(ctx context.Context, artifactID string) ([]byte, error) {
	art, err := s.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(s.artifactDir(artifactID), dataFileName))
	if err != nil {
		return nil, fault.TransientIO("failed to read artifact payload", err)
	}

	codec, err := NewCodec(art.Compression)
	if err != nil {
		return nil, err
	}
	data, err := codec.Decompress(raw)
	if err != nil {
		return nil, err
	}

	if ChecksumOf(data) != art.Checksum {
		return nil, fault.CorruptArtifact(
			fmt.Sprintf("checksum mismatch for artifact %s", artifactID), nil)
	}
	return data, nil
}

// GetArtifact returns the artifact record
func (s *LocalStore) GetArtifact(ctx context.Context, artifactID string) (*Artifact, error) {
	metaPath := filepath.Join(s.artifactDir(artifactID), metaFileName)

	raw, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return nil, fault.NotFound(fmt.Sprintf("artifact %s not found", artifactID), err)
	}
	if err != nil {
		return nil, fault.TransientIO("failed to read artifact metadata", err)
	}

	var art Artifact
	if err := art.FromJSON(raw); err != nil {
		return nil, err
	}
	return &art, nil
}

// List returns artifact records matching the filter
func (s *LocalStore) List(ctx context.Context, filter Filter) ([]*Artifact, error) {
	var artifacts []*Artifact

	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == s.basePath {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".") {
			return filepath.SkipDir
		}

		metaPath := filepath.Join(path, metaFileName)
		if _, err := os.Stat(metaPath); os.IsNotExist(err) {
			return nil
		}

		raw, err := os.ReadFile(metaPath)
		if err != nil {
			// Skip unreadable entries but keep listing the rest.
			return nil
		}

		var art Artifact
		if err := art.FromJSON(raw); err != nil {
			return nil
		}

		if filter.Matches(&art) {
			artifacts = append(artifacts, &art)
		}
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fault.TransientIO("failed to list artifacts", err)
	}

	return artifacts, nil
}

// Delete removes an artifact
func (s *LocalStore) Delete(ctx context.Context, artifactID string) error {
	dir := s.artifactDir(artifactID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fault.NotFound(fmt.Sprintf("artifact %s not found", artifactID), err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fault.TransientIO("failed to delete artifact", err)
	}
	return nil
}

func (s *LocalStore) artifactDir(artifactID string) string {
	sanitized := strings.ReplaceAll(artifactID, "/", "_")
	sanitized = strings.ReplaceAll(sanitized, "\\", "_")
	sanitized = strings.ReplaceAll(sanitized, "..", "_")
	return filepath.Join(s.basePath, componentOf(sanitized), sanitized)
}

// componentOf extracts the component prefix from an artifact ID of the
// form <component>-<timestamp>-<suffix>.
func componentOf(artifactID string) string {
	parts := strings.Split(artifactID, "-")
	if len(parts) < 3 {
		return "unknown"
	}
	return strings.Join(parts[:len(parts)-3], "-")
}
