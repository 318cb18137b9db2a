package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dr-orchestrator/internal/adapter"
	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter lets each test pin the structural check and health outcomes.
type fakeAdapter struct {
	component     adapter.Component
	structuralErr error
	health        adapter.Health
}

func (f *fakeAdapter) Component() adapter.Component { return f.component }
func (f *fakeAdapter) Supports(artifact.Kind) bool  { return true }

func (f *fakeAdapter) Backup(context.Context, adapter.BackupRequest) ([]byte, error) {
	return nil, nil
}

func (f *fakeAdapter) Restore(context.Context, *artifact.Artifact, []byte) error { return nil }

func (f *fakeAdapter) HealthCheck(context.Context) adapter.Health {
	if f.health == "" {
		return adapter.Healthy
	}
	return f.health
}

func (f *fakeAdapter) Quiesce(context.Context) error { return nil }
func (f *fakeAdapter) Resume(context.Context) error  { return nil }

func (f *fakeAdapter) StructuralCheck(context.Context, artifact.Kind, []byte) error {
	return f.structuralErr
}

func newVerifyStore(t *testing.T) (*artifact.LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	codec, err := artifact.NewCodec("gzip")
	require.NoError(t, err)
	store, err := artifact.NewLocalStore(dir, "us-east", codec)
	require.NoError(t, err)
	return store, dir
}

func storeBackup(t *testing.T, store *artifact.LocalStore, payload []byte) *artifact.Artifact {
	t.Helper()
	art, err := store.Put(context.Background(), payload, artifact.Metadata{
		ComponentID:     "orders-db",
		Kind:            artifact.KindFull,
		RetentionExpiry: time.Now().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return art
}

func TestVerifyBackupPasses(t *testing.T) {
	store, _ := newVerifyStore(t)
	art := storeBackup(t, store, []byte("-- PostgreSQL database dump\nCREATE TABLE orders;\n"))
	engine := NewEngine(store, time.Minute, nil)

	result, err := engine.VerifyBackup(context.Background(), &fakeAdapter{}, art)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.True(t, result.ChecksumValid)
	assert.Empty(t, result.Stage)
}

func TestVerifyBackupTamperedPayload(t *testing.T) {
	store, dir := newVerifyStore(t)
	art := storeBackup(t, store, []byte("-- PostgreSQL database dump\nCREATE TABLE orders;\n"))
	engine := NewEngine(store, time.Minute, nil)

	// Corrupt the stored payload behind the store's back.
	dataPath := filepath.Join(dir, "orders-db", art.ID, "data.bin")
	require.NoError(t, os.WriteFile(dataPath, []byte("scrambled"), 0644))

	result, err := engine.VerifyBackup(context.Background(), &fakeAdapter{}, art)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, StageChecksum, result.Stage)
	assert.False(t, result.ChecksumValid)
}

func TestVerifyBackupMissingArtifact(t *testing.T) {
	store, _ := newVerifyStore(t)
	engine := NewEngine(store, time.Minute, nil)

	ghost := &artifact.Artifact{ID: "orders-db-20260101-120000-abcd1234", Kind: artifact.KindFull}
	result, err := engine.VerifyBackup(context.Background(), &fakeAdapter{}, ghost)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, StageFetch, result.Stage)
}

func TestVerifyBackupStructuralFailure(t *testing.T) {
	store, _ := newVerifyStore(t)
	art := storeBackup(t, store, []byte("truncated dump"))
	engine := NewEngine(store, time.Minute, nil)

	ad := &fakeAdapter{structuralErr: fault.CorruptArtifact("missing structure markers", nil)}
	result, err := engine.VerifyBackup(context.Background(), ad, art)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, StageStructure, result.Stage)
	assert.Contains(t, result.Reason, "structure markers")
	// The payload itself read back intact.
	assert.True(t, result.ChecksumValid)
}

func TestVerifyBackupTransientStructuralError(t *testing.T) {
	store, _ := newVerifyStore(t)
	art := storeBackup(t, store, []byte("dump"))
	engine := NewEngine(store, time.Minute, nil)

	// A check that could not run is an error, not a verdict.
	ad := &fakeAdapter{structuralErr: fault.TransientIO("connection reset", nil)}
	_, err := engine.VerifyBackup(context.Background(), ad, art)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindVerification))
}

func TestVerifyBackupSizeMismatch(t *testing.T) {
	store, _ := newVerifyStore(t)
	art := storeBackup(t, store, []byte("dump payload"))
	engine := NewEngine(store, time.Minute, nil)

	art.Size = 9999
	result, err := engine.VerifyBackup(context.Background(), &fakeAdapter{}, art)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, StageStructure, result.Stage)
}

func TestVerifyRestoreHealthGate(t *testing.T) {
	store, _ := newVerifyStore(t)
	engine := NewEngine(store, time.Minute, nil)
	art := &artifact.Artifact{ID: "orders-db-20260101-120000-abcd1234", Kind: artifact.KindFull}
	data := []byte("restored payload")

	healthy := &fakeAdapter{health: adapter.Healthy}
	result, err := engine.VerifyRestore(context.Background(), healthy, art, data)
	require.NoError(t, err)
	assert.True(t, result.Passed)

	down := &fakeAdapter{
		component: adapter.Component{ID: "orders-db"},
		health:    adapter.Down,
	}
	result, err = engine.VerifyRestore(context.Background(), down, art, data)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, StageHealth, result.Stage)
	assert.Contains(t, result.Reason, "orders-db")
}
