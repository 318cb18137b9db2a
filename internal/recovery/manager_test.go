package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dr-orchestrator/internal/adapter"
	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/fault"
	"dr-orchestrator/internal/notify"
	"dr-orchestrator/internal/verify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// restoreRecorder is a component adapter that records restores and lets
// tests script failures.
type restoreRecorder struct {
	mu         sync.Mutex
	component  adapter.Component
	restored   [][]byte
	quiesced   int
	resumed    int
	restoreErr error
	health     adapter.Health
}

func newRestoreRecorder(id string, order int) *restoreRecorder {
	return &restoreRecorder{
		component: adapter.Component{ID: id, Kind: adapter.KindDatabase, Order: order},
		health:    adapter.Healthy,
	}
}

func (r *restoreRecorder) Component() adapter.Component { return r.component }
func (r *restoreRecorder) Supports(artifact.Kind) bool  { return true }

func (r *restoreRecorder) Backup(context.Context, adapter.BackupRequest) ([]byte, error) {
	return nil, errors.New("not used")
}

func (r *restoreRecorder) Restore(ctx context.Context, art *artifact.Artifact, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.restoreErr != nil {
		return r.restoreErr
	}
	r.restored = append(r.restored, data)
	return nil
}

func (r *restoreRecorder) HealthCheck(context.Context) adapter.Health { return r.health }

func (r *restoreRecorder) Quiesce(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quiesced++
	return nil
}

func (r *restoreRecorder) Resume(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed++
	return nil
}

func (r *restoreRecorder) StructuralCheck(context.Context, artifact.Kind, []byte) error {
	return nil
}

func (r *restoreRecorder) restoreCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.restored)
}

// recordingReplicator scripts the replication side of a site recovery.
type recordingReplicator struct {
	ensured  []string
	promoted []string
}

func (r *recordingReplicator) EnsureCurrent(ctx context.Context, targetSite string) error {
	r.ensured = append(r.ensured, targetSite)
	return nil
}

func (r *recordingReplicator) Promote(ctx context.Context, targetSite string) error {
	r.promoted = append(r.promoted, targetSite)
	return nil
}

type eventSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (g *eventSink) Notify(ctx context.Context, event notify.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, event)
	return nil
}

func (g *eventSink) Events() []notify.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]notify.Event, len(g.events))
	copy(out, g.events)
	return out
}

func newStoreWithBackup(t *testing.T, component string) (*artifact.LocalStore, *artifact.Artifact) {
	t.Helper()
	codec, err := artifact.NewCodec("none")
	require.NoError(t, err)
	store, err := artifact.NewLocalStore(t.TempDir(), "us-east", codec)
	require.NoError(t, err)

	art, err := store.Put(context.Background(), []byte("restorable payload"), artifact.Metadata{
		ComponentID:     component,
		Kind:            artifact.KindFull,
		RetentionExpiry: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return store, art
}

func newTestManager(t *testing.T, ad adapter.Adapter, store artifact.Store, opts ManagerOptions) (*Manager, *eventSink) {
	t.Helper()
	registry, err := adapter.NewRegistry([]adapter.Component{ad.Component()})
	require.NoError(t, err)

	gateway := &eventSink{}
	opts.Registry = registry
	opts.Adapters = map[string]adapter.Adapter{ad.Component().ID: ad}
	if opts.Stores == nil {
		opts.Stores = map[string]artifact.Store{"us-east": store}
	}
	if opts.PrimarySite == "" {
		opts.PrimarySite = "us-east"
	}
	opts.Verifier = verify.NewEngine(store, time.Minute, nil)
	opts.Gateway = gateway

	mgr, err := NewManager(opts)
	require.NoError(t, err)
	return mgr, gateway
}

func TestRunComponentRecovery(t *testing.T) {
	ad := newRestoreRecorder("orders-db", 1)
	store, art := newStoreWithBackup(t, "orders-db")
	mgr, gateway := newTestManager(t, ad, store, ManagerOptions{})

	exec, err := mgr.Run(context.Background(), Request{
		Level:       LevelComponent,
		ComponentID: "orders-db",
	})
	require.NoError(t, err)

	assert.Equal(t, ExecCompleted, exec.State)
	require.Contains(t, exec.Steps, "orders-db")
	assert.Equal(t, StepRestored, exec.Steps["orders-db"].State)
	assert.Equal(t, []string{art.ID}, exec.Plan.Steps[0].ArtifactIDs)

	// The payload made it to the component, bracketed by quiesce/resume.
	assert.Equal(t, 1, ad.restoreCount())
	assert.Equal(t, 1, ad.quiesced)
	assert.Equal(t, 1, ad.resumed)

	// Token is free again.
	assert.False(t, mgr.Guard().Held())

	events := gateway.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.SeverityInfo, events[0].Severity)
}

func TestRunFailsFastWhenRecoveryInProgress(t *testing.T) {
	ad := newRestoreRecorder("orders-db", 1)
	store, _ := newStoreWithBackup(t, "orders-db")
	mgr, _ := newTestManager(t, ad, store, ManagerOptions{})

	require.NoError(t, mgr.Guard().TryAcquire("rec-other"))
	defer mgr.Guard().Release()

	_, err := mgr.Run(context.Background(), Request{
		Level:       LevelComponent,
		ComponentID: "orders-db",
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindRecoveryInProgress))

	// Nothing was touched.
	assert.Equal(t, 0, ad.restoreCount())
	assert.Equal(t, 0, ad.quiesced)
}

func TestRunFailureRollsBack(t *testing.T) {
	ad := newRestoreRecorder("orders-db", 1)
	ad.restoreErr = errors.New("restore command exited 1")
	store, _ := newStoreWithBackup(t, "orders-db")
	mgr, gateway := newTestManager(t, ad, store, ManagerOptions{})

	exec, err := mgr.Run(context.Background(), Request{
		Level:       LevelComponent,
		ComponentID: "orders-db",
	})
	require.Error(t, err)
	require.NotNil(t, exec)

	assert.Equal(t, ExecRolledBack, exec.State)
	assert.Equal(t, StepFailed, exec.Steps["orders-db"].State)
	assert.NotEmpty(t, exec.Error)

	// The component was resumed even though the restore failed.
	assert.Equal(t, 1, ad.resumed)

	events := gateway.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.SeverityCritical, events[0].Severity)
	assert.Contains(t, events[0].Message, "manual intervention")

	// The token was released on the failure path.
	require.NoError(t, mgr.Guard().TryAcquire("rec-next"))
	mgr.Guard().Release()
}

func TestRunFailedVerificationRollsBack(t *testing.T) {
	ad := newRestoreRecorder("orders-db", 1)
	ad.health = adapter.Down
	store, _ := newStoreWithBackup(t, "orders-db")
	mgr, _ := newTestManager(t, ad, store, ManagerOptions{})

	exec, err := mgr.Run(context.Background(), Request{
		Level:       LevelComponent,
		ComponentID: "orders-db",
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindVerification))
	assert.Equal(t, ExecRolledBack, exec.State)
}

func TestRunSiteRecoveryPromotesTarget(t *testing.T) {
	ad := newRestoreRecorder("orders-db", 1)
	primary, _ := newStoreWithBackup(t, "orders-db")
	target, _ := newStoreWithBackup(t, "orders-db")
	replicator := &recordingReplicator{}

	mgr, gateway := newTestManager(t, ad, primary, ManagerOptions{
		Stores: map[string]artifact.Store{
			"us-east": primary,
			"eu-west": target,
		},
		PrimarySite: "us-east",
		Replicator:  replicator,
	})

	exec, err := mgr.Run(context.Background(), Request{
		Level:      LevelSite,
		TargetSite: "eu-west",
	})
	require.NoError(t, err)

	assert.Equal(t, ExecCompleted, exec.State)
	assert.Equal(t, []string{"eu-west"}, replicator.ensured)
	assert.Equal(t, []string{"eu-west"}, replicator.promoted)

	// A promotion demands that clients be repointed.
	events := gateway.Events()
	require.Len(t, events, 2)
	assert.Equal(t, notify.SeverityCritical, events[0].Severity)
	assert.Contains(t, events[0].Message, "repoint")
	assert.Equal(t, notify.SeverityInfo, events[1].Severity)
}

func TestRunSiteRecoveryUnknownTarget(t *testing.T) {
	ad := newRestoreRecorder("orders-db", 1)
	store, _ := newStoreWithBackup(t, "orders-db")
	mgr, _ := newTestManager(t, ad, store, ManagerOptions{})

	_, err := mgr.Run(context.Background(), Request{
		Level:      LevelSite,
		TargetSite: "mars",
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindConfiguration))
}

func TestStatusPersistsAcrossRuns(t *testing.T) {
	ad := newRestoreRecorder("orders-db", 1)
	store, _ := newStoreWithBackup(t, "orders-db")
	stateDir := t.TempDir()
	mgr, _ := newTestManager(t, ad, store, ManagerOptions{StateDir: stateDir})

	before, err := mgr.Status()
	require.NoError(t, err)
	assert.Nil(t, before)

	exec, err := mgr.Run(context.Background(), Request{
		Level:       LevelComponent,
		ComponentID: "orders-db",
	})
	require.NoError(t, err)

	after, err := mgr.Status()
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, exec.ID, after.ID)
	assert.Equal(t, ExecCompleted, after.State)
}

func TestGroupStepsRunInDependencyOrder(t *testing.T) {
	db := newRestoreRecorder("orders-db", 1)
	cache := newRestoreRecorder("session-cache", 2)

	codec, err := artifact.NewCodec("none")
	require.NoError(t, err)
	store, err := artifact.NewLocalStore(t.TempDir(), "us-east", codec)
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	track := func(id string) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}

	ctx := context.Background()
	for _, component := range []string{"orders-db", "session-cache"} {
		_, err := store.Put(ctx, []byte("payload for "+component), artifact.Metadata{
			ComponentID:     component,
			Kind:            artifact.KindFull,
			RetentionExpiry: time.Now().Add(24 * time.Hour),
		})
		require.NoError(t, err)
	}

	registry, err := adapter.NewRegistry([]adapter.Component{
		{ID: "orders-db", Kind: adapter.KindDatabase, Order: 1, ConsistentWith: []string{"session-cache"}},
		{ID: "session-cache", Kind: adapter.KindCache, Order: 2},
	})
	require.NoError(t, err)

	mgr, err := NewManager(ManagerOptions{
		Registry: registry,
		Adapters: map[string]adapter.Adapter{
			"orders-db":     trackedAdapter{db, track},
			"session-cache": trackedAdapter{cache, track},
		},
		Stores:      map[string]artifact.Store{"us-east": store},
		PrimarySite: "us-east",
		Verifier:    verify.NewEngine(store, time.Minute, nil),
	})
	require.NoError(t, err)

	exec, err := mgr.Run(ctx, Request{Level: LevelGroup, ComponentID: "orders-db"})
	require.NoError(t, err)

	assert.Equal(t, ExecCompleted, exec.State)
	assert.Equal(t, []string{"orders-db", "session-cache"}, order)
}

// trackedAdapter wraps a recorder and reports when its restore runs.
type trackedAdapter struct {
	*restoreRecorder
	onRestore func(id string)
}

func (a trackedAdapter) Restore(ctx context.Context, art *artifact.Artifact, data []byte) error {
	a.onRestore(a.component.ID)
	return a.restoreRecorder.Restore(ctx, art, data)
}

func TestRunFailsWhenLaterRestoreBreaksEarlierComponent(t *testing.T) {
	db := newRestoreRecorder("orders-db", 1)
	files := newRestoreRecorder("file-assets", 2)

	codec, err := artifact.NewCodec("none")
	require.NoError(t, err)
	store, err := artifact.NewLocalStore(t.TempDir(), "us-east", codec)
	require.NoError(t, err)

	ctx := context.Background()
	for _, component := range []string{"orders-db", "file-assets"} {
		_, err := store.Put(ctx, []byte("payload for "+component), artifact.Metadata{
			ComponentID:     component,
			Kind:            artifact.KindFull,
			RetentionExpiry: time.Now().Add(24 * time.Hour),
		})
		require.NoError(t, err)
	}

	registry, err := adapter.NewRegistry([]adapter.Component{
		{ID: "orders-db", Kind: adapter.KindDatabase, Order: 1, ConsistentWith: []string{"file-assets"}},
		{ID: "file-assets", Kind: adapter.KindFilesystem, Order: 2},
	})
	require.NoError(t, err)

	// Restoring the file tree restarts a service the database depends
	// on: the database was healthy when its own step verified, but is
	// down once the whole set has been applied.
	breaker := trackedAdapter{files, func(string) {
		db.mu.Lock()
		db.health = adapter.Down
		db.mu.Unlock()
	}}

	gateway := &eventSink{}
	mgr, err := NewManager(ManagerOptions{
		Registry: registry,
		Adapters: map[string]adapter.Adapter{
			"orders-db":   db,
			"file-assets": breaker,
		},
		Stores:      map[string]artifact.Store{"us-east": store},
		PrimarySite: "us-east",
		Verifier:    verify.NewEngine(store, time.Minute, nil),
		Gateway:     gateway,
	})
	require.NoError(t, err)

	exec, err := mgr.Run(ctx, Request{Level: LevelGroup, ComponentID: "orders-db"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindVerification))
	assert.Contains(t, err.Error(), "orders-db")

	assert.Equal(t, ExecRolledBack, exec.State)
	assert.Equal(t, StepFailed, exec.Steps["orders-db"].State)
	assert.Equal(t, StepRestored, exec.Steps["file-assets"].State)

	events := gateway.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.SeverityCritical, events[0].Severity)
	assert.Contains(t, events[0].Message, "orders-db")
}
