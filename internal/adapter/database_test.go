package adapter

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/fault"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDBAdapter(t *testing.T, params map[string]string) *databaseAdapter {
	t.Helper()
	base := map[string]string{
		"dump_command":    "pg_dump orders",
		"restore_command": "pg_restore orders",
		"dsn":             "postgres://localhost/orders",
		"driver":          "pgx",
	}
	for k, v := range params {
		base[k] = v
	}
	ad, err := newDatabaseAdapter(Component{
		ID:     "orders-db",
		Kind:   KindDatabase,
		Params: base,
	}, nil)
	require.NoError(t, err)
	return ad
}

func TestDatabaseAdapterRequiresCommands(t *testing.T) {
	_, err := newDatabaseAdapter(Component{
		ID:     "orders-db",
		Kind:   KindDatabase,
		Params: map[string]string{"restore_command": "pg_restore"},
	}, nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindConfiguration))

	_, err = newDatabaseAdapter(Component{
		ID: "orders-db",
		Params: map[string]string{
			"dump_command":    "pg_dump",
			"restore_command": "pg_restore",
			"driver":          "oracle",
		},
	}, nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindConfiguration))
}

func TestDatabaseBackupRunsDumpCommand(t *testing.T) {
	ad := newDBAdapter(t, nil)

	var gotCommand string
	ad.runner = func(ctx context.Context, command string, stdin []byte) ([]byte, error) {
		gotCommand = command
		return []byte("-- PostgreSQL database dump\nCREATE TABLE orders (id INT);\n"), nil
	}

	data, err := ad.Backup(context.Background(), BackupRequest{Kind: artifact.KindFull})
	require.NoError(t, err)
	assert.Equal(t, "pg_dump orders", gotCommand)
	assert.Contains(t, string(data), "CREATE TABLE orders")
}

func TestDatabaseBackupEmptyDump(t *testing.T) {
	ad := newDBAdapter(t, nil)
	ad.runner = func(ctx context.Context, command string, stdin []byte) ([]byte, error) {
		return nil, nil
	}

	_, err := ad.Backup(context.Background(), BackupRequest{Kind: artifact.KindFull})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindCorruptArtifact))
}

func TestDatabaseBackupCommandFailure(t *testing.T) {
	ad := newDBAdapter(t, nil)
	ad.runner = func(ctx context.Context, command string, stdin []byte) ([]byte, error) {
		return nil, errors.New("exit status 1: connection refused")
	}

	_, err := ad.Backup(context.Background(), BackupRequest{Kind: artifact.KindFull})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindTransientIO))
}

func TestDatabaseIncrementalNeedsBaseline(t *testing.T) {
	ad := newDBAdapter(t, map[string]string{
		"incremental_command": "dump_changes --since '{{baseline_time}}'",
	})

	_, err := ad.Backup(context.Background(), BackupRequest{Kind: artifact.KindIncremental})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindMissingBaseline))
}

func TestDatabaseSupports(t *testing.T) {
	plain := newDBAdapter(t, nil)
	assert.True(t, plain.Supports(artifact.KindFull))
	assert.False(t, plain.Supports(artifact.KindIncremental))
	assert.False(t, plain.Supports(artifact.KindTransactionLog))

	rich := newDBAdapter(t, map[string]string{
		"incremental_command": "dump_changes",
		"txlog_command":       "archive_wal",
	})
	assert.True(t, rich.Supports(artifact.KindIncremental))
	assert.True(t, rich.Supports(artifact.KindTransactionLog))
}

func TestDatabaseRestoreFeedsStdin(t *testing.T) {
	ad := newDBAdapter(t, nil)

	var gotStdin []byte
	ad.runner = func(ctx context.Context, command string, stdin []byte) ([]byte, error) {
		gotStdin = stdin
		return nil, nil
	}

	dump := []byte("-- PostgreSQL database dump\nCREATE TABLE orders (id INT);\n")
	art := &artifact.Artifact{ID: "orders-db-20260101-120000-abcd1234", Kind: artifact.KindFull}
	require.NoError(t, ad.Restore(context.Background(), art, dump))
	assert.Equal(t, dump, gotStdin)
}

func TestDatabaseStructuralCheck(t *testing.T) {
	ad := newDBAdapter(t, map[string]string{
		"structure_markers":   "CREATE TABLE",
		"dump_version_marker": "PostgreSQL database dump",
	})
	ctx := context.Background()

	good := []byte("-- PostgreSQL database dump\nCREATE TABLE orders (id INT);\n")
	assert.NoError(t, ad.StructuralCheck(ctx, artifact.KindFull, good))

	wrongEngine := []byte("-- MySQL dump 10.13\nCREATE TABLE orders (id INT);\n")
	err := ad.StructuralCheck(ctx, artifact.KindFull, wrongEngine)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindVersionMismatch))

	truncated := []byte("-- PostgreSQL database dump\n")
	err = ad.StructuralCheck(ctx, artifact.KindFull, truncated)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindCorruptArtifact))

	// Partial dumps are not held to full-dump structure markers.
	assert.NoError(t, ad.StructuralCheck(ctx, artifact.KindIncremental, truncated))

	err = ad.StructuralCheck(ctx, artifact.KindFull, nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindCorruptArtifact))
}

func TestDatabaseHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		pingErr error
		want    Health
	}{
		{"reachable", nil, Healthy},
		{"unreachable", errors.New("connection refused"), Down},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
			require.NoError(t, err)

			exp := mock.ExpectPing()
			if tt.pingErr != nil {
				exp.WillReturnError(tt.pingErr)
			}
			mock.ExpectClose()

			ad := newDBAdapter(t, nil)
			ad.openDB = func(driver, dsn string) (*sql.DB, error) {
				assert.Equal(t, "pgx", driver)
				return db, nil
			}

			assert.Equal(t, tt.want, ad.HealthCheck(context.Background()))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDatabaseQuiesce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("SELECT pg_terminate_backend").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectClose()

	ad := newDBAdapter(t, map[string]string{
		"quiesce_query": "SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = 'orders'",
	})
	ad.openDB = func(driver, dsn string) (*sql.DB, error) { return db, nil }

	require.NoError(t, ad.Quiesce(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	// No resume_query configured means Resume is a no-op.
	assert.NoError(t, ad.Resume(context.Background()))
}

func TestDatabaseRestoreRejectsBadDump(t *testing.T) {
	ad := newDBAdapter(t, map[string]string{
		"dump_version_marker": "PostgreSQL database dump",
	})
	ad.runner = func(ctx context.Context, command string, stdin []byte) ([]byte, error) {
		t.Fatal("restore command must not run for a rejected dump")
		return nil, nil
	}

	art := &artifact.Artifact{ID: "orders-db-20260101-120000-abcd1234", Kind: artifact.KindFull}
	err := ad.Restore(context.Background(), art, []byte("-- MySQL dump 10.13\n"))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindVersionMismatch))
}
