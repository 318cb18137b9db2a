package adapter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/fault"
	"dr-orchestrator/internal/logging"

	"github.com/redis/go-redis/v9"
)

// rdbMagic is the header every Redis dump file starts with.
var rdbMagic = []byte("REDIS")

// redisClient is the subset of the go-redis client the adapter uses,
// extracted for tests.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	BgSave(ctx context.Context) *redis.StatusCmd
	LastSave(ctx context.Context) *redis.IntCmd
	Close() error
}

// cacheAdapter backs up Redis by triggering BGSAVE and capturing the
// resulting dump file. Cache snapshots are always full; incremental and
// transaction-log kinds are not supported. Restore writes the dump file
// back and restarts the server through restart_command.
//
// Recognized params:
//
//	addr             redis address host:port
//	password         redis auth (optional)
//	rdb_path         path to dump.rdb on the redis host
//	restart_command  shell command restarting the server after restore
//	save_timeout     how long to wait for BGSAVE to finish (default 2m)
type cacheAdapter struct {
	component Component
	logger    *logging.Logger
	newClient func() redisClient
	runner    commandRunner
	readFile  func(string) ([]byte, error)
	writeFile func(string, []byte, os.FileMode) error
}

func newCacheAdapter(c Component, logger *logging.Logger) (*cacheAdapter, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if c.Param("addr", "") == "" {
		return nil, fault.Configuration(
			fmt.Sprintf("component %s: addr is required for cache components", c.ID), nil)
	}
	if c.Param("rdb_path", "") == "" {
		return nil, fault.Configuration(
			fmt.Sprintf("component %s: rdb_path is required for cache components", c.ID), nil)
	}

	return &cacheAdapter{
		component: c,
		logger:    logger,
		newClient: func() redisClient {
			return redis.NewClient(&redis.Options{
				Addr:     c.Param("addr", ""),
				Password: c.Param("password", ""),
			})
		},
		runner:    shellRunner,
		readFile:  os.ReadFile,
		writeFile: os.WriteFile,
	}, nil
}

func (a *cacheAdapter) Component() Component { return a.component }

func (a *cacheAdapter) Supports(kind artifact.Kind) bool {
	return kind == artifact.KindFull
}

func (a *cacheAdapter) Backup(ctx context.Context, req BackupRequest) ([]byte, error) {
	if req.Kind != artifact.KindFull {
		return nil, fault.Configuration(
			fmt.Sprintf("component %s only supports full snapshots", a.component.ID), nil)
	}

	client := a.newClient()
	defer client.Close()

	before, err := client.LastSave(ctx).Result()
	if err != nil {
		return nil, fault.TransientIO(
			fmt.Sprintf("failed to query last save time for component %s", a.component.ID), err)
	}

	if err := client.BgSave(ctx).Err(); err != nil {
		return nil, fault.TransientIO(
			fmt.Sprintf("BGSAVE failed for component %s", a.component.ID), err)
	}

	if err := a.waitForSave(ctx, client, before); err != nil {
		return nil, err
	}

	data, err := a.readFile(a.component.Param("rdb_path", ""))
	if err != nil {
		return nil, fault.TransientIO(
			fmt.Sprintf("failed to read dump file for component %s", a.component.ID), err)
	}
	if err := a.StructuralCheck(ctx, req.Kind, data); err != nil {
		return nil, err
	}

	a.logger.WithFields(map[string]interface{}{
		"component": a.component.ID,
		"bytes":     len(data),
	}).Debug("Cache snapshot captured")

	return data, nil
}

// waitForSave polls LASTSAVE until it advances past the pre-BGSAVE value.
func (a *cacheAdapter) waitForSave(ctx context.Context, client redisClient, before int64) error {
	timeout := 2 * time.Minute
	if raw := a.component.Param("save_timeout", ""); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return fault.TransientIO("snapshot wait cancelled", ctx.Err())
		case <-deadline.C:
			return fault.TransientIO(
				fmt.Sprintf("BGSAVE did not complete within %s for component %s", timeout, a.component.ID), nil)
		case <-tick.C:
			last, err := client.LastSave(ctx).Result()
			if err != nil {
				return fault.TransientIO("failed to poll snapshot progress", err)
			}
			if last > before {
				return nil
			}
		}
	}
}

func (a *cacheAdapter) Restore(ctx context.Context, art *artifact.Artifact, data []byte) error {
	if err := a.StructuralCheck(ctx, art.Kind, data); err != nil {
		return err
	}

	rdbPath := a.component.Param("rdb_path", "")
	if err := a.writeFile(rdbPath, data, 0644); err != nil {
		return fault.TransientIO(
			fmt.Sprintf("failed to write dump file for component %s", a.component.ID), err)
	}

	if restart := a.component.Param("restart_command", ""); restart != "" {
		if _, err := a.runner(ctx, restart, nil); err != nil {
			return fault.TransientIO(
				fmt.Sprintf("failed to restart cache component %s", a.component.ID), err)
		}
	}

	client := a.newClient()
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fault.TransientIO(
			fmt.Sprintf("cache component %s did not come back after restore", a.component.ID), err)
	}

	a.logger.WithFields(map[string]interface{}{
		"component":   a.component.ID,
		"artifact_id": art.ID,
	}).Info("Cache snapshot restored")

	return nil
}

func (a *cacheAdapter) HealthCheck(ctx context.Context) Health {
	client := a.newClient()
	defer client.Close()

	timeout := a.component.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(probeCtx).Err(); err != nil {
		return Down
	}
	return Healthy
}

// Quiesce is a no-op for caches; the snapshot file swap happens while the
// server is stopped by restart_command during restore.
func (a *cacheAdapter) Quiesce(ctx context.Context) error { return nil }

func (a *cacheAdapter) Resume(ctx context.Context) error { return nil }

func (a *cacheAdapter) StructuralCheck(ctx context.Context, kind artifact.Kind, data []byte) error {
	if len(data) < len(rdbMagic) || !bytes.HasPrefix(data, rdbMagic) {
		return fault.CorruptArtifact(
			fmt.Sprintf("snapshot for component %s is not a valid dump file", a.component.ID), nil)
	}
	return nil
}
