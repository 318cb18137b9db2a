package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"dr-orchestrator/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Components: []ComponentConfig{
			{ID: "orders-db", Kind: "database"},
		},
		Sites: []SiteConfig{
			{
				ID:     "us-east",
				Region: "us-east-1",
				Role:   RolePrimary,
				Store: StoreConfig{
					Provider: "local",
					Local:    &LocalStoreConfig{BasePath: t.TempDir()},
				},
			},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "normal", cfg.Logging.Level)
	assert.Equal(t, 30, cfg.Backup.RetentionDays)
	assert.Equal(t, "gzip", cfg.Backup.Compression)
	assert.Equal(t, 2, cfg.Backup.Workers)
	assert.Equal(t, 3, cfg.Backup.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Backup.Retry.InitialInterval)
	assert.Equal(t, "0 2 * * *", cfg.Schedules.Full)
	assert.Equal(t, 4*time.Hour, cfg.Recovery.RPO)
	assert.Equal(t, time.Hour, cfg.Recovery.RTO)
	assert.Equal(t, 30*time.Minute, cfg.Recovery.SkewTolerance)
	assert.Equal(t, 5*time.Minute, cfg.Verification.Timeout)
	assert.Equal(t, ":9464", cfg.Metrics.ListenAddr)
	assert.Equal(t, 15*time.Minute, cfg.Notifications.Cooldown)
}

func TestValidateAcceptsWorkingConfig(t *testing.T) {
	assert.NoError(t, validConfig(t).Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "no components",
			mutate: func(c *Config) { c.Components = nil },
			field:  "components",
		},
		{
			name: "duplicate component",
			mutate: func(c *Config) {
				c.Components = append(c.Components, c.Components[0])
			},
			field: "components.id",
		},
		{
			name:   "no sites",
			mutate: func(c *Config) { c.Sites = nil },
			field:  "sites",
		},
		{
			name: "duplicate site",
			mutate: func(c *Config) {
				c.Sites = append(c.Sites, c.Sites[0])
			},
			field: "sites",
		},
		{
			name:   "no primary site",
			mutate: func(c *Config) { c.Sites[0].Role = RoleSecondary },
			field:  "sites.role",
		},
		{
			name:   "invalid role",
			mutate: func(c *Config) { c.Sites[0].Role = "observer" },
			field:  "sites.role",
		},
		{
			name:   "unsupported provider",
			mutate: func(c *Config) { c.Sites[0].Store.Provider = "ftp" },
			field:  "sites.store.provider",
		},
		{
			name: "local store without path",
			mutate: func(c *Config) {
				c.Sites[0].Store.Local = nil
			},
			field: "sites.store.local",
		},
		{
			name: "s3 store without section",
			mutate: func(c *Config) {
				c.Sites[0].Store.Provider = "s3"
				c.Sites[0].Store.S3 = nil
			},
			field: "sites.store.s3",
		},
		{
			name: "tiered store needs both backends",
			mutate: func(c *Config) {
				c.Sites[0].Store.Provider = "tiered"
				c.Sites[0].Store.S3 = nil
			},
			field: "sites.store.s3",
		},
		{
			name:   "bad compression",
			mutate: func(c *Config) { c.Backup.Compression = "brotli" },
			field:  "backup.compression",
		},
		{
			name:   "negative retention",
			mutate: func(c *Config) { c.Backup.RetentionDays = -1 },
			field:  "backup.retention_days",
		},
		{
			name:   "zero rpo",
			mutate: func(c *Config) { c.Recovery.RPO = -time.Hour },
			field:  "recovery.rpo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, fault.IsKind(err, fault.KindConfiguration))
			assert.Contains(t, err.Error(), "invalid configuration")
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "artifacts")
	configPath := filepath.Join(dir, "dr.yaml")

	yaml := `
backup:
  retention_days: 14
  compression: zstd
  workers: 4
schedules:
  full: "0 1 * * *"
components:
  - id: orders-db
    kind: database
    order: 1
    params:
      driver: pgx
      dsn: postgres://localhost/orders
      dump_command: pg_dump orders
      restore_command: pg_restore orders
  - id: uploads
    kind: filesystem
    order: 2
    params:
      path: /srv/uploads
recovery:
  rpo: 2h
  skew_tolerance: 15m
sites:
  - id: us-east
    region: us-east-1
    role: primary
    store:
      provider: local
      local:
        base_path: ` + storePath + `
  - id: eu-west
    region: eu-west-1
    role: secondary
    store:
      provider: local
      local:
        base_path: ` + storePath + `-replica
notifications:
  enabled: true
  min_severity: warning
`
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 14, cfg.Backup.RetentionDays)
	assert.Equal(t, "zstd", cfg.Backup.Compression)
	assert.Equal(t, 4, cfg.Backup.Workers)
	assert.Equal(t, "0 1 * * *", cfg.Schedules.Full)
	// Defaults fill what the file leaves out.
	assert.Equal(t, "0 */4 * * *", cfg.Schedules.Incremental)
	assert.Equal(t, 3, cfg.Backup.Retry.MaxAttempts)

	require.Len(t, cfg.Components, 2)
	assert.Equal(t, "pgx", cfg.Components[0].Params["driver"])
	assert.Equal(t, 10*time.Second, cfg.Components[0].ProbeTimeout)

	assert.Equal(t, 2*time.Hour, cfg.Recovery.RPO)
	assert.Equal(t, 15*time.Minute, cfg.Recovery.SkewTolerance)

	primary, err := cfg.PrimarySite()
	require.NoError(t, err)
	assert.Equal(t, "us-east", primary.ID)

	site, err := cfg.Site("eu-west")
	require.NoError(t, err)
	assert.Equal(t, RoleSecondary, site.Role)

	_, err = cfg.Site("mars")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindConfiguration))
}

func TestLoadInvalidConfigFails(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "dr.yaml")
	yaml := `
components: []
sites: []
`
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0644))

	_, err := Load(configPath)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindConfiguration))
}

func TestRetentionExpiry(t *testing.T) {
	cfg := validConfig(t)
	cfg.Backup.RetentionDays = 7

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, created.Add(7*24*time.Hour), cfg.RetentionExpiry(created))
}
