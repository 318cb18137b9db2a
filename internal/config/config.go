package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/fault"
	"dr-orchestrator/internal/notify"

	"github.com/spf13/viper"
)

// Config is the root configuration for the orchestrator.
type Config struct {
	Logging       LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Backup        BackupConfig      `mapstructure:"backup" yaml:"backup"`
	Schedules     ScheduleConfig    `mapstructure:"schedules" yaml:"schedules"`
	Components    []ComponentConfig `mapstructure:"components" yaml:"components"`
	Recovery      RecoveryConfig    `mapstructure:"recovery" yaml:"recovery"`
	Sites         []SiteConfig      `mapstructure:"sites" yaml:"sites"`
	Verification  VerifyConfig      `mapstructure:"verification" yaml:"verification"`
	Notifications notify.Config     `mapstructure:"notifications" yaml:"notifications"`
	Metrics       MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	ShowCaller bool   `mapstructure:"show_caller" yaml:"show_caller"`
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
}

// BackupConfig holds backup job settings shared by all components.
type BackupConfig struct {
	RetentionDays int         `mapstructure:"retention_days" yaml:"retention_days"`
	Compression   string      `mapstructure:"compression" yaml:"compression"`
	Workers       int         `mapstructure:"workers" yaml:"workers"`
	Retry         RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig bounds the retry loop for failed backup attempts.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

// ScheduleConfig holds cron expressions for the recurring operations.
type ScheduleConfig struct {
	Full           string `mapstructure:"full" yaml:"full"`
	Incremental    string `mapstructure:"incremental" yaml:"incremental"`
	TransactionLog string `mapstructure:"transaction_log" yaml:"transaction_log"`
	Replication    string `mapstructure:"replication" yaml:"replication"`
	RetentionSweep string `mapstructure:"retention_sweep" yaml:"retention_sweep"`
}

// ComponentConfig describes one stateful component under backup.
type ComponentConfig struct {
	ID             string            `mapstructure:"id" yaml:"id"`
	Kind           string            `mapstructure:"kind" yaml:"kind"`
	Order          int               `mapstructure:"order" yaml:"order"`
	ConsistentWith []string          `mapstructure:"consistent_with" yaml:"consistent_with"`
	Params         map[string]string `mapstructure:"params" yaml:"params"`
	ProbeTimeout   time.Duration     `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// RecoveryConfig holds recovery objectives and state location.
type RecoveryConfig struct {
	RPO           time.Duration `mapstructure:"rpo" yaml:"rpo"`
	RTO           time.Duration `mapstructure:"rto" yaml:"rto"`
	SkewTolerance time.Duration `mapstructure:"skew_tolerance" yaml:"skew_tolerance"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
}

// SiteConfig describes one storage site.
type SiteConfig struct {
	ID     string      `mapstructure:"id" yaml:"id"`
	Region string      `mapstructure:"region" yaml:"region"`
	Role   string      `mapstructure:"role" yaml:"role"`
	Store  StoreConfig `mapstructure:"store" yaml:"store"`
}

// StoreConfig selects the storage backend for a site.
type StoreConfig struct {
	Provider string             `mapstructure:"provider" yaml:"provider"`
	Local    *LocalStoreConfig  `mapstructure:"local,omitempty" yaml:"local,omitempty"`
	S3       *artifact.S3Config `mapstructure:"s3,omitempty" yaml:"s3,omitempty"`
}

// LocalStoreConfig for file system storage.
type LocalStoreConfig struct {
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// VerifyConfig controls post-backup and post-restore verification.
type VerifyConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// Site roles.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// Load reads configuration from the given file, falling back to a
// dr-orchestrator.yaml in the working directory or /etc/dr-orchestrator.
// Environment variables prefixed DR_ override file values.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("dr-orchestrator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dr-orchestrator")
	}

	v.SetEnvPrefix("DR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || configFile != "" {
			return nil, fault.Configuration("failed to read configuration file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fault.Configuration("failed to parse configuration", err)
	}

	cfg.SetDefaults()
	cfg.loadFromEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SetDefaults fills unset fields with working defaults.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "normal"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 30
	}
	if c.Backup.Compression == "" {
		c.Backup.Compression = "gzip"
	}
	if c.Backup.Workers == 0 {
		c.Backup.Workers = 2
	}
	if c.Backup.Retry.MaxAttempts == 0 {
		c.Backup.Retry.MaxAttempts = 3
	}
	if c.Backup.Retry.InitialInterval == 0 {
		c.Backup.Retry.InitialInterval = 30 * time.Second
	}
	if c.Backup.Retry.Multiplier == 0 {
		c.Backup.Retry.Multiplier = 2.0
	}
	if c.Backup.Retry.MaxInterval == 0 {
		c.Backup.Retry.MaxInterval = 10 * time.Minute
	}

	if c.Schedules.Full == "" {
		c.Schedules.Full = "0 2 * * *"
	}
	if c.Schedules.Incremental == "" {
		c.Schedules.Incremental = "0 */4 * * *"
	}
	if c.Schedules.Replication == "" {
		c.Schedules.Replication = "*/30 * * * *"
	}
	if c.Schedules.RetentionSweep == "" {
		c.Schedules.RetentionSweep = "0 4 * * *"
	}

	if c.Recovery.RPO == 0 {
		c.Recovery.RPO = 4 * time.Hour
	}
	if c.Recovery.RTO == 0 {
		c.Recovery.RTO = time.Hour
	}
	if c.Recovery.SkewTolerance == 0 {
		c.Recovery.SkewTolerance = 30 * time.Minute
	}
	if c.Recovery.StateDir == "" {
		c.Recovery.StateDir = "/var/lib/dr-orchestrator"
	}

	if c.Verification.Timeout == 0 {
		c.Verification.Timeout = 5 * time.Minute
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9464"
	}

	for i := range c.Components {
		if c.Components[i].ProbeTimeout == 0 {
			c.Components[i].ProbeTimeout = 10 * time.Second
		}
	}

	for i := range c.Sites {
		if c.Sites[i].Store.Provider == "" {
			c.Sites[i].Store.Provider = "local"
		}
	}

	if c.Notifications.Cooldown == 0 {
		c.Notifications.Cooldown = 15 * time.Minute
	}
	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = notify.SeverityInfo
	}
}

// loadFromEnvironment applies credential overrides that should not live
// in the config file.
func (c *Config) loadFromEnvironment() {
	for i := range c.Sites {
		s3 := c.Sites[i].Store.S3
		if s3 == nil {
			continue
		}
		if s3.AccessKey == "" {
			s3.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		}
		if s3.SecretKey == "" {
			s3.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errors fault.ValidationErrors

	if c.Backup.RetentionDays < 1 {
		errors.Add("backup.retention_days", "retention must be at least one day", c.Backup.RetentionDays)
	}
	switch c.Backup.Compression {
	case "none", "gzip", "lz4", "zstd":
	default:
		errors.Add("backup.compression", "unsupported compression algorithm", c.Backup.Compression)
	}
	if c.Backup.Workers < 1 {
		errors.Add("backup.workers", "at least one worker is required", c.Backup.Workers)
	}
	if c.Backup.Retry.MaxAttempts < 1 {
		errors.Add("backup.retry.max_attempts", "at least one attempt is required", c.Backup.Retry.MaxAttempts)
	}

	if len(c.Components) == 0 {
		errors.Add("components", "at least one component is required", nil)
	}
	seen := map[string]bool{}
	for _, comp := range c.Components {
		if comp.ID == "" {
			errors.Add("components.id", "component ID is required", comp.ID)
			continue
		}
		if seen[comp.ID] {
			errors.Add("components.id", "duplicate component ID", comp.ID)
		}
		seen[comp.ID] = true
	}

	if len(c.Sites) == 0 {
		errors.Add("sites", "at least one site is required", nil)
	}
	primaries := 0
	siteIDs := map[string]bool{}
	for _, site := range c.Sites {
		if site.ID == "" {
			errors.Add("sites.id", "site ID is required", site.ID)
			continue
		}
		if siteIDs[site.ID] {
			errors.Add("sites.id", "duplicate site ID", site.ID)
		}
		siteIDs[site.ID] = true

		switch site.Role {
		case RolePrimary:
			primaries++
		case RoleSecondary:
		default:
			errors.Add("sites.role",
				fmt.Sprintf("site %s has invalid role", site.ID), site.Role)
		}

		switch site.Store.Provider {
		case "local":
			if site.Store.Local == nil || site.Store.Local.BasePath == "" {
				errors.Add("sites.store.local",
					fmt.Sprintf("site %s requires a local base_path", site.ID), nil)
			}
		case "s3":
			if site.Store.S3 == nil {
				errors.Add("sites.store.s3",
					fmt.Sprintf("site %s requires an s3 section", site.ID), nil)
			} else if err := site.Store.S3.Validate(); err != nil {
				errors.Add("sites.store.s3",
					fmt.Sprintf("site %s: %v", site.ID, err), nil)
			}
		case "tiered":
			if site.Store.Local == nil || site.Store.Local.BasePath == "" {
				errors.Add("sites.store.local",
					fmt.Sprintf("site %s requires a local base_path for the tiered store", site.ID), nil)
			}
			if site.Store.S3 == nil {
				errors.Add("sites.store.s3",
					fmt.Sprintf("site %s requires an s3 section for the tiered store", site.ID), nil)
			} else if err := site.Store.S3.Validate(); err != nil {
				errors.Add("sites.store.s3",
					fmt.Sprintf("site %s: %v", site.ID, err), nil)
			}
		default:
			errors.Add("sites.store.provider",
				fmt.Sprintf("site %s has unsupported store provider", site.ID), site.Store.Provider)
		}
	}
	if primaries != 1 && len(c.Sites) > 0 {
		errors.Add("sites.role", "exactly one site must have the primary role", primaries)
	}

	if c.Recovery.RPO <= 0 {
		errors.Add("recovery.rpo", "RPO must be positive", c.Recovery.RPO)
	}
	if c.Recovery.RTO <= 0 {
		errors.Add("recovery.rto", "RTO must be positive", c.Recovery.RTO)
	}
	if c.Recovery.SkewTolerance <= 0 {
		errors.Add("recovery.skew_tolerance", "skew tolerance must be positive", c.Recovery.SkewTolerance)
	}

	if errors.HasErrors() {
		return fault.Configuration("invalid configuration", errors)
	}
	return nil
}

// RetentionExpiry computes the expiry timestamp for an artifact created now.
func (c *Config) RetentionExpiry(createdAt time.Time) time.Time {
	return createdAt.Add(time.Duration(c.Backup.RetentionDays) * 24 * time.Hour)
}

// PrimarySite returns the site configured with the primary role.
func (c *Config) PrimarySite() (SiteConfig, error) {
	for _, site := range c.Sites {
		if site.Role == RolePrimary {
			return site, nil
		}
	}
	return SiteConfig{}, fault.Configuration("no primary site configured", nil)
}

// Site returns a site by ID.
func (c *Config) Site(id string) (SiteConfig, error) {
	for _, site := range c.Sites {
		if site.ID == id {
			return site, nil
		}
	}
	return SiteConfig{}, fault.Configuration(fmt.Sprintf("site %s is not configured", id), nil)
}
