package cmd

import (
	"fmt"

	"dr-orchestrator/internal/adapter"
	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/backoff"
	"dr-orchestrator/internal/config"
	"dr-orchestrator/internal/fault"
	"dr-orchestrator/internal/logging"
	"dr-orchestrator/internal/metrics"
	"dr-orchestrator/internal/notify"
	"dr-orchestrator/internal/recovery"
	"dr-orchestrator/internal/replication"
	"dr-orchestrator/internal/scheduler"
	"dr-orchestrator/internal/verify"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dr-orchestrator",
	Short: "Backup and disaster recovery orchestration for stateful components",
	Long: `dr-orchestrator runs scheduled backups of databases, caches and file
trees, stores the resulting artifacts in tiered local and object storage,
verifies every artifact before it becomes a recovery point, replicates
artifacts to secondary sites, and executes leveled recovery plans.

Examples:
  # Run the scheduler daemon
  dr-orchestrator schedule start --config=/etc/dr-orchestrator/dr-orchestrator.yaml

  # Trigger a one-off full backup of one component
  dr-orchestrator backup run --component orders-db --kind full

  # Restore a single component to the latest verified backup
  dr-orchestrator recovery run --level L1 --component orders-db

  # Rebuild everything at the standby site
  dr-orchestrator recovery run --level L3 --target-site eu-west

  # Push artifacts to the secondary sites now
  dr-orchestrator replicate sync

  # Remove expired artifacts
  dr-orchestrator retention sweep --dry-run`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(v, bt, gc string) {
	version, buildTime, gitCommit = v, bt, gc
	rootCmd.Version = fmt.Sprintf("%s (built %s, commit %s)", version, buildTime, gitCommit)
}

// Execute runs the CLI and returns the command error for exit code
// mapping in main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./dr-orchestrator.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
}

// runtime holds the wired subsystems every command works against.
type runtime struct {
	cfg        *config.Config
	logger     *logging.Logger
	registry   *adapter.Registry
	adapters   map[string]adapter.Adapter
	stores     map[string]artifact.Store
	primary    string
	verifier   *verify.Engine
	gateway    notify.Gateway
	metrics    *metrics.Metrics
	replicator *replication.Coordinator
	recovery   *recovery.Manager
	scheduler  *scheduler.Scheduler
}

// buildRuntime loads configuration and wires the subsystems.
func buildRuntime() (*runtime, error) {
	if verbose && quiet {
		return nil, fault.Configuration("--verbose and --quiet are mutually exclusive", nil)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	level := logging.LogLevel(cfg.Logging.Level)
	if verbose {
		level = logging.LogLevelVerbose
	}
	if quiet {
		level = logging.LogLevelQuiet
	}
	logger, err := logging.NewLogger(logging.Config{
		Level:      level,
		Format:     cfg.Logging.Format,
		ShowCaller: cfg.Logging.ShowCaller,
		LogFile:    cfg.Logging.LogFile,
	})
	if err != nil {
		return nil, err
	}

	codec, err := artifact.NewCodec(cfg.Backup.Compression)
	if err != nil {
		return nil, err
	}

	stores := make(map[string]artifact.Store, len(cfg.Sites))
	for _, site := range cfg.Sites {
		store, err := buildStore(site, codec)
		if err != nil {
			return nil, err
		}
		stores[site.ID] = store
	}

	primarySite, err := cfg.PrimarySite()
	if err != nil {
		return nil, err
	}

	components := make([]adapter.Component, 0, len(cfg.Components))
	for _, c := range cfg.Components {
		components = append(components, adapter.Component{
			ID:             c.ID,
			Kind:           adapter.Kind(c.Kind),
			Order:          c.Order,
			ConsistentWith: c.ConsistentWith,
			Params:         c.Params,
			ProbeTimeout:   c.ProbeTimeout,
		})
	}
	registry, err := adapter.NewRegistry(components)
	if err != nil {
		return nil, err
	}

	adapters := make(map[string]adapter.Adapter, len(components))
	for _, comp := range registry.All() {
		ad, err := adapter.New(comp, logger)
		if err != nil {
			return nil, err
		}
		adapters[comp.ID] = ad
	}

	m := metrics.New()
	gateway := notify.NewManager(logger, cfg.Notifications)
	verifier := verify.NewEngine(stores[primarySite.ID], cfg.Verification.Timeout, logger)

	replicator, err := replication.NewCoordinator(replication.CoordinatorOptions{
		Stores:      stores,
		PrimarySite: primarySite.ID,
		Gateway:     gateway,
		Metrics:     m,
		Logger:      logger,
		RPO:         cfg.Recovery.RPO,
		Retry: backoff.Policy{
			Initial:    cfg.Backup.Retry.InitialInterval,
			Multiplier: cfg.Backup.Retry.Multiplier,
			Max:        cfg.Backup.Retry.MaxInterval,
		},
		MaxAttempts: cfg.Backup.Retry.MaxAttempts,
		StateDir:    cfg.Recovery.StateDir,
	})
	if err != nil {
		return nil, err
	}

	recoveryMgr, err := recovery.NewManager(recovery.ManagerOptions{
		Registry:      registry,
		Adapters:      adapters,
		Stores:        stores,
		PrimarySite:   primarySite.ID,
		Verifier:      verifier,
		Replicator:    replicator,
		Gateway:       gateway,
		Metrics:       m,
		Logger:        logger,
		SkewTolerance: cfg.Recovery.SkewTolerance,
		StateDir:      cfg.Recovery.StateDir,
	})
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Options{
		Registry:      registry,
		Adapters:      adapters,
		Store:         stores[primarySite.ID],
		Verifier:      verifier,
		Gateway:       gateway,
		Metrics:       m,
		Logger:        logger,
		Guard:         recoveryMgr.Guard(),
		Retry:         cfg.Backup.Retry,
		RetentionDays: cfg.Backup.RetentionDays,
		Workers:       cfg.Backup.Workers,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		adapters:   adapters,
		stores:     stores,
		primary:    primarySite.ID,
		verifier:   verifier,
		gateway:    gateway,
		metrics:    m,
		replicator: replicator,
		recovery:   recoveryMgr,
		scheduler:  sched,
	}, nil
}

func buildStore(site config.SiteConfig, codec artifact.Codec) (artifact.Store, error) {
	switch site.Store.Provider {
	case "local":
		return artifact.NewLocalStore(site.Store.Local.BasePath, site.ID, codec)
	case "s3":
		return artifact.NewS3Store(*site.Store.S3, site.ID, codec)
	case "tiered":
		local, err := artifact.NewLocalStore(site.Store.Local.BasePath, site.ID, codec)
		if err != nil {
			return nil, err
		}
		remote, err := artifact.NewS3Store(*site.Store.S3, site.ID, codec)
		if err != nil {
			return nil, err
		}
		return artifact.NewTieredStore(local, remote, site.ID), nil
	default:
		return nil, fault.Configuration(
			fmt.Sprintf("site %s has unsupported store provider %s", site.ID, site.Store.Provider), nil)
	}
}

func (r *runtime) primaryStore() artifact.Store {
	return r.stores[r.primary]
}
