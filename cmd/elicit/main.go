package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elicit-dev/elicit/internal/ai"
	"github.com/elicit-dev/elicit/internal/compaction"
	"github.com/elicit-dev/elicit/internal/config"
	"github.com/elicit-dev/elicit/internal/cost"
	"github.com/elicit-dev/elicit/internal/interview"
	"github.com/elicit-dev/elicit/internal/logging"
	"github.com/elicit-dev/elicit/internal/session"
	"github.com/elicit-dev/elicit/internal/storage"
	"github.com/elicit-dev/elicit/internal/workflow"
)

var (
	cfgPath string
	dbPath  string
	verbose bool

	appCfg *config.Config
	logger *zap.Logger
	store  storage.Storage
)

var rootCmd = &cobra.Command{
	Use:   "elicit",
	Short: "Guided interviews that turn expertise into training data",
	Long: `elicit runs multi-turn interviews that draw out a person's professional
knowledge, decide on their own when enough has been said, and turn the
conversation into question/answer instances.

Run 'elicit serve' for the HTTP API or 'elicit interview' for a terminal session.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Missing .env is fine
		_ = godotenv.Load()

		var err error
		appCfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			appCfg.Storage.Path = dbPath
		}
		if verbose {
			appCfg.Log.Level = "debug"
		}

		logger, err = logging.New(appCfg.Log)
		if err != nil {
			return err
		}

		store, err = storage.NewStorage(cmd.Context(), &appCfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close storage: %v\n", err)
			}
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// app is the wired interview stack
type app struct {
	tracker  *cost.Tracker
	registry *session.Registry
	service  *interview.Service
}

// newTracker builds the quota tracker from config
func newTracker() (*cost.Tracker, error) {
	tracker, err := cost.NewTracker(&appCfg.Quota, logger.Named("quota"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize quota tracker: %w", err)
	}
	return tracker, nil
}

// newApp wires provider, quota, engine, registry and service
func newApp(ctx context.Context) (*app, error) {
	provider, err := ai.NewProvider(ctx, appCfg.AI)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s provider: %w", appCfg.AI.Provider, err)
	}
	client, err := ai.NewClient(provider, appCfg.AI, logger.Named("ai"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AI client: %w", err)
	}

	tracker, err := newTracker()
	if err != nil {
		return nil, err
	}

	engine, err := workflow.New(workflow.Deps{
		Completer: client,
		Compactor: compaction.New(client, appCfg.Compaction, logger.Named("compaction")),
		Quota:     tracker,
		Profiles:  store,
		Instances: store,
	}, appCfg.Engine, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	registry := session.NewRegistry(store, logger.Named("sessions"))
	svc, err := interview.NewService(registry, engine, appCfg.Interview, logger.Named("interview"))
	if err != nil {
		return nil, err
	}
	return &app{tracker: tracker, registry: registry, service: svc}, nil
}

// lockDataDir claims the data directory for long-running commands. The
// returned func releases it.
func lockDataDir(holder string) (func(), error) {
	var dir string
	switch {
	case appCfg.Quota.PersistStatePath != "":
		dir = filepath.Dir(appCfg.Quota.PersistStatePath)
	case appCfg.Storage.Backend == storage.BackendSQLite && appCfg.Storage.Path != ":memory:":
		dir = filepath.Dir(appCfg.Storage.Path)
	default:
		return func() {}, nil
	}

	lock, err := storage.LockDataDir(dir, holder)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release data lock", zap.Error(err))
		}
	}, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
