package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bildir/internal/config"
	"github.com/ShayCichocki/bildir/internal/logging"
	"github.com/ShayCichocki/bildir/internal/orchestrator"
	"github.com/ShayCichocki/bildir/internal/spool"
	"github.com/ShayCichocki/bildir/internal/state"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "bildir",
	Short: "Coordinate AI coding agents across persistent sessions",
	Long: `Bildir runs prompts against command-line AI agents in named, persistent
sessions and lets orchestrators supervise groups of them.

When a managed session finishes its work, its orchestrator reads the latest
output and decides what happens next: wait, prompt a session, or ask a human.

Run 'bildir serve' to start the daemon. Other commands edit the shared
database directly or hand work to the daemon through its spool directory.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/bildir/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides storage.path)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(orchestratorCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config when given, otherwise the XDG and project files.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	return cfg, nil
}

// openStore opens and migrates the configured database.
func openStore(cfg *config.Config) (*state.DB, error) {
	db, err := state.OpenWithDriver(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// cliEnv bundles what short-lived commands need: the store, a lifecycle
// service that never runs prompts, and the spool for handing work to serve.
type cliEnv struct {
	cfg   *config.Config
	db    *state.DB
	svc   *orchestrator.Service
	spool *spool.Spool
}

func openCLI() (*cliEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newCLIEnv(cfg)
}

func newCLIEnv(cfg *config.Config) (*cliEnv, error) {
	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	sp, err := spool.New(cfg.Storage.SpoolDir, logging.Nop())
	if err != nil {
		db.Close()
		return nil, err
	}
	defaults := orchestrator.NewPromptDefaults(promptsFromConfig(cfg))
	svc := orchestrator.NewService(db, nil, nil, providerNames{cfg}, defaults, orchestrator.ServiceConfig{
		DefaultProvider: cfg.Defaults.Provider,
		Kickoff:         cfg.Orchestrator.Kickoff,
	}, logging.Nop())
	return &cliEnv{cfg: cfg, db: db, svc: svc, spool: sp}, nil
}

func (e *cliEnv) Close() error {
	return e.db.Close()
}

// providerNames checks provider names against the configuration, so the
// CLI can validate without building backends.
type providerNames struct {
	cfg *config.Config
}

func (p providerNames) Has(name string) bool {
	return p.cfg.HasProvider(name)
}

func promptsFromConfig(cfg *config.Config) orchestrator.Prompts {
	return orchestrator.Prompts{
		BasePrompt:   cfg.Orchestrator.BasePrompt,
		Rules:        cfg.Orchestrator.Rules,
		WorkerPrompt: cfg.Orchestrator.WorkerPrompt,
	}
}
