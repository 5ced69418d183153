package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bildir/internal/config"
	"github.com/ShayCichocki/bildir/internal/event"
	"github.com/ShayCichocki/bildir/internal/exec"
	"github.com/ShayCichocki/bildir/internal/logging"
	"github.com/ShayCichocki/bildir/internal/orchestrator"
	"github.com/ShayCichocki/bildir/internal/provider"
	"github.com/ShayCichocki/bildir/internal/runner"
	"github.com/ShayCichocki/bildir/internal/spool"
	"github.com/ShayCichocki/bildir/internal/state"
	"github.com/ShayCichocki/bildir/internal/status"
)

var serveLogStderr bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon that executes prompts and supervises sessions",
	Long: `Run the bildir daemon.

The daemon executes prompts, tracks which sessions are busy, and runs a
decision cycle for every active orchestrator whenever one of its managed
sessions goes idle. Requests from other bildir commands arrive through the
spool directory. Configuration changes to prompts and rules are picked up
without a restart.

Stop with Ctrl+C or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveLogStderr, "log-stderr", false, "Log to stderr instead of the configured log file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logFile := cfg.Logging.File
	if serveLogStderr {
		logFile = ""
	}
	logger, closer, err := logging.New(logFile, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	printStatus("✓", fmt.Sprintf("Database %s", cfg.Storage.Path), color.FgGreen)
	printStatus("✓", fmt.Sprintf("Providers: %v", d.providers.Names()), color.FgGreen)
	printStatus("✓", fmt.Sprintf("Spool %s", d.spool.Dir()), color.FgGreen)
	if cfg.Events.NATSURL != "" {
		printStatus("✓", fmt.Sprintf("Forwarding events to %s", cfg.Events.NATSURL), color.FgGreen)
	}
	fmt.Println("Serving. Press Ctrl+C to stop.")

	err = d.run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// daemon holds the long-lived components of serve.
type daemon struct {
	logger     *slog.Logger
	db         *state.DB
	bus        *event.Bus
	providers  *provider.Registry
	runner     *runner.Runner
	defaults   *orchestrator.PromptDefaults
	service    *orchestrator.Service
	supervisor *orchestrator.Supervisor
	spool      *spool.Spool
	forwarder  *event.Forwarder
	closers    []func()
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	d := &daemon{logger: logger, db: db}
	d.closers = append(d.closers, func() { db.Close() })

	// Busy state is never persisted, so only the ownership relation can be
	// left inconsistent by a previous run.
	if fixed, err := db.RepairOwnership(); err != nil {
		d.close()
		return nil, err
	} else if fixed > 0 {
		logger.Warn("repaired session ownership", "sessions", fixed)
	}

	providers, err := provider.FromConfig(ctx, cfg, exec.NewRunner(), logger)
	if err != nil {
		d.close()
		return nil, err
	}
	d.providers = providers

	d.bus = event.NewBus(logger)
	d.closers = append(d.closers, d.bus.Close)
	tracker := status.NewTracker(db, d.bus, logger)

	d.runner = runner.New(db, providers, tracker, d.bus, cfg.Orchestrator.InjectTimeout, logger)
	d.closers = append(d.closers, d.runner.Close)

	d.defaults = orchestrator.NewPromptDefaults(promptsFromConfig(cfg))
	engine := orchestrator.NewProviderEngine(providers, db, d.defaults, cfg.Orchestrator.DecisionTimeout, logger)
	actions := orchestrator.NewActionExecutor(db, d.runner, d.bus, cfg.Orchestrator.InjectTimeout, logger)
	d.service = orchestrator.NewService(db, d.runner, actions, providers, d.defaults, orchestrator.ServiceConfig{
		DefaultProvider: cfg.Defaults.Provider,
		Kickoff:         cfg.Orchestrator.Kickoff,
	}, logger)
	d.supervisor = orchestrator.NewSupervisor(d.bus, db, engine, actions, logger,
		orchestrator.WithHistoryLimit(cfg.Orchestrator.HistoryLimit),
		orchestrator.WithRecovery(tracker, orchestrator.DefaultRecoveryInterval))

	if d.spool, err = spool.New(cfg.Storage.SpoolDir, logger); err != nil {
		d.close()
		return nil, err
	}

	if cfg.Events.NATSURL != "" {
		nc, err := event.ConnectNATS(cfg.Events.NATSURL, logger)
		if err != nil {
			d.close()
			return nil, err
		}
		d.closers = append(d.closers, func() { _ = nc.Drain() })
		d.forwarder = event.NewForwarder(d.bus, nc, cfg.Events.NATSSubject, cfg.Events.Buffer, logger)
	}
	return d, nil
}

// run blocks until ctx is done or a component fails.
func (d *daemon) run(ctx context.Context) error {
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()

	p.Go(d.supervisor.Run)
	p.Go(func(ctx context.Context) error {
		return d.spool.Watch(ctx, spool.HandlerFunc(d.handleRequest))
	})
	p.Go(d.watchConfig)
	if d.forwarder != nil {
		p.Go(d.forwarder.Run)
	}

	d.logger.Info("daemon started", "providers", d.providers.Names(), "spool", d.spool.Dir())
	err := p.Wait()
	d.logger.Info("daemon stopped")
	return err
}

func (d *daemon) close() {
	// Reverse order: runner before bus before store.
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// handleRequest executes a spooled request from another bildir process.
func (d *daemon) handleRequest(ctx context.Context, req spool.Request) error {
	switch req.Kind {
	case spool.KindSend:
		_, err := d.service.SendPrompt(req.Session, req.Text)
		return err
	case spool.KindRespond:
		_, err := d.service.Respond(req.Orchestrator, req.Text)
		return err
	case spool.KindStart:
		jobs, err := d.service.Start(req.Orchestrator)
		if err != nil {
			return err
		}
		d.logger.Info("orchestrator start handled", "orchestrator", req.Orchestrator, "kickoffs", len(jobs))
		return nil
	default:
		return fmt.Errorf("unknown request kind %q", req.Kind)
	}
}

// watchConfig swaps the configured prompt layer when config files change.
func (d *daemon) watchConfig(ctx context.Context) error {
	files := []string{configPath}
	if configPath == "" {
		files = []string{config.GetUserConfigPath(), config.GetProjectConfigPath()}
	}
	w := config.NewWatcher(files, loadConfig, func(cfg *config.Config) {
		d.defaults.Set(promptsFromConfig(cfg))
		d.logger.Info("orchestrator prompts reloaded")
	}, d.logger)
	return w.Run(ctx)
}
