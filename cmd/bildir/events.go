package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bildir/internal/event"
	"github.com/ShayCichocki/bildir/internal/logging"
	"github.com/ShayCichocki/bildir/internal/render"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow live session and orchestrator events",
	Long: `Print events from a running daemon as they happen: busy and idle
transitions, new messages, decisions and questions.

Requires events.nats_url so the daemon forwards its events.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Events.NATSURL == "" {
		return fmt.Errorf("events.nats_url is not set; the daemon only forwards events when it is")
	}

	nc, err := event.ConnectNATS(cfg.Events.NATSURL, logging.Nop())
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Following %s.> on %s\n", cfg.Events.NATSSubject, cfg.Events.NATSURL)
	return event.Follow(ctx, nc, cfg.Events.NATSSubject, func(e event.Event) {
		fmt.Println(render.Event(e))
	})
}
