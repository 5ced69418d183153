package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bildir/internal/render"
	"github.com/ShayCichocki/bildir/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions, orchestrators and pending questions",
	Long: `Display an overview of the shared state.

Shows:
  - Session and orchestrator counts
  - Orchestrators by status
  - Questions waiting for a human answer
  - Requests not yet picked up by the daemon
  - Ownership inconsistencies, if any`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	sessions, err := env.db.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	orchs, err := env.svc.List()
	if err != nil {
		return fmt.Errorf("list orchestrators: %w", err)
	}

	owned := 0
	for i := range sessions {
		if sessions[i].Owned() {
			owned++
		}
	}
	fmt.Printf("Database: %s\n", env.cfg.Storage.Path)
	fmt.Printf("Sessions: %d (%d managed)\n", len(sessions), owned)

	counts := map[models.OrchestratorStatus]int{}
	for _, o := range orchs {
		counts[o.Status]++
	}
	fmt.Printf("Orchestrators: %d (%d active, %d paused, %d idle)\n", len(orchs),
		counts[models.OrchestratorActive], counts[models.OrchestratorPaused], counts[models.OrchestratorIdle])

	pending, err := env.spool.Pending()
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		printStatus("⚠", fmt.Sprintf("%d request(s) waiting for the daemon; is 'bildir serve' running?", len(pending)), color.FgYellow)
	}

	mismatches, err := env.db.CheckOwnership()
	if err != nil {
		return err
	}
	for _, m := range mismatches {
		printStatus("✗", fmt.Sprintf("Session %s: owner %q but listed by %q (serve repairs this on start)",
			m.Session, m.Recorded, m.Member), color.FgRed)
	}

	var asked bool
	for i := range orchs {
		o := &orchs[i]
		if o.PendingQuestion == nil {
			continue
		}
		if !asked {
			fmt.Println()
			fmt.Println("Questions:")
			asked = true
		}
		fmt.Printf("%s %s\n", render.Status(o.Status), o.Name)
		fmt.Println(render.Question(o.PendingQuestion))
		fmt.Printf("  answer with: bildir orchestrator respond %s <answer>\n", o.Name)
	}
	if !asked && len(orchs) > 0 {
		printStatus("✓", "No pending questions", color.FgGreen)
	}
	return nil
}
