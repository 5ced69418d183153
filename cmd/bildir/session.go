package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bildir/internal/exec"
	"github.com/ShayCichocki/bildir/internal/git"
	"github.com/ShayCichocki/bildir/internal/render"
	"github.com/ShayCichocki/bildir/internal/spool"
	"github.com/ShayCichocki/bildir/internal/state"
	"github.com/ShayCichocki/bildir/pkg/models"
)

var (
	sessionProvider string
	sessionWorkDir  string
	sessionTags     []string
	sessionRole     string
	historyLimit    int
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"s"},
	Short:   "Manage sessions",
}

var sessionAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a session",
	Long: `Create a named session bound to a provider and a working directory.

The working directory defaults to defaults.workdir, or the current directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionAdd,
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	Args:    cobra.NoArgs,
	RunE:    runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a session and its recent messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionSendCmd = &cobra.Command{
	Use:   "send <name> <prompt...>",
	Short: "Send a prompt to a session",
	Long: `Queue a prompt for a session. The running daemon executes it.

If the session is managed by an idle orchestrator, the orchestrator becomes
active.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSessionSend,
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "Print a session's message history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionHistory,
}

var sessionRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Delete an unowned session and its history",
	Args:    cobra.ExactArgs(1),
	RunE:    runSessionRemove,
}

func init() {
	sessionAddCmd.Flags().StringVarP(&sessionProvider, "provider", "p", "", "Provider (default defaults.provider)")
	sessionAddCmd.Flags().StringVarP(&sessionWorkDir, "workdir", "w", "", "Working directory")
	sessionAddCmd.Flags().StringSliceVar(&sessionTags, "tags", nil, "Role tags")
	sessionAddCmd.Flags().StringVar(&sessionRole, "role", "", "Role description")

	sessionHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Number of messages (0 for all)")

	sessionCmd.AddCommand(sessionAddCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionSendCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
	sessionCmd.AddCommand(sessionRemoveCmd)
}

func runSessionAdd(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	name := args[0]
	if err := models.ValidateName(name); err != nil {
		return fmt.Errorf("session name: %w", err)
	}
	prov := sessionProvider
	if prov == "" {
		prov = env.cfg.Defaults.Provider
	}
	if !env.cfg.HasProvider(prov) {
		return fmt.Errorf("unknown provider %q (configured: %s)", prov, strings.Join(env.cfg.ProviderNames(), ", "))
	}
	dir, err := resolveWorkDir(sessionWorkDir, env.cfg.Defaults.WorkDir)
	if err != nil {
		return err
	}

	s := &models.Session{
		Name:            name,
		Provider:        prov,
		WorkDir:         dir,
		Tags:            sessionTags,
		RoleDescription: sessionRole,
	}
	if err := env.db.CreateSession(s); err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Session %s created (%s in %s)", name, prov, dir), color.FgGreen)
	return nil
}

// resolveWorkDir picks the flag, then the configured default, then the
// current directory, and returns an absolute path to an existing directory.
func resolveWorkDir(flag, fallback string) (string, error) {
	dir := flag
	if dir == "" {
		dir = fallback
	}
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		dir = cwd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workdir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workdir %s is not a directory", abs)
	}
	return abs, nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	sessions, err := env.db.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions. Create one with 'bildir session add <name>'.")
		return nil
	}
	for i := range sessions {
		fmt.Println(render.Session(&sessions[i]))
	}
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	s, err := env.db.GetSession(args[0])
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("session %q not found", args[0])
	}

	fmt.Println(render.Session(s))
	if s.RoleDescription != "" {
		fmt.Printf("  role: %s\n", s.RoleDescription)
	}
	if len(s.Tags) > 0 {
		fmt.Printf("  tags: %s\n", strings.Join(s.Tags, ", "))
	}
	if s.Owned() {
		if o, err := env.db.GetOrchestrator(s.OrchestratorID); err == nil && o != nil {
			fmt.Printf("  orchestrator: %s (%s)\n", o.Name, o.Status)
		}
	}
	providers := make([]string, 0, len(s.ConversationIDs))
	for p := range s.ConversationIDs {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		fmt.Printf("  conversation[%s]: %s\n", p, s.ConversationIDs[p])
	}

	if snap, ok, err := git.Take(cmd.Context(), git.NewRunner(s.WorkDir, exec.NewRunner())); err == nil && ok {
		tree := "clean"
		if snap.Dirty() {
			tree = fmt.Sprintf("%d uncommitted", len(snap.Changed))
		}
		fmt.Printf("  git: %s (%s)", snap.Branch, tree)
		if snap.Head != "" {
			fmt.Printf(" at %s", render.Truncate(snap.Head, 60))
		}
		fmt.Println()
	}

	count, err := env.db.CountMessages(s.Name)
	if err != nil {
		return err
	}
	fmt.Printf("  messages: %d\n", count)
	recent, err := env.db.RecentMessages(s.Name, 5)
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		fmt.Println()
		fmt.Print(render.History(recent))
	}
	return nil
}

func runSessionSend(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	name, text := args[0], joinArgs(args[1:])
	s, err := env.db.GetSession(name)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("session %q not found", name)
	}

	req, err := env.spool.Submit(spool.Request{Kind: spool.KindSend, Session: name, Text: text})
	if err != nil {
		return err
	}
	printStatus("→", fmt.Sprintf("Prompt queued for %s (request %s)", name, req.ID), color.FgCyan)
	return nil
}

func runSessionHistory(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	s, err := env.db.GetSession(args[0])
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("session %q not found", args[0])
	}
	msgs, err := env.db.RecentMessages(s.Name, historyLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("No messages yet.")
		return nil
	}
	fmt.Print(render.History(msgs))
	return nil
}

func runSessionRemove(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.db.DeleteSession(args[0]); err != nil {
		if errors.Is(err, state.ErrOwnershipConflict) {
			return fmt.Errorf("%w: unassign it from its orchestrator first", err)
		}
		return err
	}
	printStatus("✓", fmt.Sprintf("Session %s deleted", args[0]), color.FgGreen)
	return nil
}
