package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bildir/internal/orchestrator"
	"github.com/ShayCichocki/bildir/internal/render"
	"github.com/ShayCichocki/bildir/internal/spool"
	"github.com/ShayCichocki/bildir/pkg/models"
)

var (
	orchProvider       string
	orchGoal           string
	orchWorkDir        string
	orchRules          string
	orchBasePrompt     string
	orchSessions       []string
	orchCreateSessions bool
	orchStart          bool
	manifestFile       string
	logLimit           int
)

var orchestratorCmd = &cobra.Command{
	Use:     "orchestrator",
	Aliases: []string{"orch", "o"},
	Short:   "Manage orchestrators",
	Long: `Manage orchestrators.

An orchestrator supervises a set of sessions toward a goal. While active,
every time one of its sessions finishes a prompt it decides what to do next:
wait, send a prompt to one of its sessions, or ask a human.`,
}

var orchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an orchestrator",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrchCreate,
}

var orchApplyCmd = &cobra.Command{
	Use:   "apply -f <manifest.yaml>",
	Short: "Create or update an orchestrator from a manifest",
	Long: `Create or update an orchestrator and its sessions from a YAML manifest.

Example:

  name: release
  provider: claude
  goal: Ship the v2 API with passing integration tests
  start: true
  sessions:
    - name: api
      workdir: ./api
      role: backend developer
    - name: qa
      provider: codex
      workdir: ./api

Missing sessions are created. Sessions the orchestrator manages but the
manifest omits are unassigned. Relative paths resolve against the manifest.`,
	Args: cobra.NoArgs,
	RunE: runOrchApply,
}

var orchListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List orchestrators",
	Args:    cobra.NoArgs,
	RunE:    runOrchList,
}

var orchShowCmd = &cobra.Command{
	Use:   "show <name|id>",
	Short: "Show an orchestrator with its pending question and recent decisions",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrchShow,
}

var orchStartCmd = &cobra.Command{
	Use:   "start <name|id>",
	Short: "Activate an orchestrator and kick off its empty sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrchStart,
}

var orchPauseCmd = &cobra.Command{
	Use:   "pause <name|id>",
	Short: "Stop making decisions; running prompts finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(env *cliEnv) error {
			if err := env.svc.Pause(args[0]); err != nil {
				return err
			}
			printStatus("◌", fmt.Sprintf("Orchestrator %s paused", args[0]), color.FgYellow)
			return nil
		})
	},
}

var orchResumeCmd = &cobra.Command{
	Use:   "resume <name|id>",
	Short: "Resume a paused orchestrator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(env *cliEnv) error {
			if err := env.svc.Resume(args[0]); err != nil {
				return err
			}
			printStatus("●", fmt.Sprintf("Orchestrator %s resumed", args[0]), color.FgGreen)
			return nil
		})
	},
}

var orchDeleteCmd = &cobra.Command{
	Use:     "delete <name|id>",
	Aliases: []string{"rm"},
	Short:   "Delete an orchestrator and release its sessions",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(env *cliEnv) error {
			if err := env.svc.Delete(args[0]); err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("Orchestrator %s deleted", args[0]), color.FgGreen)
			return nil
		})
	},
}

var orchRespondCmd = &cobra.Command{
	Use:   "respond <name|id> <answer...>",
	Short: "Answer an orchestrator's pending question",
	Long: `Answer the question an orchestrator asked. The answer is sent as a
prompt to the session the question was about, and the question is cleared.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runOrchRespond,
}

var orchAssignCmd = &cobra.Command{
	Use:   "assign <name|id> <session...>",
	Short: "Add sessions to an orchestrator",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(env *cliEnv) error {
			if err := env.svc.Assign(args[0], args[1:]); err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("Assigned %v to %s", args[1:], args[0]), color.FgGreen)
			return nil
		})
	},
}

var orchUnassignCmd = &cobra.Command{
	Use:   "unassign <name|id> <session...>",
	Short: "Remove sessions from an orchestrator",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(env *cliEnv) error {
			if err := env.svc.Unassign(args[0], args[1:]); err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("Unassigned %v from %s", args[1:], args[0]), color.FgGreen)
			return nil
		})
	},
}

var orchLogCmd = &cobra.Command{
	Use:   "log <name|id>",
	Short: "Print an orchestrator's decision log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(env *cliEnv) error {
			recs, err := env.svc.Decisions(args[0], logLimit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No decisions yet.")
				return nil
			}
			fmt.Print(render.Decisions(recs))
			return nil
		})
	},
}

func init() {
	orchCreateCmd.Flags().StringVarP(&orchProvider, "provider", "p", "", "Provider that makes decisions (default defaults.provider)")
	orchCreateCmd.Flags().StringVarP(&orchGoal, "goal", "g", "", "Goal the managed sessions work toward")
	orchCreateCmd.Flags().StringVarP(&orchWorkDir, "workdir", "w", "", "Working directory for decisions")
	orchCreateCmd.Flags().StringVar(&orchRules, "rules", "", "Decision rules overriding the configured rules")
	orchCreateCmd.Flags().StringVar(&orchBasePrompt, "base-prompt", "", "Base prompt overriding the configured one")
	orchCreateCmd.Flags().StringSliceVarP(&orchSessions, "sessions", "s", nil, "Sessions to manage")
	orchCreateCmd.Flags().BoolVar(&orchCreateSessions, "create-sessions", false, "Create missing sessions with default settings")
	orchCreateCmd.Flags().BoolVar(&orchStart, "start", false, "Start the orchestrator after creating it")

	orchApplyCmd.Flags().StringVarP(&manifestFile, "file", "f", "", "Manifest file")
	_ = orchApplyCmd.MarkFlagRequired("file")

	orchLogCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "Number of entries")

	orchestratorCmd.AddCommand(orchCreateCmd)
	orchestratorCmd.AddCommand(orchApplyCmd)
	orchestratorCmd.AddCommand(orchListCmd)
	orchestratorCmd.AddCommand(orchShowCmd)
	orchestratorCmd.AddCommand(orchStartCmd)
	orchestratorCmd.AddCommand(orchPauseCmd)
	orchestratorCmd.AddCommand(orchResumeCmd)
	orchestratorCmd.AddCommand(orchDeleteCmd)
	orchestratorCmd.AddCommand(orchRespondCmd)
	orchestratorCmd.AddCommand(orchAssignCmd)
	orchestratorCmd.AddCommand(orchUnassignCmd)
	orchestratorCmd.AddCommand(orchLogCmd)
}

func withService(fn func(env *cliEnv) error) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}

func runOrchCreate(cmd *cobra.Command, args []string) error {
	return withService(func(env *cliEnv) error {
		dir := ""
		if orchWorkDir != "" {
			var err error
			if dir, err = resolveWorkDir(orchWorkDir, ""); err != nil {
				return err
			}
		}
		if orchCreateSessions {
			sessionDir, err := resolveWorkDir("", env.cfg.Defaults.WorkDir)
			if err != nil {
				return err
			}
			for _, name := range orchSessions {
				if err := models.ValidateName(name); err != nil {
					return fmt.Errorf("session name: %w", err)
				}
				if _, err := env.db.EnsureSession(name, env.cfg.Defaults.Provider, sessionDir); err != nil {
					return err
				}
			}
		}

		o, err := env.svc.Create(orchestrator.CreateParams{
			Name:       args[0],
			Provider:   orchProvider,
			Goal:       orchGoal,
			WorkDir:    dir,
			Rules:      orchRules,
			BasePrompt: orchBasePrompt,
			Sessions:   orchSessions,
		})
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Orchestrator %s created (%s)", o.Name, o.ID), color.FgGreen)

		if orchStart {
			return requestStart(env, o)
		}
		return nil
	})
}

func runOrchApply(cmd *cobra.Command, args []string) error {
	m, err := LoadManifest(manifestFile)
	if err != nil {
		return err
	}
	base, err := filepath.Abs(filepath.Dir(manifestFile))
	if err != nil {
		return err
	}

	return withService(func(env *cliEnv) error {
		res, err := applyManifest(env, m, base)
		if err != nil {
			return err
		}
		for _, name := range res.SessionsCreated {
			printStatus("✓", fmt.Sprintf("Session %s created", name), color.FgGreen)
		}
		for _, name := range res.Unassigned {
			printStatus("−", fmt.Sprintf("Session %s unassigned", name), color.FgYellow)
		}
		verb := "updated"
		if res.Created {
			verb = "created"
		}
		printStatus("✓", fmt.Sprintf("Orchestrator %s %s", res.Orchestrator.Name, verb), color.FgGreen)
		if res.StartRequest != nil {
			printStatus("→", fmt.Sprintf("Start queued for the daemon (request %s)", res.StartRequest.ID), color.FgCyan)
		}
		return nil
	})
}

func runOrchList(cmd *cobra.Command, args []string) error {
	return withService(func(env *cliEnv) error {
		list, err := env.svc.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No orchestrators. Create one with 'bildir orchestrator create <name>'.")
			return nil
		}
		for i := range list {
			fmt.Println(render.Orchestrator(&list[i]))
		}
		return nil
	})
}

func runOrchShow(cmd *cobra.Command, args []string) error {
	return withService(func(env *cliEnv) error {
		o, err := env.svc.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Println(render.Orchestrator(o))

		recs, err := env.svc.Decisions(o.ID, 5)
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			fmt.Println()
			fmt.Print(render.Decisions(recs))
		}
		return nil
	})
}

func runOrchStart(cmd *cobra.Command, args []string) error {
	return withService(func(env *cliEnv) error {
		o, err := env.svc.Get(args[0])
		if err != nil {
			return err
		}
		if o.Status == models.OrchestratorPaused {
			return fmt.Errorf("%w: %s is paused, resume it instead", orchestrator.ErrInvalidTransition, o.Name)
		}
		return requestStart(env, o)
	})
}

func requestStart(env *cliEnv, o *models.Orchestrator) error {
	req, err := env.spool.Submit(spool.Request{Kind: spool.KindStart, Orchestrator: o.ID})
	if err != nil {
		return err
	}
	printStatus("→", fmt.Sprintf("Start of %s queued for the daemon (request %s)", o.Name, req.ID), color.FgCyan)
	return nil
}

func runOrchRespond(cmd *cobra.Command, args []string) error {
	return withService(func(env *cliEnv) error {
		o, err := env.svc.Get(args[0])
		if err != nil {
			return err
		}
		if o.PendingQuestion == nil {
			return fmt.Errorf("%s: %w", o.Name, orchestrator.ErrNoPendingQuestion)
		}
		req, err := env.spool.Submit(spool.Request{
			Kind:         spool.KindRespond,
			Orchestrator: o.ID,
			Text:         joinArgs(args[1:]),
		})
		if err != nil {
			return err
		}
		printStatus("→", fmt.Sprintf("Answer for %s queued for %s (request %s)",
			o.PendingQuestion.TargetSession, o.Name, req.ID), color.FgCyan)
		return nil
	})
}
