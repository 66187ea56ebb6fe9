package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"regline/internal/app"
	"regline/internal/config"
	"regline/internal/db"
	"regline/internal/domain"
	"regline/internal/engine"
	"regline/internal/migrate"
	"regline/internal/repo"
	"regline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Regline CLI",
	Long: `Regline runs regulatory report testing cycles end to end.
Core concepts:
- Workspace: the .regline directory holding the SQLite database; cycle configs are stored in the DB and imported explicitly.
- Cycle: one testing cycle that owns reports, phases, activities, versions, SLA clocks, and the event log.
- Reports: the regulatory reports under test; creating one instantiates the full phase workflow from the cycle config.
- Phases: planning -> scoping -> data_profiling -> data_owner_id -> sample_selection -> request_info -> test_execution -> observation_mgmt -> test_report; a phase completes itself when its required activities finish.
- Activities: steps inside a phase, not_started -> in_progress -> complete, with ordering rules, blocks, and optional SLA clocks.
- Versions: approval-gated scope snapshots, draft -> pending_approval -> approved/rejected; approving supersedes the prior approved version and freezes decision outcomes.
- Decisions: per-entity include/exclude calls where an override beats the report owner and the owner beats the tester.
- SLAs: turnaround clocks with warning and breach thresholds; breaches walk an escalation ladder and can demand manual intervention.
- Executions: automated steps with retry budgets and backoff; exhausted retries trigger compensation (rollback, notify, or skip).
- Event log: diary of everything that happened, view with 'rl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("REGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("cycle", "", "cycle id (overrides workspace default)")
	rootCmd.PersistentFlags().String("report", "", "report id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("cycle", rootCmd.PersistentFlags().Lookup("cycle"))
	_ = viper.BindPFlag("report", rootCmd.PersistentFlags().Lookup("report"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rbacCmd())
}

func initCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace and its first cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(id, name)), 0o644); err != nil {
					return err
				}
				cfg, err = config.Load(workspace)
				if err != nil {
					return err
				}
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			c, err := e.InitCycle(cmd.Context(), id, name, viper.GetString("actor-id"), cfg)
			if err != nil {
				return err
			}
			if err := setEnvValue(filepath.Join(workspace, ".env"), "REGLINE_DEFAULT_CYCLE", c.ID); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			fmt.Printf("Initialized cycle %s in %s\n", c.ID, workspace)
			fmt.Printf("Database: %s\n", db.Path(workspace))
			fmt.Printf("Set REGLINE_DEFAULT_CYCLE=%s in %s/.env\n", c.ID, workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "cycle id")
	cmd.Flags().StringVar(&name, "name", "", "cycle name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func cycleCmd() *cobra.Command {
	c := &cobra.Command{Use: "cycle", Short: "Manage testing cycles"}
	c.AddCommand(cycleListCmd())
	c.AddCommand(cycleCreateCmd())
	c.AddCommand(cycleShowCmd())
	c.AddCommand(cycleUseCmd())
	c.AddCommand(cycleConfigCmd())
	return c
}

func cycleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCycles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func cycleCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id, name)
			e := engine.New(conn, cfg)
			c, err := e.InitCycle(cmd.Context(), id, name, viper.GetString("actor-id"), cfg)
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "cycle id")
	cmd.Flags().StringVar(&name, "name", "", "cycle name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func cycleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("cycle")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Cycle.ID
				}
				c, err := e.Repo.GetCycle(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func cycleUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current cycle for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycleID := strings.TrimSpace(args[0])
			if cycleID == "" {
				return fmt.Errorf("cycle id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "REGLINE_DEFAULT_CYCLE", cycleID); err != nil {
				return err
			}
			fmt.Printf("Set REGLINE_DEFAULT_CYCLE=%s in %s/.env\n", cycleID, workspace)
			return nil
		},
	}
	return cmd
}

func cycleConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage cycle config",
	}
	cfg.AddCommand(cycleConfigShowCmd())
	cfg.AddCommand(cycleConfigImportCmd())
	return cfg
}

func cycleConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show cycle config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func cycleConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import cycle config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			cycleID := cfg.Cycle.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if cycleID == "" {
					cycleID = e.Config.Cycle.ID
				}
				if err := e.Repo.UpsertCycleConfig(ctx, cycleID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect cycle config",
		Long:  "Config is the rulebook (stored in DB): workflow phases and activities, SLA policies, escalation ladders, retry budgets, and RBAC roles. Import from regline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cycle status",
		Long:  "The cycle scoreboard: reports, open SLA violations, versions awaiting approval, and the next startable activity per report.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cycleID := e.Config.Cycle.ID
				c, err := e.Repo.GetCycle(ctx, cycleID)
				if err != nil {
					return err
				}
				reports, err := e.Repo.ListReports(ctx, cycleID)
				if err != nil {
					return err
				}
				open, err := e.Repo.ListViolations(ctx, repo.ViolationFilters{CycleID: cycleID, Open: true})
				if err != nil {
					return err
				}
				pending, err := e.Repo.ListVersions(ctx, repo.VersionFilters{CycleID: cycleID, Status: "pending_approval"})
				if err != nil {
					return err
				}
				out := map[string]any{
					"cycle_id":         c.ID,
					"status":           c.Status,
					"reports":          len(reports),
					"open_violations":  len(open),
					"pending_versions": len(pending),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Cycle: %s (%s)\n", c.ID, c.Status)
				fmt.Printf("Reports: %d\n", len(reports))
				fmt.Printf("Open SLA violations: %d\n", len(open))
				fmt.Printf("Versions pending approval: %d\n", len(pending))
				for _, rep := range reports {
					next, err := e.NextActivity(ctx, cycleID, rep.ID)
					if errors.Is(err, repo.ErrNotFound) {
						fmt.Printf("  %s: no startable activity\n", rep.ID)
						continue
					}
					if err != nil {
						return err
					}
					fmt.Printf("  %s: next activity %s (%s)\n", rep.ID, next.Name, next.Status)
				}
				return nil
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{
		Use:   "report",
		Short: "Manage reports",
		Long:  "Reports are the regulatory filings under test. Creating one instantiates the full phase and activity workflow from the cycle config.",
	}
	rep.AddCommand(reportCreateCmd())
	rep.AddCommand(reportListCmd())
	rep.AddCommand(reportShowCmd())
	return rep
}

func reportCreateCmd() *cobra.Command {
	var opts engine.ReportCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.CycleID == "" {
					opts.CycleID = e.Config.Cycle.ID
				}
				rep, err := e.CreateReport(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ReportID, "id", "", "report id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.ReportOwnerID, "owner", "", "report owner actor id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func reportListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReports(ctx, e.Config.Cycle.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Owner", "Status"})
				for _, rep := range items {
					tw.AppendRow(table.Row{rep.ID, rep.Title, rep.ReportOwnerID, rep.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Repo.GetReport(ctx, e.Config.Cycle.ID, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func phaseCmd() *cobra.Command {
	ph := &cobra.Command{
		Use:   "phase",
		Short: "Manage phases",
		Long:  "Phases run in a fixed order and complete themselves when their required activities finish. Blocking a phase stops its activities until unblocked.",
	}
	ph.AddCommand(phaseListCmd())
	ph.AddCommand(phaseShowCmd())
	ph.AddCommand(phaseBlockCmd())
	ph.AddCommand(phaseUnblockCmd())
	return ph
}

func phaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phases for a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reportID, err := requireReport()
				if err != nil {
					return err
				}
				items, err := e.Repo.ListPhases(ctx, e.Config.Cycle.ID, reportID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Name", "Status", "Started", "Ended"})
				for _, p := range items {
					started := ""
					if p.StartedAt != nil {
						started = *p.StartedAt
					}
					ended := ""
					if p.EndedAt != nil {
						ended = *p.EndedAt
					}
					tw.AppendRow(table.Row{p.Seq, p.Name, p.Status, started, ended})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func phaseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a phase by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reportID, err := requireReport()
				if err != nil {
					return err
				}
				p, err := e.Repo.GetPhaseByName(ctx, e.Config.Cycle.ID, reportID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func phaseBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <name>",
		Short: "Block a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reportID, err := requireReport()
				if err != nil {
					return err
				}
				p, err := e.BlockPhase(ctx, e.Config.Cycle.ID, reportID, name, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "blocking reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func phaseUnblockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unblock <name>",
		Short: "Unblock a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reportID, err := requireReport()
				if err != nil {
					return err
				}
				p, err := e.UnblockPhase(ctx, e.Config.Cycle.ID, reportID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Manage activities",
		Long:  "Activities are the steps inside a phase. They start in order unless forced, may carry SLA clocks, and automated ones complete through executions.",
	}
	act.AddCommand(activityListCmd())
	act.AddCommand(activityShowCmd())
	act.AddCommand(activityStartCmd())
	act.AddCommand(activityCompleteCmd())
	act.AddCommand(activityBlockCmd())
	act.AddCommand(activityUnblockCmd())
	act.AddCommand(activityNextCmd())
	return act
}

func activityListCmd() *cobra.Command {
	var phaseName, status, typ string
	var startable bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cycleID := e.Config.Cycle.ID
				reportID, err := requireReport()
				if err != nil {
					return err
				}
				var items []domain.Activity
				if startable {
					items, err = e.StartableActivities(ctx, cycleID, reportID)
				} else {
					f := repo.ActivityFilters{CycleID: cycleID, ReportID: reportID, Status: status, Type: typ}
					if phaseName != "" {
						p, perr := e.Repo.GetPhaseByName(ctx, cycleID, reportID, phaseName)
						if perr != nil {
							return perr
						}
						f.PhaseID = p.ID
					}
					items, err = e.Repo.ListActivities(ctx, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				phases, err := e.Repo.ListPhases(ctx, cycleID, reportID)
				if err != nil {
					return err
				}
				phaseNames := map[string]string{}
				for _, p := range phases {
					phaseNames[p.ID] = p.Name
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phase", "Name", "Type", "Status"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, phaseNames[a.PhaseID], a.Name, a.Type, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phaseName, "phase", "", "phase name filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&typ, "type", "", "activity type filter")
	cmd.Flags().BoolVar(&startable, "startable", false, "only activities that can start now")
	return cmd
}

func activityShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetActivity(ctx, id)
				if err != nil {
					return err
				}
				p, err := e.Repo.GetPhase(ctx, a.PhaseID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"activity": a, "phase": p})
			})
		},
	}
	return cmd
}

func activityStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.StartActivity(ctx, id, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func activityCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CompleteActivity(ctx, id, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func activityBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <id>",
		Short: "Block an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.BlockActivity(ctx, id, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "blocking reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func activityUnblockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unblock <id>",
		Short: "Unblock an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UnblockActivity(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func activityNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the next startable activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reportID, err := requireReport()
				if err != nil {
					return err
				}
				a, err := e.NextActivity(ctx, e.Config.Cycle.ID, reportID)
				if errors.Is(err, repo.ErrNotFound) {
					if viper.GetBool("json") {
						return printJSON(nil)
					}
					fmt.Println("no startable activity")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	ver := &cobra.Command{
		Use:   "version",
		Short: "Manage scope versions",
		Long:  "Versions are approval-gated snapshots of scope decisions: draft -> pending_approval -> approved/rejected. Approving supersedes the prior approved version and freezes decision outcomes.",
	}
	ver.AddCommand(versionCreateCmd())
	ver.AddCommand(versionListCmd())
	ver.AddCommand(versionShowCmd())
	ver.AddCommand(versionSubmitCmd())
	ver.AddCommand(versionReviewCmd())
	ver.AddCommand(versionAbandonCmd())
	ver.AddCommand(versionApprovedCmd())
	return ver
}

func versionCreateCmd() *cobra.Command {
	var phaseName, scopeKind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reportID, err := requireReport()
				if err != nil {
					return err
				}
				v, err := e.CreateDraft(ctx, e.Config.Cycle.ID, reportID, phaseName, scopeKind, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&phaseName, "phase", "", "phase name")
	cmd.Flags().StringVar(&scopeKind, "scope", "", "scope kind (decision_set, sample_set, attribute_set)")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func versionListCmd() *cobra.Command {
	var phaseName, scopeKind, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cycleID := e.Config.Cycle.ID
				f := repo.VersionFilters{CycleID: cycleID, ReportID: viper.GetString("report"), ScopeKind: scopeKind, Status: status}
				if phaseName != "" {
					reportID, err := requireReport()
					if err != nil {
						return err
					}
					p, err := e.Repo.GetPhaseByName(ctx, cycleID, reportID, phaseName)
					if err != nil {
						return err
					}
					f.PhaseID = p.ID
				}
				items, err := e.Repo.ListVersions(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&phaseName, "phase", "", "phase name filter")
	cmd.Flags().StringVar(&scopeKind, "scope", "", "scope kind filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func versionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a version with its decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Repo.GetVersion(ctx, id)
				if err != nil {
					return err
				}
				ds, err := e.Repo.ListDecisions(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"version": v, "decisions": ds})
			})
		},
	}
	return cmd
}

func versionSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a version for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.SubmitVersion(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func versionReviewCmd() *cobra.Command {
	var verdict, notes string
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Approve or reject a pending version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verdict != "approve" && verdict != "reject" {
				return fmt.Errorf("--verdict must be approve or reject")
			}
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ReviewVersion(ctx, id, verdict == "approve", notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&verdict, "verdict", "", "approve or reject")
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func versionAbandonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon <id>",
		Short: "Abandon a draft version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.AbandonDraft(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func versionApprovedCmd() *cobra.Command {
	var phaseName, scopeKind string
	cmd := &cobra.Command{
		Use:   "approved",
		Short: "Show the approved version of a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reportID, err := requireReport()
				if err != nil {
					return err
				}
				v, ds, err := e.ApprovedScope(ctx, e.Config.Cycle.ID, reportID, phaseName, scopeKind)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"version": v, "decisions": ds})
			})
		},
	}
	cmd.Flags().StringVar(&phaseName, "phase", "", "phase name")
	cmd.Flags().StringVar(&scopeKind, "scope", "", "scope kind")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:   "decision",
		Short: "Manage scope decisions",
		Long:  "Decisions record include/exclude calls per entity on a draft version. The effective outcome is the override if present, else the report owner's call, else the tester's.",
	}
	dec.AddCommand(decisionAddCmd())
	dec.AddCommand(decisionImportCmd())
	dec.AddCommand(decisionReviewCmd())
	dec.AddCommand(decisionOverrideCmd())
	return dec
}

func decisionAddCmd() *cobra.Command {
	var versionID, entityRef, decision, rationale string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a tester decision to a draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.AddDecision(ctx, versionID, entityRef, decision, rationale, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "version id")
	cmd.Flags().StringVar(&entityRef, "entity", "", "entity reference")
	cmd.Flags().StringVar(&decision, "decision", "", "decision value")
	cmd.Flags().StringVar(&rationale, "rationale", "", "rationale")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func decisionImportCmd() *cobra.Command {
	var versionID, filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Bulk import tester decisions from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var items []struct {
				EntityRef string `json:"entity_ref"`
				Decision  string `json:"decision"`
				Rationale string `json:"rationale,omitempty"`
			}
			if err := json.Unmarshal(data, &items); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			if len(items) == 0 {
				return fmt.Errorf("no decisions in %s", filePath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				out := make([]domain.Decision, 0, len(items))
				for _, item := range items {
					d, err := e.AddDecision(ctx, versionID, item.EntityRef, item.Decision, item.Rationale, actorID)
					if err != nil {
						return err
					}
					out = append(out, d)
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "version id")
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON array of {entity_ref, decision, rationale}")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func decisionReviewCmd() *cobra.Command {
	var versionID, entityRef, decision, notes string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Record the report owner's decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ReviewDecision(ctx, versionID, entityRef, decision, notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "version id")
	cmd.Flags().StringVar(&entityRef, "entity", "", "entity reference")
	cmd.Flags().StringVar(&decision, "decision", "", "owner decision value")
	cmd.Flags().StringVar(&notes, "notes", "", "owner notes")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func decisionOverrideCmd() *cobra.Command {
	var versionID, entityRef, decision, reason string
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Override a decision on an approved version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.OverrideDecision(ctx, versionID, entityRef, decision, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "version id")
	cmd.Flags().StringVar(&entityRef, "entity", "", "entity reference")
	cmd.Flags().StringVar(&decision, "decision", "", "override decision value")
	cmd.Flags().StringVar(&reason, "reason", "", "override reason")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("decision")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func slaCmd() *cobra.Command {
	sla := &cobra.Command{
		Use:   "sla",
		Short: "Manage SLA violations",
		Long:  "SLA clocks open when a tracked activity starts. The sweep sends warnings, records breaches, and walks the escalation ladder; exhausted ladders flag manual intervention.",
	}
	sla.AddCommand(slaListCmd())
	sla.AddCommand(slaShowCmd())
	sla.AddCommand(slaPoliciesCmd())
	sla.AddCommand(slaResolveCmd())
	sla.AddCommand(slaSweepCmd())
	return sla
}

func slaPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List configured SLA policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSLAConfigs(ctx, e.Config.Cycle.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func slaListCmd() *cobra.Command {
	var activityID string
	var open, violated bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List SLA violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.ViolationFilters{
					CycleID:    e.Config.Cycle.ID,
					ReportID:   viper.GetString("report"),
					ActivityID: activityID,
					Open:       open,
					Violated:   violated,
				}
				items, err := e.Repo.ListViolations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Activity", "SLA", "Due", "Violated", "Level", "Resolved"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.ID, v.ActivityID, v.SLAType, v.DueAt, v.IsViolated, v.EscalationLevel, v.Resolved})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&activityID, "activity", "", "activity id filter")
	cmd.Flags().BoolVar(&open, "open", false, "only unresolved violations")
	cmd.Flags().BoolVar(&violated, "violated", false, "only breached violations")
	return cmd
}

func slaShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a violation with its escalation log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Repo.GetViolation(ctx, id)
				if err != nil {
					return err
				}
				esc, err := e.Repo.ListEscalationLog(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"violation": v, "escalations": esc})
			})
		},
	}
	return cmd
}

func slaResolveCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a violation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveViolation(ctx, id, resolution, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution note")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func slaSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one SLA sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SweepSLAs(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func execCmd() *cobra.Command {
	ex := &cobra.Command{
		Use:   "exec",
		Short: "Manage executions",
		Long:  "Executions are automated steps with retry budgets and exponential backoff. Exhausted or non-retryable failures trigger the policy's compensation: rollback, notify, or skip.",
	}
	ex.AddCommand(execEnqueueCmd())
	ex.AddCommand(execListCmd())
	ex.AddCommand(execShowCmd())
	ex.AddCommand(execCancelCmd())
	ex.AddCommand(execRetryCmd())
	ex.AddCommand(execRunCmd())
	return ex
}

func execEnqueueCmd() *cobra.Command {
	var activityID, policyType, payload string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue an execution for an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.Enqueue(ctx, activityID, policyType, payload, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	cmd.Flags().StringVar(&activityID, "activity", "", "activity id")
	cmd.Flags().StringVar(&policyType, "policy", "", "retry policy type")
	cmd.Flags().StringVar(&payload, "payload-json", "", "payload JSON")
	_ = cmd.MarkFlagRequired("activity")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func execListCmd() *cobra.Command {
	var activityID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.ExecutionFilters{
					CycleID:    e.Config.Cycle.ID,
					ReportID:   viper.GetString("report"),
					ActivityID: activityID,
					Status:     status,
				}
				items, err := e.Repo.ListExecutions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Activity", "Policy", "Status", "Attempt", "Next"})
				for _, exec := range items {
					tw.AppendRow(table.Row{exec.ID, exec.ActivityID, exec.PolicyType, exec.Status, fmt.Sprintf("%d/%d", exec.Attempt, exec.MaxAttempts), exec.NextAttemptAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&activityID, "activity", "", "activity id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func execShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an execution with retry and compensation logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.Repo.GetExecution(ctx, id)
				if err != nil {
					return err
				}
				retries, err := e.Repo.ListRetryLog(ctx, id)
				if err != nil {
					return err
				}
				comps, err := e.Repo.ListCompensationLog(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"execution":        exec,
					"retry_log":        retries,
					"compensation_log": comps,
				})
			})
		},
	}
	return cmd
}

func execCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.CancelExecution(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	return cmd
}

func execRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Make an execution due immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.RetryNow(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	return cmd
}

func execRunCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and run due executions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RunDue(ctx, viper.GetString("actor-id"), limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max executions to claim")
	return cmd
}

func assignmentCmd() *cobra.Command {
	asg := &cobra.Command{
		Use:   "assignment",
		Short: "Manage assignments",
		Long:  "Assignments are work items pushed to a role or actor, mostly by SLA escalations.",
	}
	asg.AddCommand(assignmentListCmd())
	asg.AddCommand(assignmentCompleteCmd())
	asg.AddCommand(assignmentCancelCmd())
	return asg
}

func assignmentListCmd() *cobra.Command {
	var f repo.AssignmentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.CycleID = e.Config.Cycle.ID
				f.ReportID = viper.GetString("report")
				items, err := e.Repo.ListAssignments(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ToRole, "role", "", "assigned role filter")
	cmd.Flags().StringVar(&f.ToActor, "actor", "", "assigned actor filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	return cmd
}

func assignmentCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark an assignment completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAssignmentStatus(ctx, id, "completed", viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func assignmentCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAssignmentStatus(ctx, id, "cancelled", viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate service callers against the HTTP API. Secrets are stored hashed and shown once at creation.",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			secret := hex.EncodeToString(buf)
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actor, key.CreatedAt); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": actor, "name": name, "key": secret})
				}
				fmt.Printf("API key %s created for %s\n", key.ID, actor)
				fmt.Printf("Secret (shown once): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "notify",
		Short: "Notification queue",
		Long:  "Notifications queued by SLA warnings and escalations; the serve dispatcher drains them to the configured webhook.",
	}
	n.AddCommand(notifyListCmd())
	n.AddCommand(notifyShowCmd())
	return n
}

func notifyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Repo.GetNotification(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	return cmd
}

func notifyListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListNotifications(ctx, e.Config.Cycle.ID, status, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (queued, sent, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: phase transitions, activity changes, version reviews, SLA escalations, and execution attempts.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.EventFilters{
					CycleID:    e.Config.Cycle.ID,
					ReportID:   viper.GetString("report"),
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				}
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacMembersCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacMembersCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "members",
		Short: "List actors holding a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				return fmt.Errorf("--role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.Repo.ActorsInRole(ctx, e.Config.Cycle.ID, role)
				if err != nil {
					return err
				}
				actors := make([]domain.Actor, 0, len(ids))
				for _, id := range ids {
					a, err := e.Repo.GetActor(ctx, id)
					if err != nil {
						return err
					}
					actors = append(actors, a)
				}
				return printJSONOrTable(actors)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, e.Config.Cycle.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Cycle.ID, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Cycle.ID, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the Regline API and runs the background loops: SLA sweeps, due execution runs, and notification/webhook dispatch, at the intervals the cycle config sets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			_, cfg, err := app.ResolveCycleAndConfig(cmd.Context(), cycleOverride(workspace), viper.GetString("actor-id"), engine.New(conn, nil))
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("REGLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("REGLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			server.StartDispatchers(e)
			startSweepLoops(ctx, e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Regline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// startSweepLoops runs the periodic SLA sweep and due-execution runner until
// ctx is cancelled. Loop failures are logged and retried next tick.
func startSweepLoops(ctx context.Context, e engine.Engine) {
	if iv := e.Config.Sweep.SLAIntervalSeconds; iv > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(iv) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := e.SweepSLAs(ctx, "system"); err != nil {
						log.Printf("sla sweep: %v", err)
					}
				}
			}
		}()
	}
	if iv := e.Config.Sweep.RetryIntervalSeconds; iv > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(iv) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := e.RunDue(ctx, "system", 50); err != nil {
						log.Printf("run due executions: %v", err)
					}
				}
			}
		}()
	}
}

// --- helpers ---

// withEngine opens the workspace DB and resolves the active cycle: the
// --cycle flag wins, then REGLINE_DEFAULT_CYCLE from the workspace .env,
// then the sole cycle in the DB.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	_, cfg, err := app.ResolveCycleAndConfig(ctx, cycleOverride(workspace), viper.GetString("actor-id"), engine.New(conn, nil))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func cycleOverride(workspace string) string {
	if c := strings.TrimSpace(viper.GetString("cycle")); c != "" {
		return c
	}
	return envValue(filepath.Join(workspace, ".env"), "REGLINE_DEFAULT_CYCLE")
}

func requireReport() (string, error) {
	r := strings.TrimSpace(viper.GetString("report"))
	if r == "" {
		return "", fmt.Errorf("report not specified; use --report")
	}
	return r, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envValue(path, key string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, key+"=") {
			return strings.TrimPrefix(line, key+"=")
		}
	}
	return ""
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
