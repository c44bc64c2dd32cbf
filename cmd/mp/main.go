package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mailpilot/internal/config"
	"mailpilot/internal/db"
	"mailpilot/internal/domain"
	"mailpilot/internal/engine"
	"mailpilot/internal/intent"
	"mailpilot/internal/migrate"
	"mailpilot/internal/repo"
	"mailpilot/internal/server"
	"mailpilot/internal/tools"
)

var rootCmd = &cobra.Command{
	Use:   "mp",
	Short: "MailPilot CLI",
	Long: `MailPilot turns email chatter into missions: durable outcomes with a plan,
an approval gate, and an audit trail.
- Mission: one outcome you are driving over email (close the deal, schedule
  the interview), with linked threads and participants.
- Plan card: the 2-5 step contract the assistant proposes; nothing with a
  side effect runs before the card is approved.
- Risk flags: deterministic warnings (new recipient, external domain, money
  or legal language) that always force a human decision.
- Audit log: append-only record of every approval and tool call.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MAILPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/mailpilot.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(turnCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a MailPilot workspace",
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
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("Config already exists at %s\n", cfgPath)
				return nil
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(email)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: db at %s, config at %s\n", db.Path(workspace), cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email address")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func missionCmd() *cobra.Command {
	mission := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions are the durable outcomes MailPilot drives: active -> waiting_on_other / needs_user -> done -> archived.",
	}
	mission.AddCommand(missionListCmd())
	mission.AddCommand(missionShowCmd())
	mission.AddCommand(missionStatusCmd())
	mission.AddCommand(missionArchiveCmd())
	return mission
}

func missionListCmd() *cobra.Command {
	var status, priority string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions (the goal inbox)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListMissions(ctx, repo.MissionFilters{
					Status:   status,
					Priority: priority,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderMissionTable(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	cmd.Flags().IntVar(&limit, "limit", 50, "max missions")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission with its current plan and steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	return cmd
}

func missionStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <mission-id>",
		Short: "Set mission status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.SetMissionStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "new status (active, waiting_on_other, needs_user, done, archived)")
	return cmd
}

func missionArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <mission-id>",
		Short: "Archive a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.ArchiveMission(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	return cmd
}

func turnCmd() *cobra.Command {
	var missionID, text, intentFile string
	var threadIDs []string
	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Handle one chat turn",
		Long:  "Feeds a chat message through snapshotting, intent classification and plan proposal. --intent-file supplies a canned classifier response for offline use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return fmt.Errorf("--text required")
			}
			var classifier intent.Classifier
			if intentFile != "" {
				raw, err := os.ReadFile(intentFile)
				if err != nil {
					return err
				}
				classifier = intent.Static{Raw: raw}
			}
			return withEngineClassifier(cmd.Context(), classifier, func(ctx context.Context, e *engine.Engine) error {
				res, err := e.HandleTurn(ctx, engine.TurnOptions{
					MissionID: missionID,
					Text:      text,
					ThreadIDs: threadIDs,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "existing mission id")
	cmd.Flags().StringVar(&text, "text", "", "chat message")
	cmd.Flags().StringArrayVar(&threadIDs, "thread", []string{}, "thread id to include (repeatable)")
	cmd.Flags().StringVar(&intentFile, "intent-file", "", "path to canned structured-intent JSON")
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Approve or reject plan cards"}
	plan.AddCommand(planApproveCmd())
	plan.AddCommand(planRejectCmd())
	return plan
}

func planApproveCmd() *cobra.Command {
	var missionID, cardID string
	var execute bool
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a pending plan card",
		RunE: func(cmd *cobra.Command, args []string) error {
			if missionID == "" || cardID == "" {
				return fmt.Errorf("--mission and --card required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				card, err := e.ApproveCard(ctx, missionID, cardID)
				if err != nil {
					return err
				}
				if !execute {
					return printJSONOrIndent(card)
				}
				result, err := e.Execute(ctx, missionID, cardID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(result)
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&cardID, "card", "", "plan card id")
	cmd.Flags().BoolVar(&execute, "execute", false, "run the plan immediately after approval")
	return cmd
}

func planRejectCmd() *cobra.Command {
	var missionID, cardID, reason string
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject a pending plan card",
		RunE: func(cmd *cobra.Command, args []string) error {
			if missionID == "" || cardID == "" {
				return fmt.Errorf("--mission and --card required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				card, err := e.RejectCard(ctx, missionID, cardID, reason)
				if err != nil {
					return err
				}
				return printJSONOrIndent(card)
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&cardID, "card", "", "plan card id")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func executeCmd() *cobra.Command {
	var missionID, cardID string
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute an approved plan card",
		RunE: func(cmd *cobra.Command, args []string) error {
			if missionID == "" || cardID == "" {
				return fmt.Errorf("--mission and --card required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Execute(ctx, missionID, cardID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(result)
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&cardID, "card", "", "plan card id")
	return cmd
}

func stepCmd() *cobra.Command {
	step := &cobra.Command{Use: "step", Short: "Manage execution steps"}
	step.AddCommand(stepSkipCmd())
	return step
}

func stepSkipCmd() *cobra.Command {
	var missionID, stepID string
	cmd := &cobra.Command{
		Use:   "skip",
		Short: "Skip a pending execution step",
		RunE: func(cmd *cobra.Command, args []string) error {
			if missionID == "" || stepID == "" {
				return fmt.Errorf("--mission and --step required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.SkipStep(ctx, missionID, stepID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&stepID, "step", "", "step id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var missionID string
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail a mission's audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if missionID == "" {
				return fmt.Errorf("--mission required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.AuditLog(ctx, missionID, n)
				if err != nil {
					return err
				}
				return printJSONOrIndent(entries)
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			secret := os.Getenv("MAILPILOT_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("MAILPILOT_JWT_SECRET (or server.jwt_secret in mailpilot.yml) is required for bearer auth")
			}
			e := engine.New(conn, cfg, dispatcher(), intent.Static{Err: intent.ErrUnavailable})
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving MailPilot API on http://%s%s\n", addr, basePath)
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

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withEngineClassifier(ctx, nil, fn)
}

func withEngineClassifier(ctx context.Context, classifier intent.Classifier, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	if classifier == nil {
		classifier = intent.Static{Err: intent.ErrUnavailable}
	}
	e := engine.New(conn, cfg, dispatcher(), classifier)
	return fn(ctx, e)
}

// loadConfig honors an explicit --config path over the workspace default.
func loadConfig(workspace string) (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// dispatcher returns the configured tool connector. Without a mail provider
// every tool call degrades with an explicit reason.
func dispatcher() tools.Dispatcher {
	return tools.Unavailable{Reason: "no mail provider configured"}
}

func renderMissionTable(items []domain.MissionSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Next Action", "Last Activity"})
	for _, m := range items {
		t.AppendRow(table.Row{m.ID, m.Title, m.Status, m.Priority, m.NextAction, m.LastActivityAt})
	}
	t.Render()
}

func printJSONOrIndent(v any) error {
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
