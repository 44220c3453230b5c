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

	"nudge/internal/app"
	"nudge/internal/config"
	"nudge/internal/db"
	"nudge/internal/engine"
	"nudge/internal/notify"
	"nudge/internal/scheduler"
	"nudge/internal/server"
	"nudge/internal/watch"
)

var rootCmd = &cobra.Command{
	Use:   "nudge",
	Short: "Nudge CLI",
	Long: `Nudge chases weekly portfolio status updates so you don't have to.
- Roster: who owns what, plus chase/reviewer/final distribution roles (nudge roster import).
- Reminders: owners still pending (and not updated within the recency window) get nudged.
- Chase: escalation to coordinators listing everything still outstanding; silent when nothing is.
- Review: unconditional status report of complete vs pending.
- Final: end-of-cycle summary with the completion percentage.
- Completion: a web click, the API, or a detected edit of the shared status document.
- Reset: 'nudge reset' starts the next weekly cycle.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("NUDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(batchCmd("remind", "reminder", "Nudge owners with pending updates"))
	rootCmd.AddCommand(batchCmd("chase", "chase", "Escalate the pending list to coordinators"))
	rootCmd.AddCommand(batchCmd("review", "review", "Send the status report to reviewers"))
	rootCmd.AddCommand(batchCmd("final", "final", "Send the end-of-cycle final report"))
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(logCmd())
}

func withEngine(ctx context.Context, fn func(ctx context.Context, e *engine.Engine, cfg *config.Config) error) error {
	e, cfg, closer, err := app.Bootstrap(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closer()
	return fn(ctx, e, cfg)
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage nudge.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default nudge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func rosterCmd() *cobra.Command {
	roster := &cobra.Command{Use: "roster", Short: "Manage the tracked roster"}
	roster.AddCommand(rosterListCmd())
	roster.AddCommand(rosterShowCmd())
	roster.AddCommand(rosterImportCmd())
	return roster
}

func rosterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all records with lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				records, err := e.Repo.LoadRoster(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Name", "Owner", "Role", "Status", "Last updated", "Via"})
				for _, rec := range records {
					t.AppendRow(table.Row{rec.ID, rec.Name, rec.Owner, rec.Role,
						rec.Status, deref(rec.LastUpdated), deref(rec.CompletedVia)})
				}
				t.Render()
				return nil
			})
		},
	}
}

func rosterShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				rec, err := e.Repo.GetRecord(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func rosterImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the roster from a yaml file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				records, err := app.LoadRosterFile(file)
				if err != nil {
					return err
				}
				if err := e.Repo.ReplaceRoster(ctx, records); err != nil {
					return err
				}
				fmt.Printf("imported %d records\n", len(records))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "roster yaml file")
	return cmd
}

// batchCmd builds one notification-batch command. Preview is the default;
// --send dispatches through the configured notifier.
func batchCmd(use, kind, short string) *cobra.Command {
	var send bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, cfg *config.Config) error {
				runner := scheduler.New(e, notify.FromConfig(cfg), cfg)
				if send {
					res, err := runner.RunBatch(ctx, kind)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(res)
					}
					fmt.Printf("%s: %d payloads sent, %d failed deliveries\n", kind, res.Payloads, res.Failed())
					return nil
				}
				payloads, err := runner.Preview(ctx, kind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(payloads)
				}
				if len(payloads) == 0 {
					fmt.Printf("%s: nothing to send\n", kind)
					return nil
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Record", "Owner", "Recipients", "Subject"})
				for _, p := range payloads {
					t.AppendRow(table.Row{p.Record.Name, p.Record.Owner,
						strings.Join(p.Record.Emails, ", "), p.Subject})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&send, "send", false, "dispatch instead of preview")
	return cmd
}

func completeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark one portfolio owner complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				rec, changed, err := e.CompleteByID(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !changed {
					fmt.Printf("%s was already complete\n", rec.Name)
					return nil
				}
				fmt.Printf("%s marked complete\n", rec.Name)
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var modifier, modifiedAt string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Apply a document-edit signal by modifier name",
		RunE: func(cmd *cobra.Command, args []string) error {
			if modifier == "" {
				return fmt.Errorf("--modifier required")
			}
			ts := time.Now()
			if modifiedAt != "" {
				parsed, err := time.Parse(time.RFC3339, modifiedAt)
				if err != nil {
					return fmt.Errorf("--modified-at: %w", err)
				}
				ts = parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				changed, err := e.ReconcileExternalEdit(ctx, modifier, ts)
				if err != nil {
					return err
				}
				if len(changed) == 0 {
					fmt.Println("no pending record matched")
					return nil
				}
				for _, rec := range changed {
					fmt.Printf("%s marked complete (owner %s)\n", rec.Name, rec.Owner)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&modifier, "modifier", "", "display name of the document editor")
	cmd.Flags().StringVar(&modifiedAt, "modified-at", "", "edit timestamp (RFC3339, default now)")
	return cmd
}

func resetCmd() *cobra.Command {
	var soft bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Revert all portfolio owners to pending for a new cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				actor := viper.GetString("actor-id")
				var (
					n   int64
					err error
				)
				if soft {
					n, err = e.SoftReset(ctx, actor)
				} else {
					n, err = e.BulkReset(ctx, actor)
				}
				if err != nil {
					return err
				}
				fmt.Printf("reset %d records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&soft, "soft", false, "keep last-updated and provenance")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the monitored-document watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, cfg *config.Config) error {
				if cfg.Watch.Mode == "" || cfg.Watch.Mode == "off" {
					return fmt.Errorf("watch is off; set watch.mode in nudge.yml")
				}
				err := watch.New(e, cfg).Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server, scheduler and watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, cfg *config.Config) error {
				runner := scheduler.New(e, notify.FromConfig(cfg), cfg)
				links := server.LinkSigner{
					Secret:  cfg.Links.Secret,
					BaseURL: cfg.Service.BaseURL,
					TTL:     time.Duration(cfg.Links.TTLHours) * time.Hour,
				}
				handler, err := server.New(server.Config{Engine: e, Runner: runner, BasePath: basePath, Links: links})
				if err != nil {
					return err
				}
				if !noSchedule {
					go func() {
						if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							fmt.Println("scheduler stopped:", err)
						}
					}()
				}
				if cfg.Watch.Mode != "" && cfg.Watch.Mode != "off" {
					go func() {
						if err := watch.New(e, cfg).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							fmt.Println("watcher stopped:", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Nudge API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve API only, no cycle clock")
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Audit log"}
	var after int64
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				evts, err := e.Repo.EventsAfter(ctx, limit, after)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range evts {
					t.AppendRow(table.Row{evt.ID, evt.TS, evt.Type,
						evt.EntityKind + "/" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				t.Render()
				return nil
			})
		},
	}
	tail.Flags().Int64Var(&after, "after", 0, "show events with id greater than this")
	tail.Flags().IntVar(&limit, "limit", 50, "maximum events")
	logRoot.AddCommand(tail)
	return logRoot
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
