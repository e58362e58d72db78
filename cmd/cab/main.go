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

	"cabinet/internal/config"
	"cabinet/internal/db"
	"cabinet/internal/domain"
	"cabinet/internal/engine"
	"cabinet/internal/migrate"
	"cabinet/internal/repo"
	"cabinet/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cab",
	Short: "Cabinet CLI",
	Long: `Cabinet simulates multi-department government decision processes.
A run takes a policy issue through intake, departmental memos, dispute
negotiation, legal and fiscal review gates, a final ruling and, when
approved, an implementation plan. Every step lands on an ordered event
log you can watch live or replay later.`,
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
	viper.SetEnvPrefix("CABINET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{Use: "issue", Short: "Issue catalog"}
	issue.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List catalog issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				issues := e.Issues()
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Urgency", "Sectors"})
				for _, it := range issues {
					tw.AppendRow(table.Row{it.ID, it.Title, it.Urgency, strings.Join(it.Sectors, ",")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return issue
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Decision runs"}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runWatchCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runDeleteCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var opts engine.CreateRunOptions
	var temperature float64
	var enableSearch, enableSentiment, quiet bool
	cmd := &cobra.Command{
		Use:   "create <issue-id>",
		Short: "Start a run and follow it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts.IssueID = args[0]
				if cmd.Flags().Changed("temperature") {
					opts.Temperature = &temperature
				}
				if cmd.Flags().Changed("enable-search") {
					opts.EnableSearch = &enableSearch
				}
				if cmd.Flags().Changed("enable-sentiment") {
					opts.EnableSentiment = &enableSentiment
				}
				run, err := e.CreateRun(ctx, opts)
				if err != nil {
					return err
				}
				ch, cancel, err := e.Subscribe(ctx, run.ID, true)
				if err != nil {
					return err
				}
				defer cancel()
				for ev := range ch {
					if !quiet {
						printEventLine(ev)
					}
				}
				final, err := e.GetRun(ctx, run.ID)
				if err != nil {
					return err
				}
				return printJSON(final)
			})
		},
	}
	cmd.Flags().IntVar(&opts.MaxRounds, "max-rounds", 0, "negotiation round budget")
	cmd.Flags().Float64Var(&opts.ConvergenceThreshold, "threshold", 0, "convergence threshold")
	cmd.Flags().StringVar(&opts.Model, "model", "", "model name recorded on the run")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "model temperature")
	cmd.Flags().BoolVar(&enableSearch, "enable-search", false, "enable search tooling")
	cmd.Flags().BoolVar(&enableSentiment, "enable-sentiment", false, "enable sentiment simulation")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the event feed")
	return cmd
}

func runListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				runs, err := e.ListRuns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Issue", "Status", "Stage", "Created"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.IssueID, r.Status, r.Stage, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the full run state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				state, err := e.GetState(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(state)
				}
				fmt.Printf("Run: %s (%s)\n", state.Run.ID, state.Run.Status)
				fmt.Printf("Issue: %s\n", state.Issue.Title)
				fmt.Printf("Stage: %s\n", state.Run.Stage)
				if state.PolicyCard != nil {
					fmt.Printf("Proposal: %s (budget %.0f, %d months)\n",
						state.PolicyCard.Title, state.PolicyCard.EstimatedBudget, state.PolicyCard.DurationMonths)
				}
				for _, m := range domain.LatestMemos(state.Memos) {
					marker := ""
					if m.Unavailable {
						marker = " (unavailable)"
					}
					fmt.Printf("  memo %s: %s conf=%.2f%s\n", m.Department, m.Stance, m.Confidence, marker)
				}
				for _, d := range state.Disputes {
					fmt.Printf("  dispute %s [%s] %s\n", d.ID, d.Severity, d.Status)
				}
				for _, g := range state.GateResults {
					fmt.Printf("  gate %s: %s\n", g.Gate, g.Verdict)
				}
				if state.Decision != nil {
					fmt.Printf("Decision: approved=%t\n", state.Decision.Approved)
				}
				if state.Plan != nil {
					fmt.Printf("Plan: %d steps\n", len(state.Plan.Steps))
				}
				return nil
			})
		},
	}
}

func runWatchCmd() *cobra.Command {
	var fromNow bool
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Replay or follow a run's event feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ch, cancel, err := e.Subscribe(ctx, args[0], !fromNow)
				if err != nil {
					return err
				}
				defer cancel()
				for ev := range ch {
					printEventLine(ev)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fromNow, "from-now", false, "skip history, live events only")
	return cmd
}

func runCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.CancelRun(ctx, args[0]); err != nil {
					return err
				}
				run, err := e.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
}

func runDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteRun(ctx, args[0])
			})
		},
	}
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Run artifacts"}
	art.AddCommand(&cobra.Command{
		Use:   "list <run-id>",
		Short: "List a run's artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				artifacts, err := e.ListArtifacts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(artifacts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Type", "Size", "Created"})
				for _, a := range artifacts {
					tw.AppendRow(table.Row{a.Name, a.Type, a.SizeBytes, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	var out string
	fetch := &cobra.Command{
		Use:   "fetch <run-id> <name>",
		Short: "Fetch one artifact's content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				_, content, err := e.FetchArtifact(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = os.Stdout.Write(content)
					return err
				}
				return os.WriteFile(out, content, 0o644)
			})
		},
	}
	fetch.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	art.AddCommand(fetch)
	return art
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var runID, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail stored events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for _, ev := range events {
					printEventLine(ev)
				}
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&runID, "run", "", "run id filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	log.AddCommand(tail)
	return log
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default cabinet.yml",
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
		Use:   "validate",
		Short: "Validate cabinet.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			fmt.Printf("ok: %d departments, %d issues\n", len(c.Departments), len(c.Issues))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
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
			fmt.Printf("Serving Cabinet API on http://%s%s\n", addr, basePath)
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
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
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
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEventLine(ev domain.Event) {
	actor := ev.ActorID
	if actor == "" {
		actor = "-"
	}
	fmt.Printf("%6d  %-20s %-20s %-12s %s\n", ev.Seq, ev.Type, ev.Stage, actor, ev.Message)
}
