package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"gradeline/internal/app"
	"gradeline/internal/cache"
	"gradeline/internal/config"
	"gradeline/internal/db"
	"gradeline/internal/domain"
	"gradeline/internal/logging"
	"gradeline/internal/orchestrator"
	"gradeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gradeline CLI",
	Long: `Gradeline grades participant answers in shared documents against a reference.
- Workspace: the .gradeline directory holding the database and generated reports; settings live in gradeline.yml.
- Schedule: saves the reference and template document ids for an assignment and queues a run a few seconds out.
- Run: takes the document lock, loads tasks and submissions, grades them through the backend, colors the answer cells and writes reports.
- Triggers: one-shot continuations that start the run; 'gl serve' polls and fires them.
- Progress: the user-visible trail of each run, view with 'gl progress'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.ParseLevel(viper.GetString("log-level")), viper.GetString("log-format"))
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GRADELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text|json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(triggersCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage gradeline.yml",
		Long:  "Config names the document scope, the grading backend and provider endpoints, batch sizes, cache expiry, lock timings, scheduler limits and feedback colors.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <document-id>",
		Short: "Write a default gradeline.yml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(args[0])), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate gradeline.yml, or another file with --file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
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
	cmd.Flags().StringVar(&file, "file", "", "validate this file instead of the workspace config")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var title, reference, template string
	cmd := &cobra.Command{
		Use:   "schedule <assignment-id>",
		Short: "Save document ids and queue a grading run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				docs := domain.DocumentIDs{Reference: reference, Template: template}
				t, err := env.Orchestrator.Schedule(ctx, title, docs, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Scheduled %s: trigger %s fires at %s\n", args[0], t.ID, t.RunAt.Local().Format(time.RFC3339))
				fmt.Println("Start 'gl serve' (or run 'gl run') to process it.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "assignment title")
	cmd.Flags().StringVar(&reference, "reference", "", "reference document id")
	cmd.Flags().StringVar(&template, "template", "", "template document id")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the queued grading pass now",
		Long:  "Invokes the run entry point directly instead of waiting for the trigger driver. If another run holds the document lock, it reports busy and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Orchestrator.Run(ctx); err != nil {
					return err
				}
				st, err := env.Orchestrator.Status(ctx)
				if err != nil {
					return err
				}
				return printState(st)
			})
		},
	}
	run.AddCommand(runStatusCmd())
	return run
}

func runStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the run state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				st, err := env.Orchestrator.Status(ctx)
				if err != nil {
					return err
				}
				return printState(st)
			})
		},
	}
}

func triggersCmd() *cobra.Command {
	tr := &cobra.Command{
		Use:   "triggers",
		Short: "Inspect continuation triggers",
	}
	tr.AddCommand(triggersListCmd())
	tr.AddCommand(triggersClearCmd())
	return tr
}

func triggersListCmd() *cobra.Command {
	var entryPoint string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Scheduler.List(ctx, entryPoint)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entry point", "Run at", "Fired at"})
				for _, t := range items {
					fired := "-"
					if t.FiredAt != nil {
						fired = t.FiredAt.Local().Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{t.ID, t.EntryPoint, t.RunAt.Local().Format(time.RFC3339), fired})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entryPoint, "entry-point", "", "filter by entry point")
	return cmd
}

func triggersClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove run triggers and reset the run state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				n, err := env.Orchestrator.Cancel(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"removed": n})
				}
				fmt.Printf("Removed %d trigger(s)\n", n)
				return nil
			})
		},
	}
}

func progressCmd() *cobra.Command {
	var n int
	var cursor int64
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show recent progress events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				events, err := env.Repo.LatestProgress(ctx, env.Config.Document.ID, n, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Kind", "Step", "Message"})
				for _, e := range events {
					step := "-"
					if e.Step > 0 {
						step = strconv.Itoa(e.Step)
					}
					tw.AppendRow(table.Row{e.ID, e.TS, e.Kind, step, e.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "only events older than this id")
	return cmd
}

func cacheCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the grading result cache",
	}
	c.AddCommand(&cobra.Command{
		Use:   "key <reference-hash> <response-hash>",
		Short: "Print the cache key for a fingerprint pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, ok := cache.Key(args[0], args[1])
			if !ok {
				return errors.New("both fingerprints are required")
			}
			fmt.Println(key)
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				n, err := env.Cache.Purge(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"purged": n})
				}
				fmt.Printf("Purged %d entr(ies)\n", n)
				return nil
			})
		},
	})
	return c
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and trigger driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				authCfg := server.AuthConfig{
					JWTSecret: viper.GetString("jwt-secret"),
					APIKey:    viper.GetString("api-key"),
				}
				if authCfg.JWTSecret == "" && authCfg.APIKey == "" {
					return fmt.Errorf("GRADELINE_JWT_SECRET or GRADELINE_API_KEY is required")
				}
				handler, err := server.New(server.Config{
					Workflow: env.Orchestrator,
					Store:    env.Repo,
					ScopeID:  env.Config.Document.ID,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   logging.New("server"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					err := env.Driver.Run(gctx)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					fmt.Printf("Serving Gradeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func printState(st orchestrator.RunState) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Printf("Phase: %s\n", st.Phase)
	if st.AssignmentID != "" {
		fmt.Printf("Assignment: %s\n", st.AssignmentID)
	}
	if st.Step > 0 {
		fmt.Printf("Step: %d (%s)\n", st.Step, st.StepName)
	}
	if st.Error != "" {
		fmt.Printf("Error: %s\n", st.Error)
	}
	if st.UpdatedAt != "" {
		fmt.Printf("Updated: %s\n", st.UpdatedAt)
	}
	return nil
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
