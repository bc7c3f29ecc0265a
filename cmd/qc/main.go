package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"quiche/internal/app"
	"quiche/internal/config"
	"quiche/internal/db"
	"quiche/internal/domain"
	"quiche/internal/engine"
	"quiche/internal/events"
	"quiche/internal/log"
	"quiche/internal/server"
	quichesdk "quiche/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "qc",
	Short: "quiche CLI",
	Long: `quiche resolves named tasks through a dependency graph and caches every result.
- Tasks: declared in quiche.yml; each has a run command, a fixed value, or a gather list.
- Versions: every cached value carries a version; a value is reused only while it is at least as new as everything it depends on.
- Cache: kept in memory and in a durable backend (sqlite or disk) under .quiche/.
- Event log: every compute, hit and invalidation, view with 'qc log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("QUICHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides quiche.yml")
	rootCmd.PersistentFlags().String("cache-backend", "", "cache backend (memory, disk, sqlite); overrides quiche.yml")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("cache-backend", rootCmd.PersistentFlags().Lookup("cache-backend"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(explainCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func runCmd() *cobra.Command {
	var (
		knockout      []string
		cached        bool
		remote, token string
	)
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Resolve a task and print its value",
		Long:  "Computes the task and any stale or missing dependencies, reusing cached values that are still fresh.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cached && len(knockout) > 0 {
				return fmt.Errorf("--cached and --knockout cannot be combined")
			}
			if remote != "" {
				c := quichesdk.New(remote)
				c.BearerToken = token
				res, err := c.Resolve(cmd.Context(), args[0], quichesdk.ResolveOptions{Knockout: knockout, Cached: cached})
				if err != nil {
					return err
				}
				return printResult(domain.Result{Name: res.Name, Version: res.Version, Value: res.Value, Cached: res.Cached})
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					res domain.Result
					err error
				)
				if cached {
					res, err = a.Eval.ResolveCached(ctx, args[0])
				} else {
					res, err = a.Eval.Resolve(ctx, args[0], engine.WithKnockout(knockout...))
				}
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringSliceVar(&knockout, "knockout", nil, "tasks to recompute even when fresh")
	cmd.Flags().BoolVar(&cached, "cached", false, "return any cached value without checking dependencies")
	cmd.Flags().StringVar(&remote, "remote", "", "resolve on a qc server at this URL instead of locally")
	cmd.Flags().StringVar(&token, "token", os.Getenv("QUICHE_TOKEN"), "bearer token for --remote")
	return cmd
}

func setCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <task> <value>",
		Short: "Assign the value of an input task",
		Long:  "The value is parsed as YAML, so 5 is a number and [1, 2] a list. Every task depending on the input becomes stale.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if err := yaml.Unmarshal([]byte(args[1]), &value); err != nil {
				return fmt.Errorf("parse value: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Eval.Set(ctx, args[0], value)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task>",
		Short: "Show which tasks a run would recompute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Eval.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Task", "State", "Version", "Depends on"})
				for _, s := range st {
					version := ""
					if s.Version > 0 {
						version = fmt.Sprint(s.Version)
					}
					tw.AppendRow(table.Row{s.Name, s.State, version, strings.Join(s.DependsOn, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func explainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain <task>",
		Short: "Print a task's dependency tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report := a.Registry.Report(args[0])
				order, planErr := a.Eval.Plan(args[0])
				if viper.GetBool("json") {
					out := map[string]any{"name": args[0], "report": report, "plan_order": order}
					if planErr != nil {
						out["plan_failure"] = planErr.Error()
					}
					return printJSON(out)
				}
				fmt.Print(report)
				if planErr != nil {
					fmt.Printf("\nplan: %v\n", planErr)
				} else {
					fmt.Printf("\nplan: %s\n", strings.Join(order, " -> "))
				}
				return nil
			})
		},
	}
	return cmd
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List declared tasks, templates and aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks := a.Registry.Tasks()
				templates := a.Registry.Templates()
				aliases := a.Registry.Aliases()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"tasks": tasks, "templates": templates, "aliases": aliases})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Kind", "Placement", "Depends on"})
				for _, t := range append(tasks, templates...) {
					tw.AppendRow(table.Row{t.Name, t.Kind, t.Placement, strings.Join(t.DependsOn, ", ")})
				}
				for alias, target := range aliases {
					tw.AppendRow(table.Row{alias, "alias", "", target})
				}
				tw.SortBy([]table.SortBy{{Name: "Name", Mode: table.Asc}})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func cacheCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear cached values",
	}
	c.AddCommand(cacheListCmd())
	c.AddCommand(cacheClearCmd())
	return c
}

func cacheListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List cached entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				infos, err := a.Store.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(infos)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Task", "Version", "Size", "Computed at"})
				for _, info := range infos {
					tw.AppendRow(table.Row{info.Name, info.Version, info.Size, info.ComputedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func cacheClearCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear [task...]",
		Short: "Drop cached entries",
		Long:  "Drops the named entries, or every entry with --all. Dependents go stale once the dropped tasks recompute.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("name tasks to clear or pass --all")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if all {
					if err := a.Store.Clear(ctx); err != nil {
						return err
					}
					fmt.Println("cache cleared")
					return nil
				}
				if err := a.Eval.Invalidate(ctx, args...); err != nil {
					return err
				}
				fmt.Printf("cleared %s\n", strings.Join(args, ", "))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "drop every cached entry")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every hit, compute, failure and invalidation, newest first.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, task string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Events.Latest(ctx, events.Query{Limit: n, Type: evtType, Task: task})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Task", "Version", "Run"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Task, e.Version, e.RunID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&task, "task", "", "task filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: firstNonEmpty(os.Getenv("QUICHE_JWT_SECRET"), a.Config.Server.JWTSecret)}
				if authCfg.JWTSecret == "" {
					a.Logger.Warn(ctx, "no JWT secret configured; the API is open to anyone who can reach it", "addr", addr)
				}
				handler, err := server.New(server.Config{
					Eval:     a.Eval,
					Events:   a.Events,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, a.Events, a.Config.Webhooks, a.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving quiche API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from quiche.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from quiche.yml)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("QUICHE_JWT_SECRET")
			if secret == "" {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				if cfg != nil {
					secret = cfg.Server.JWTSecret
				}
			}
			tok, err := server.IssueToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "local-user", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create quiche.yml",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configInitCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter quiche.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

// loadConfig reads quiche.yml, or the default config when the workspace has
// none, and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if backend := viper.GetString("cache-backend"); backend != "" {
		cfg.Cache.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, viper.GetString("workspace"), app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	log.SetDefault(a.Logger)
	return fn(ctx, a)
}

func printResult(res domain.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	switch v := res.Value.(type) {
	case string:
		fmt.Println(v)
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
