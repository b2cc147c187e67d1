package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"configline/internal/app"
	"configline/internal/config"
	"configline/internal/db"
	"configline/internal/domain"
	"configline/internal/events"
	"configline/internal/logger"
	"configline/internal/replay"
	"configline/internal/repo"
	"configline/internal/server"
	"configline/internal/snapshot"
	"configline/internal/telemetry"
)

// version is stamped at build time and guards the object cache.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "configline CLI",
	Long: `configline keeps layered configuration as an append-only event log.
- Layers hold keys; environments stack layers, later layers win.
- Structures are templates; building one against an environment prepares a configuration.
- Every write appends an event. Reads come from a local cache folded from the log.
- Snapshots of the cache let a fresh process start without replaying everything.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("CONFIGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(objectsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the projection and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if secret := viper.GetString("jwt_secret"); secret != "" {
				cfg.Server.JWTSecret = secret
			}
			ctx := cmd.Context()
			shutdownTracing, err := telemetry.Setup(ctx, "configline", cfg.Telemetry.OTLPEndpoint)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer shutdownTracing(context.Background())

			rt, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				Config:    cfg,
				Version:   version,
				Logger:    log,
			})
			if err != nil {
				return err
			}
			defer rt.Close()
			handler, err := server.New(server.Config{
				Runtime:       rt,
				BasePath:      cfg.Server.BasePath,
				Auth:          server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				RetryAttempts: cfg.Writes.RetryAttempts,
				RetryDelay:    cfg.Writes.RetryDelay,
				Logger:        log.With("component", "http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return rt.Run(ctx) })
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				log.Info("serving configline API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "version", version)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func replayCmd() *cobra.Command {
	var batchSize int
	var ignore, dryRun bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the whole log and rebuild the snapshot store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withStores(ctx, func(ctx context.Context, cache repo.Repo, evlog events.Log) error {
				r := replay.Replayer{Log: evlog, Stream: cfg.Stream, BatchSize: batchSize, IgnoreErrors: ignore, Logger: log, AppVersion: version}
				res, err := rebuild(ctx, r, cfg, log, dryRun)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"events":    res.Events,
					"head":      res.Head,
					"objects":   res.Store.Len(),
					"snapshots": len(res.Snapshots()),
					"ignored":   res.Ignored,
					"dry_run":   dryRun,
				})
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", events.MaxBatchSize, "events per log read")
	cmd.Flags().BoolVar(&ignore, "ignore-replay-errors", false, "skip events that cannot be folded")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "replay in memory without writing snapshots")
	return cmd
}

func rebuild(ctx context.Context, r replay.Replayer, cfg *config.Config, log *slog.Logger, dryRun bool) (replay.Result, error) {
	if dryRun {
		return r.Full(ctx)
	}
	store, err := snapshot.Open(ctx, viper.GetString("workspace"), cfg.Snapshots, log)
	if err != nil {
		return replay.Result{}, err
	}
	defer store.Close()
	return r.Rebuild(ctx, store, cfg.Snapshots.BatchSize)
}

func migrateCmd() *cobra.Command {
	var from, to, batchSize int
	var mode, backup string
	var ignore bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Rewrite the event log from one schema version to another",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := replay.ParseMode(mode)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withStores(ctx, func(ctx context.Context, cache repo.Repo, evlog events.Log) error {
				res, err := replay.Migrator{
					Log:          evlog,
					Stream:       cfg.Stream,
					From:         from,
					To:           to,
					Mode:         m,
					BatchSize:    batchSize,
					IgnoreErrors: ignore,
					BackupPath:   backup,
					Logger:       log,
				}.Run(ctx)
				if err != nil {
					return err
				}
				// Revisions were renumbered; nothing derived from the old log is valid.
				if err := cache.Clear(ctx); err != nil {
					return err
				}
				store, err := snapshot.Open(ctx, viper.GetString("workspace"), cfg.Snapshots, log)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := snapshot.Reset(ctx, store); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"source_events": res.SourceEvents,
					"written":       res.Written,
					"ignored":       res.Ignored,
					"resumed":       res.Resumed,
				})
			})
		},
	}
	cmd.Flags().IntVar(&from, "from", 1, "source schema version")
	cmd.Flags().IntVar(&to, "to", 2, "target schema version")
	cmd.Flags().StringVar(&mode, "mode", string(replay.ModeLossy), "lossy or lossless")
	cmd.Flags().IntVar(&batchSize, "batch-size", events.MaxBatchSize, "events per log read")
	cmd.Flags().BoolVar(&ignore, "ignore-replay-errors", false, "skip events that cannot be applied")
	cmd.Flags().StringVar(&backup, "backup", "", "backup file used to resume a failed run")
	return cmd
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return withStores(cmd.Context(), func(ctx context.Context, _ repo.Repo, evlog events.Log) error {
				var out []domain.Event
				it := evlog.ReadRange(ctx, cfg.Stream, 0, events.Backward, n)
				for len(out) < n && it.Next(ctx) {
					if e := it.Event(); evtType == "" || string(e.Type) == evtType {
						out = append(out, e)
					}
				}
				if err := it.Err(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Revision", "Type", "Time", "Data"})
				for _, e := range out {
					tw.AppendRow(table.Row{e.Revision, e.Type, e.Timestamp.Format(time.RFC3339), string(e.Data)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show log head, projection watermark and cache contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return withStores(cmd.Context(), func(ctx context.Context, cache repo.Repo, evlog events.Log) error {
				head, err := evlog.Head(ctx, cfg.Stream)
				if err != nil {
					return err
				}
				wm, err := cache.GetProjectedVersion(ctx)
				if err != nil {
					return err
				}
				stamp, _, err := cache.GetAppVersion(ctx)
				if err != nil {
					return err
				}
				counts, err := cache.Count(ctx)
				if err != nil {
					return err
				}
				lag := domain.Revision(0)
				if head > wm {
					lag = head - wm
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"stream": cfg.Stream, "head": head, "watermark": wm, "lag": lag,
						"cache_version": stamp, "version": version, "objects": counts,
					})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"Stream", cfg.Stream},
					{"Log head", head},
					{"Watermark", wm},
					{"Lag", lag},
					{"Cache version", stamp},
					{"Binary version", version},
				})
				for _, dt := range domain.DataTypes() {
					tw.AppendRow(table.Row{string(dt), counts[dt]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func objectsCmd() *cobra.Command {
	c := &cobra.Command{Use: "objects", Short: "Browse the object cache"}
	c.AddCommand(&cobra.Command{
		Use:   "list <type>",
		Short: "List identifiers of one object type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dt, err := parseDataType(args[0])
			if err != nil {
				return err
			}
			return withStores(cmd.Context(), func(ctx context.Context, cache repo.Repo, _ events.Log) error {
				ids, err := cache.ListIdentifiers(ctx, dt)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ids)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Identifier", "Version"})
				for _, id := range ids {
					o, err := cache.Load(ctx, dt, id)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{id, o.ObjectVersion()})
				}
				tw.Render()
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show <type> <identifier>",
		Short: "Print one cached object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dt, err := parseDataType(args[0])
			if err != nil {
				return err
			}
			return withStores(cmd.Context(), func(ctx context.Context, cache repo.Repo, _ events.Log) error {
				o, err := cache.Load(ctx, dt, args[1])
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	})
	return c
}

func parseDataType(s string) (domain.DataType, error) {
	switch s {
	case "layer", "layers":
		return domain.DataLayer, nil
	case "environment", "environments", "env":
		return domain.DataEnvironment, nil
	case "structure", "structures":
		return domain.DataStructure, nil
	case "configuration", "configurations", "config":
		return domain.DataConfiguration, nil
	}
	for _, dt := range domain.DataTypes() {
		if string(dt) == s {
			return dt, nil
		}
	}
	return "", fmt.Errorf("unknown object type %q (layer, environment, structure, configuration)", s)
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect configline.yml",
		Long:  "Config is read from configline.yml in the workspace; missing fields keep their defaults.",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.LoadOptional(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return c
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the binary version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// --- helpers ---

// loadConfig reads configline.yml, applies flag overrides and installs the
// process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if format := viper.GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log, err := logger.New("configline", cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

func withStores(ctx context.Context, fn func(context.Context, repo.Repo, events.Log) error) error {
	cacheDB, evlog, closers, err := app.OpenStores(viper.GetString("workspace"), nil)
	if err != nil {
		return err
	}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()
	return fn(ctx, repo.Repo{DB: cacheDB}, evlog)
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
