// Package querybench implements the querybench command line.
package querybench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/querybench/querybench/internal/app"
	"github.com/querybench/querybench/internal/config"
	"github.com/querybench/querybench/internal/nl2sql"
	"github.com/querybench/querybench/internal/observability"
	"github.com/querybench/querybench/internal/pipeline"
	"github.com/querybench/querybench/internal/secrets"
	"github.com/querybench/querybench/internal/storage"
)

// Exit codes besides 0 (success) and 1 (error).
const (
	ExitUsage       = 2
	ExitBelowTarget = 3
)

// RemoteStore reads s3:// URIs and stores report artifacts.
type RemoteStore interface {
	storage.ObjectStore
	storage.Opener
}

type Options struct {
	Lookup config.LookupFunc
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Backend replaces the configured generation backend.
	Backend nl2sql.Backend
	// Secrets replaces the platform credential store.
	Secrets *secrets.Store
	// RemoteStore replaces the configured S3 store.
	RemoteStore RemoteStore
	// HTTPClient is used by the remote commands.
	HTTPClient *http.Client
}

// exitError carries a specific exit status. A nil err means the command
// already reported the failure.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

type runner struct {
	opts      Options
	env       map[string]string
	overrides []flagOverride
	cfg       config.Config
	logger    *slog.Logger
}

func Run(ctx context.Context, args []string, opts Options) int {
	if opts.Lookup == nil {
		opts.Lookup = os.LookupEnv
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	r := &runner{opts: opts, env: map[string]string{}}
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetIn(opts.Stdin)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "error: %v\n", exit.err)
		}
		return exit.code
	}
	_, _ = fmt.Fprintf(opts.Stderr, "error: %v\n", err)
	return 1
}

func (r *runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "querybench",
		Short: "Generate, guard, execute and evaluate SQL from natural-language questions",
		Long: `querybench turns questions into a single read-only SQL statement with a
language model, checks it with a lexical safety guard, runs it inside a
rolled-back transaction and scores it against expected answers.

Configuration is read from QUERYBENCH_* environment variables; the flags
below override the most common ones.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return r.load(cmd.Context())
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), cmd.UsageString())
		return exitError{code: ExitUsage, err: err}
	})

	flags := root.PersistentFlags()
	r.envFlag(flags.StringP, "profile", "", "QUERYBENCH_PROFILE", "configuration profile (dev, test, prod)")
	r.envFlag(flags.StringP, "driver", "", "QUERYBENCH_DB_DRIVER", "database driver (postgres, mysql, sqlite, duckdb)")
	r.envFlag(flags.StringP, "dsn", "", "QUERYBENCH_DB_DSN", "database connection string")
	r.envFlag(flags.StringP, "backend", "b", "QUERYBENCH_BACKEND", "generation backend (local, hosted, gemini)")
	r.envFlag(flags.StringP, "model", "m", "QUERYBENCH_BACKEND_MODEL", "model name")

	root.AddCommand(
		r.askCommand(),
		r.evalCommand(),
		r.schemaCommand(),
		r.guardCommand(),
		r.seedCommand(),
		r.loadCommand(),
		r.keyCommand(),
		r.remoteCommand(),
	)
	return root
}

type stringFlagFunc func(name, shorthand, value, usage string) *string

// envFlag registers a flag whose value, when given, overrides the named
// environment variable.
func (r *runner) envFlag(define stringFlagFunc, name, shorthand, key, usage string) {
	value := define(name, shorthand, "", usage+" [$"+key+"]")
	r.overrides = append(r.overrides, flagOverride{value: value, key: key})
}

type flagOverride struct {
	value *string
	key   string
}

func (r *runner) load(ctx context.Context) error {
	for _, override := range r.overrides {
		if *override.value != "" {
			r.env[override.key] = *override.value
		}
	}
	cfg, err := config.Load("querybench", func(key string) (string, bool) {
		if value, ok := r.env[key]; ok {
			return value, true
		}
		return r.opts.Lookup(key)
	})
	if err != nil {
		return err
	}
	r.cfg = cfg
	r.logger = observability.NewLogger(cfg, r.opts.Stderr)

	if cfg.Backend.Kind != config.BackendLocal && cfg.Backend.APIKey == "" {
		store, err := r.secrets()
		if err != nil {
			r.logger.DebugContext(ctx, "credential_store_unavailable", slog.Any("error", err))
			return nil
		}
		if err := secrets.ApplyBackendKey(&r.cfg, store); err != nil {
			r.logger.WarnContext(ctx, "backend_key_lookup_failed", slog.Any("error", err))
		}
	}
	return nil
}

func (r *runner) secrets() (*secrets.Store, error) {
	if r.opts.Secrets != nil {
		return r.opts.Secrets, nil
	}
	return secrets.Open()
}

func (r *runner) remoteStore(ctx context.Context) (RemoteStore, error) {
	if r.opts.RemoteStore != nil {
		return r.opts.RemoteStore, nil
	}
	store, err := app.ObjectStore(ctx, r.cfg)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// openPipeline opens the evaluation database and builds the pipeline.
// Callers close the returned App.
func (r *runner) openPipeline(ctx context.Context) (*app.App, *pipeline.Pipeline, error) {
	a, err := app.Open(ctx, r.cfg, r.logger)
	if err != nil {
		return nil, nil, err
	}
	p, err := a.NewPipeline(ctx, r.opts.Backend)
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return a, p, nil
}

// serveMetrics exposes the Prometheus registry while a command runs when
// QUERYBENCH_METRICS_ADDR is set. The returned function stops the server.
func (r *runner) serveMetrics(ctx context.Context) func() {
	addr := r.cfg.Observability.MetricsAddr
	if addr == "" {
		return func() {}
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.logger.WarnContext(ctx, "metrics_listener_failed", slog.String("addr", addr), slog.Any("error", err))
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.WarnContext(ctx, "metrics_server_failed", slog.Any("error", err))
		}
	}()
	r.logger.InfoContext(ctx, "metrics_listening", slog.String("addr", listener.Addr().String()))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}
