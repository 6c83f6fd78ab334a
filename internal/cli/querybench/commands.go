package querybench

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/querybench/querybench/internal/app"
	"github.com/querybench/querybench/internal/config"
	"github.com/querybench/querybench/internal/database"
	"github.com/querybench/querybench/internal/dataset"
	"github.com/querybench/querybench/internal/eval"
	"github.com/querybench/querybench/internal/fixtures"
	"github.com/querybench/querybench/internal/guard"
	"github.com/querybench/querybench/internal/prompt"
	"github.com/querybench/querybench/internal/report"
	"github.com/querybench/querybench/internal/schema"
	"github.com/querybench/querybench/internal/secrets"
	"github.com/querybench/querybench/internal/storage"
)

func (r *runner) askCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ask QUESTION...",
		Short: "Generate, check and run SQL for one question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, p, err := r.openPipeline(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			stop := r.serveMetrics(ctx)
			defer stop()

			answer, askErr := p.Ask(ctx, strings.Join(args, " "))
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(answer); err != nil {
					return err
				}
			} else if answer.Generation.RawText != "" || answer.Result != nil {
				if err := report.NewConsole(out).Answer(answer); err != nil {
					return err
				}
			}
			if askErr != nil {
				return fmt.Errorf("%s: %w", eval.Classify(askErr), askErr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the answer as JSON")
	return cmd
}

type evalFlags struct {
	questions    string
	showMismatch bool
	precision    int
	concurrency  int
	limit        int
	reportDir    string
	upload       bool
	minAccuracy  float64
}

func (r *runner) evalCommand() *cobra.Command {
	var flags evalFlags
	cmd := &cobra.Command{
		Use:   "eval --questions FILE",
		Short: "Score the pipeline against a question set",
		Long: `eval runs every case of a question set (JSONL, JSON or YAML, local or
s3://bucket/key) through the pipeline and compares the results with the
expected answers. Run artifacts are written under --report-dir and, with
--upload, to the configured bucket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.runEval(cmd, flags)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.questions, "questions", "q", "", "question set path or s3:// URI")
	f.BoolVar(&flags.showMismatch, "show-mismatch", false, "print every failed case in detail")
	f.IntVar(&flags.precision, "precision", 0, "decimal places compared for numbers [$QUERYBENCH_EVAL_PRECISION]")
	f.IntVarP(&flags.concurrency, "concurrency", "c", 0, "cases evaluated in parallel [$QUERYBENCH_EVAL_CONCURRENCY]")
	f.IntVar(&flags.limit, "limit", 0, "evaluate only the first N cases")
	f.StringVar(&flags.reportDir, "report-dir", "", "directory for run artifacts [$QUERYBENCH_REPORT_DIR]")
	f.BoolVar(&flags.upload, "upload", false, "also upload run artifacts to the object store [$QUERYBENCH_REPORT_UPLOAD]")
	f.Float64Var(&flags.minAccuracy, "min-accuracy", 0, "exit with status 3 when accuracy is below this fraction")
	_ = cmd.MarkFlagRequired("questions")
	return cmd
}

func (r *runner) runEval(cmd *cobra.Command, flags evalFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if flags.minAccuracy < 0 || flags.minAccuracy > 1 {
		return exitError{code: ExitUsage, err: fmt.Errorf("--min-accuracy must be between 0 and 1")}
	}

	upload := flags.upload || r.cfg.Report.Upload
	var remote RemoteStore
	if upload || strings.HasPrefix(flags.questions, "s3://") {
		var err error
		remote, err = r.remoteStore(ctx)
		if err != nil {
			return err
		}
	}

	cases, err := readCases(cmd, flags.questions, remote)
	if err != nil {
		return err
	}
	if flags.limit > 0 && flags.limit < len(cases) {
		cases = cases[:flags.limit]
	}

	a, p, err := r.openPipeline(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	stop := r.serveMetrics(ctx)
	defer stop()

	console := report.NewConsole(out)
	evaluator := eval.NewEvaluator(p, a.Engine, r.cfg.Database.RowLimit)
	evaluator.Concurrency = r.cfg.Eval.Concurrency
	if cmd.Flags().Changed("concurrency") {
		evaluator.Concurrency = flags.concurrency
	}
	evaluator.Precision = r.cfg.Eval.Precision
	if cmd.Flags().Changed("precision") {
		if flags.precision < 0 || flags.precision > 12 {
			return exitError{code: ExitUsage, err: fmt.Errorf("--precision must be within [0, 12]")}
		}
		evaluator.Precision = flags.precision
	}
	evaluator.Logger = r.logger
	evaluator.OnRecord = console.Progress

	rep, runErr := evaluator.Run(ctx, cases)
	if err := console.Summary(rep); err != nil {
		return err
	}
	if flags.showMismatch {
		for _, record := range rep.Records {
			if record.Succeeded() {
				continue
			}
			if err := console.Mismatch(record); err != nil {
				return err
			}
		}
	}

	var stores []storage.ObjectStore
	if dir := firstNonEmpty(flags.reportDir, r.cfg.Report.Dir); dir != "" {
		dirStore, err := storage.NewDirStore(dir)
		if err != nil {
			return err
		}
		stores = append(stores, dirStore)
	}
	if upload {
		stores = append(stores, remote)
	}
	if len(stores) > 0 {
		keys, err := report.NewWriter(r.logger, stores...).Write(ctx, rep)
		if err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		for _, key := range keys {
			_, _ = fmt.Fprintf(out, "wrote %s\n", key)
		}
	}

	if runErr != nil {
		return runErr
	}
	if flags.minAccuracy > 0 && rep.Summary.Accuracy < flags.minAccuracy {
		return exitError{code: ExitBelowTarget, err: fmt.Errorf("accuracy %.4f is below --min-accuracy %.4f", rep.Summary.Accuracy, flags.minAccuracy)}
	}
	return nil
}

func readCases(cmd *cobra.Command, uri string, remote storage.Opener) ([]eval.TestCase, error) {
	format, err := eval.FormatFromPath(uri)
	if err != nil {
		return nil, err
	}
	src, err := storage.OpenURI(cmd.Context(), uri, remote)
	if err != nil {
		return nil, fmt.Errorf("open question set: %w", err)
	}
	defer func() { _ = src.Close() }()
	cases, err := eval.ReadCases(src, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", storage.ObjectName(uri), err)
	}
	return cases, nil
}

func (r *runner) schemaCommand() *cobra.Command {
	var refresh, asJSON bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the schema description given to the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, r.cfg, r.logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var desc schema.Description
			if refresh && a.Cache != nil {
				desc, err = a.Cache.Refresh(ctx)
			} else {
				desc, err = a.Schema.Describe(ctx)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(desc)
			}
			_, err = fmt.Fprintln(out, prompt.SchemaText(desc))
			return err
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-introspect the database and replace the cached snapshot")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the description as JSON (loadable with QUERYBENCH_SCHEMA_FILE)")
	return cmd
}

func (r *runner) guardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "guard SQL...",
		Short: "Check a statement against the safety policy without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verdict := app.PolicyFromConfig(r.cfg).Check(strings.Join(args, " "))
			out := cmd.OutOrStdout()
			if verdict.Decision == guard.Safe {
				_, _ = fmt.Fprintln(out, color.GreenString("SAFE"))
				return nil
			}
			_, _ = fmt.Fprintf(out, "%s %s\n", color.RedString("REJECTED"), verdict.Reason)
			return exitError{code: 1}
		},
	}
}

func (r *runner) seedCommand() *cobra.Command {
	var down bool
	var steps int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create and fill the sample shop tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, dialect, err := database.Open(ctx, app.DatabaseConfig(r.cfg, true))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			seeder := fixtures.NewRunner(dialect)
			var count int
			if down {
				count, err = seeder.Down(ctx, db, steps)
			} else {
				count, err = seeder.Up(ctx, db, steps)
			}
			if err != nil {
				return err
			}
			r.logger.InfoContext(ctx, "fixtures_applied",
				slog.String("driver", dialect.Name),
				slog.Bool("down", down),
				slog.Int("count", count),
			)
			verb := "applied"
			if down {
				verb = "reverted"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d fixture script(s)\n", verb, count)
			return err
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert applied scripts instead")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of scripts to apply or revert (0: all up, one down)")
	return cmd
}

func (r *runner) loadCommand() *cobra.Command {
	var into string
	cmd := &cobra.Command{
		Use:   "load --into PATH TABLE=URI[,URI...]...",
		Short: "Load parquet files into DuckDB tables for evaluation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sources := make([]dataset.Source, 0, len(args))
			needsRemote := false
			for _, arg := range args {
				source, err := dataset.ParseSource(arg)
				if err != nil {
					return exitError{code: ExitUsage, err: err}
				}
				for _, uri := range source.URIs {
					needsRemote = needsRemote || strings.HasPrefix(uri, "s3://")
				}
				sources = append(sources, source)
			}

			loader := &dataset.Loader{Logger: r.logger}
			if needsRemote {
				remote, err := r.remoteStore(ctx)
				if err != nil {
					return err
				}
				loader.Remote = remote
			}
			path := firstNonEmpty(into, duckDBPath(r.cfg))
			if path == "" {
				return exitError{code: ExitUsage, err: errors.New("--into is required unless QUERYBENCH_DB_DRIVER is duckdb")}
			}
			summaries, err := loader.Load(ctx, path, sources)
			if err != nil {
				return err
			}
			for _, summary := range summaries {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d row(s) from %d file(s)\n", summary.Table, summary.Rows, summary.Files)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&into, "into", "", "DuckDB database file (defaults to the configured duckdb DSN)")
	return cmd
}

func duckDBPath(cfg config.Config) string {
	if cfg.Database.Driver != "duckdb" {
		return ""
	}
	return cfg.Database.DSN
}

func (r *runner) keyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage backend API keys in the OS credential store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set BACKEND",
			Short: "Store the API key read from stdin",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				kind, err := backendKind(args[0])
				if err != nil {
					return err
				}
				raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
				if err != nil {
					return fmt.Errorf("read key: %w", err)
				}
				store, err := r.secrets()
				if err != nil {
					return err
				}
				if err := store.Set(secrets.BackendKeyName(kind), string(raw)); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored key for %s\n", kind)
				return err
			},
		},
		&cobra.Command{
			Use:   "delete BACKEND",
			Short: "Remove a stored API key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				kind, err := backendKind(args[0])
				if err != nil {
					return err
				}
				store, err := r.secrets()
				if err != nil {
					return err
				}
				if err := store.Delete(secrets.BackendKeyName(kind)); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted key for %s\n", kind)
				return err
			},
		},
	)
	return cmd
}

func backendKind(raw string) (config.BackendKind, error) {
	switch kind := config.BackendKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case config.BackendHosted, config.BackendGemini:
		return kind, nil
	default:
		return "", exitError{code: ExitUsage, err: fmt.Errorf("backend %q does not use a stored key", raw)}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
