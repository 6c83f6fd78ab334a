// Package app assembles the pipeline and its dependencies from
// configuration for the CLI and the API server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/querybench/querybench/internal/config"
	"github.com/querybench/querybench/internal/database"
	"github.com/querybench/querybench/internal/fixtures"
	"github.com/querybench/querybench/internal/guard"
	"github.com/querybench/querybench/internal/nl2sql"
	"github.com/querybench/querybench/internal/pipeline"
	"github.com/querybench/querybench/internal/prompt"
	"github.com/querybench/querybench/internal/query/sqldb"
	"github.com/querybench/querybench/internal/schema"
	s3store "github.com/querybench/querybench/internal/storage/s3"
)

type App struct {
	Config  config.Config
	Logger  *slog.Logger
	DB      *sql.DB
	Dialect database.Dialect
	// Cache is set when the schema is introspected.
	Cache    *schema.Cache
	Schema   schema.Describer
	Engine   *sqldb.Engine
	Pipeline *pipeline.Pipeline
}

// Open connects to the evaluation database read-only and prepares the
// schema source and executor. The generation side is added by
// NewPipeline, so commands that never generate need no backend settings.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, dialect, err := database.Open(ctx, DatabaseConfig(cfg, false))
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, DB: db, Dialect: dialect}
	switch {
	case cfg.Schema.File != "":
		desc, err := schema.LoadFile(cfg.Schema.File)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.Schema = schema.Static(desc)
	case cfg.Schema.Introspect:
		introspector := schema.NewIntrospector(db, dialect, cfg.Database.Schema)
		introspector.Exclude = []string{fixtures.VersionTable}
		a.Cache = schema.NewCache(introspector, cfg.Schema.CachePath, logger)
		a.Schema = a.Cache
	default:
		a.Schema = schema.Static(schema.Default())
	}
	a.Engine = sqldb.NewEngine(db, dialect, cfg.Database.QueryTimeout)
	return a, nil
}

// Policy is the configured safety policy.
func (a *App) Policy() guard.Policy {
	return PolicyFromConfig(a.Config)
}

func PolicyFromConfig(cfg config.Config) guard.Policy {
	policy := guard.DefaultPolicy()
	policy.RejectCartesian = cfg.Guard.RejectCartesian
	return policy
}

// NewPipeline builds the question pipeline and stores it in a.Pipeline.
// A nil backend is built from the configuration by NewBackend.
func (a *App) NewPipeline(ctx context.Context, backend nl2sql.Backend) (*pipeline.Pipeline, error) {
	cfg := a.Config
	if backend == nil {
		var err error
		backend, err = NewBackend(ctx, cfg.Backend)
		if err != nil {
			return nil, err
		}
	}

	today, err := prompt.Today(cfg.Prompt.Timezone, time.Now())
	if err != nil {
		return nil, err
	}
	policy := a.Policy()

	a.Pipeline = &pipeline.Pipeline{
		Schema: a.Schema,
		Rules: prompt.DefaultRules(prompt.RuleOptions{
			Dialect:  a.Dialect.Name,
			MaxLimit: cfg.Prompt.MaxLimit,
			Today:    today,
		}),
		Generator: &nl2sql.Generator{
			Backend:     backend,
			Model:       cfg.Backend.Model,
			Temperature: cfg.Backend.Temperature,
			TopP:        cfg.Backend.TopP,
			MaxTokens:   cfg.Backend.MaxTokens,
			Timeout:     cfg.Backend.Timeout,
			Dialect:     a.Dialect.Name,
		},
		Policy:   &policy,
		Engine:   a.Engine,
		RowLimit: cfg.Database.RowLimit,
		Logger:   a.Logger,
	}
	return a.Pipeline, nil
}

// Ready pings the evaluation database.
func (a *App) Ready(ctx context.Context) error {
	if err := a.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", database.ErrUnreachable, err)
	}
	return nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func DatabaseConfig(cfg config.Config, writable bool) database.Config {
	return database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Writable:        writable,
	}
}

// NewBackend builds the configured generation backend. local and hosted
// are the same OpenAI-compatible client with different key and retry
// settings.
func NewBackend(ctx context.Context, cfg config.BackendConfig) (nl2sql.Backend, error) {
	switch cfg.Kind {
	case config.BackendLocal, config.BackendHosted:
		backend, err := nl2sql.NewOpenAIBackend(nl2sql.OpenAIConfig{
			Name:       string(cfg.Kind),
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			RequireKey: cfg.Kind == config.BackendHosted,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("%s backend: %w", cfg.Kind, err)
		}
		return backend, nil
	case config.BackendGemini:
		backend, err := nl2sql.NewGeminiBackend(ctx, nl2sql.GeminiConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Kind)
	}
}

// ObjectStore connects to the configured S3-compatible store.
func ObjectStore(ctx context.Context, cfg config.Config) (*s3store.Store, error) {
	return s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
}
