// Package pipeline answers a single question: describe the schema, build
// the prompt, generate SQL, guard it and execute it read-only.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/querybench/querybench/internal/guard"
	"github.com/querybench/querybench/internal/nl2sql"
	"github.com/querybench/querybench/internal/observability"
	"github.com/querybench/querybench/internal/prompt"
	"github.com/querybench/querybench/internal/query"
	"github.com/querybench/querybench/internal/schema"
)

var (
	ErrNoSQL    = errors.New("no SQL extracted")
	ErrRejected = errors.New("statement rejected by safety guard")
)

type Generator interface {
	Generate(ctx context.Context, req prompt.Request) (nl2sql.Result, error)
}

type Pipeline struct {
	Schema    schema.Describer
	Rules     []string
	Generator Generator
	// Policy defaults to guard.DefaultPolicy when nil.
	Policy   *guard.Policy
	Engine   query.Engine
	RowLimit int
	Logger   *slog.Logger
}

// Answer carries whatever stages completed. Result is set only when the
// statement was judged safe and executed successfully.
type Answer struct {
	Question   string        `json:"question"`
	Generation nl2sql.Result `json:"generation"`
	Verdict    guard.Verdict `json:"verdict"`
	Result     *query.Result `json:"result,omitempty"`
}

// Ask runs one question through every stage. The returned error wraps the
// sentinel of the stage that stopped it: schema.ErrConnectivity,
// schema.ErrIntrospection, prompt.ErrInvalidInput,
// nl2sql.ErrBackendUnavailable, nl2sql.ErrBackendTimeout, ErrNoSQL,
// ErrRejected, query.ErrExecution or query.ErrTimeout.
func (p *Pipeline) Ask(ctx context.Context, question string) (Answer, error) {
	answer := Answer{Question: question}
	if p.Schema == nil || p.Generator == nil || p.Engine == nil {
		return answer, fmt.Errorf("pipeline is not fully configured")
	}

	start := time.Now()
	desc, err := p.Schema.Describe(ctx)
	observability.ObserveStage(observability.StageSchema, time.Since(start))
	if err != nil {
		if !errors.Is(err, schema.ErrConnectivity) && !errors.Is(err, schema.ErrIntrospection) {
			err = fmt.Errorf("%w: %w", schema.ErrIntrospection, err)
		}
		return answer, err
	}

	req, err := prompt.Build(question, desc, p.Rules)
	if err != nil {
		return answer, err
	}
	answer.Question = req.Question

	start = time.Now()
	generation, err := p.Generator.Generate(ctx, req)
	observability.ObserveStage(observability.StageGenerate, time.Since(start))
	answer.Generation = generation
	if err != nil {
		observability.ObserveBackendRequest(generation.Provider, backendStatus(err))
		if !errors.Is(err, nl2sql.ErrBackendUnavailable) && !errors.Is(err, nl2sql.ErrBackendTimeout) {
			err = fmt.Errorf("%w: %w", nl2sql.ErrBackendUnavailable, err)
		}
		return answer, err
	}
	observability.ObserveBackendRequest(generation.Provider, "ok")
	if !generation.HasSQL() {
		return answer, ErrNoSQL
	}

	start = time.Now()
	answer.Verdict = p.policy().Check(generation.SQL)
	observability.ObserveStage(observability.StageGuard, time.Since(start))
	if !answer.Verdict.Safe() {
		observability.IncrementGuardRejection(answer.Verdict.Rule)
		p.logger().DebugContext(ctx, "statement_rejected",
			slog.String("rule", answer.Verdict.Rule),
			slog.String("reason", answer.Verdict.Reason),
		)
		return answer, fmt.Errorf("%w: %s", ErrRejected, answer.Verdict.Reason)
	}

	start = time.Now()
	result, err := p.Engine.Execute(ctx, query.Request{SQL: generation.SQL, RowLimit: p.RowLimit})
	observability.ObserveStage(observability.StageExecute, time.Since(start))
	if err != nil {
		if !errors.Is(err, query.ErrExecution) && !errors.Is(err, query.ErrTimeout) {
			err = fmt.Errorf("%w: %w", query.ErrExecution, err)
		}
		return answer, err
	}
	observability.ObserveQueryRows(result.RowCount)
	answer.Result = &result
	return answer, nil
}

func (p *Pipeline) policy() guard.Policy {
	if p.Policy == nil {
		return guard.DefaultPolicy()
	}
	return *p.Policy
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.Logger
}

func backendStatus(err error) string {
	if errors.Is(err, nl2sql.ErrBackendTimeout) {
		return "timeout"
	}
	return "error"
}
