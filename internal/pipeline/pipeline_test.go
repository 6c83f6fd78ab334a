package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/querybench/querybench/internal/guard"
	"github.com/querybench/querybench/internal/nl2sql"
	"github.com/querybench/querybench/internal/prompt"
	"github.com/querybench/querybench/internal/query"
	"github.com/querybench/querybench/internal/schema"
)

func TestAskRunsEveryStage(t *testing.T) {
	var executed query.Request
	p := &Pipeline{
		Schema:    schema.Static(schema.Default()),
		Generator: replyGenerator(`{"sql":"SELECT COUNT(*) FROM customers","assumptions":["all customers"]}`),
		Engine: engineFunc(func(_ context.Context, req query.Request) (query.Result, error) {
			executed = req
			return query.Result{Columns: []string{"count"}, Rows: [][]any{{int64(3)}}, RowCount: 1}, nil
		}),
		RowLimit: 50,
	}

	answer, err := p.Ask(context.Background(), "  How many customers?  ")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Question != "How many customers?" {
		t.Fatalf("Question = %q", answer.Question)
	}
	if !answer.Verdict.Safe() || answer.Result == nil || answer.Result.RowCount != 1 {
		t.Fatalf("answer = %+v", answer)
	}
	if executed.SQL != "SELECT COUNT(*) FROM customers" || executed.RowLimit != 50 {
		t.Fatalf("executed = %+v", executed)
	}
	if len(answer.Generation.Assumptions) != 1 {
		t.Fatalf("Assumptions = %v", answer.Generation.Assumptions)
	}
}

func TestAskRejectsEmptyQuestionBeforeGeneration(t *testing.T) {
	p := &Pipeline{
		Schema: schema.Static(schema.Default()),
		Generator: generatorFunc(func(context.Context, prompt.Request) (nl2sql.Result, error) {
			t.Error("generator should not be called")
			return nl2sql.Result{}, nil
		}),
		Engine: unusedEngine(t),
	}
	if _, err := p.Ask(context.Background(), " \n\t"); !errors.Is(err, prompt.ErrInvalidInput) {
		t.Fatalf("Ask() error = %v, want ErrInvalidInput", err)
	}
}

func TestAskWrapsUnclassifiedErrors(t *testing.T) {
	failing := errors.New("boom")

	p := &Pipeline{
		Schema: describerFunc(func(context.Context) (schema.Description, error) {
			return schema.Description{}, failing
		}),
		Generator: replyGenerator("SELECT 1"),
		Engine:    unusedEngine(t),
	}
	if _, err := p.Ask(context.Background(), "q"); !errors.Is(err, schema.ErrIntrospection) || !errors.Is(err, failing) {
		t.Fatalf("schema error = %v", err)
	}

	p.Schema = schema.Static(schema.Default())
	p.Generator = generatorFunc(func(context.Context, prompt.Request) (nl2sql.Result, error) {
		return nl2sql.Result{Provider: "test"}, failing
	})
	if _, err := p.Ask(context.Background(), "q"); !errors.Is(err, nl2sql.ErrBackendUnavailable) {
		t.Fatalf("generator error = %v", err)
	}

	p.Generator = replyGenerator("SELECT 1")
	p.Engine = engineFunc(func(context.Context, query.Request) (query.Result, error) {
		return query.Result{}, failing
	})
	if _, err := p.Ask(context.Background(), "q"); !errors.Is(err, query.ErrExecution) {
		t.Fatalf("engine error = %v", err)
	}
}

func TestAskReportsMissingSQL(t *testing.T) {
	p := &Pipeline{
		Schema:    schema.Static(schema.Default()),
		Generator: replyGenerator("Sorry, I can only talk about the weather."),
		Engine:    unusedEngine(t),
	}
	answer, err := p.Ask(context.Background(), "q")
	if !errors.Is(err, ErrNoSQL) {
		t.Fatalf("Ask() error = %v, want ErrNoSQL", err)
	}
	if answer.Generation.RawText == "" || answer.Result != nil {
		t.Fatalf("answer = %+v", answer)
	}
}

func TestAskNeverExecutesRejectedStatement(t *testing.T) {
	p := &Pipeline{
		Schema:    schema.Static(schema.Default()),
		Generator: replyGenerator("DROP TABLE customers"),
		Engine:    unusedEngine(t),
	}
	answer, err := p.Ask(context.Background(), "q")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Ask() error = %v, want ErrRejected", err)
	}
	if answer.Verdict.Decision != guard.Rejected || answer.Verdict.Keyword != "DROP" || answer.Result != nil {
		t.Fatalf("answer = %+v", answer)
	}
}

func TestAskUsesConfiguredPolicy(t *testing.T) {
	policy := guard.DefaultPolicy()
	policy.RejectCartesian = true
	p := &Pipeline{
		Schema:    schema.Static(schema.Default()),
		Generator: replyGenerator("SELECT * FROM customers CROSS JOIN orders"),
		Policy:    &policy,
		Engine:    unusedEngine(t),
	}
	answer, err := p.Ask(context.Background(), "q")
	if !errors.Is(err, ErrRejected) || answer.Verdict.Rule != guard.RuleCartesian {
		t.Fatalf("Ask() = %+v, %v", answer.Verdict, err)
	}
}

type generatorFunc func(ctx context.Context, req prompt.Request) (nl2sql.Result, error)

func (f generatorFunc) Generate(ctx context.Context, req prompt.Request) (nl2sql.Result, error) {
	return f(ctx, req)
}

type engineFunc func(ctx context.Context, req query.Request) (query.Result, error)

func (f engineFunc) Execute(ctx context.Context, req query.Request) (query.Result, error) {
	return f(ctx, req)
}

type describerFunc func(ctx context.Context) (schema.Description, error)

func (f describerFunc) Describe(ctx context.Context) (schema.Description, error) {
	return f(ctx)
}

func replyGenerator(reply string) *nl2sql.Generator {
	return &nl2sql.Generator{
		Backend: nl2sql.BackendFunc(func(context.Context, nl2sql.Completion) (string, error) {
			return reply, nil
		}),
		Model: "test",
	}
}

func unusedEngine(t *testing.T) query.Engine {
	return engineFunc(func(context.Context, query.Request) (query.Result, error) {
		t.Error("engine should not be called")
		return query.Result{}, nil
	})
}
