package nl2sql

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/querybench/querybench/internal/prompt"
	"github.com/querybench/querybench/internal/schema"
)

func TestGenerateExtractsSQL(t *testing.T) {
	var seen Completion
	gen := &Generator{
		Backend: BackendFunc(func(_ context.Context, req Completion) (string, error) {
			seen = req
			return "```sql\nSELECT COUNT(*) FROM customers;\n```", nil
		}),
		Model:   "test-model",
		Dialect: "sqlite",
	}
	result, err := gen.Generate(context.Background(), mustRequest(t, "How many customers are there?"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !result.HasSQL() || result.SQL != "SELECT COUNT(*) FROM customers;" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	if result.Provider != "func" || result.Model != "test-model" {
		t.Fatalf("result = %+v", result)
	}
	if !seen.JSON || !strings.Contains(seen.User, "How many customers are there?") || !strings.Contains(seen.System, "SQLite") {
		t.Fatalf("completion = %+v", seen)
	}
}

func TestGenerateWithoutSQLIsNotAnError(t *testing.T) {
	gen := &Generator{Backend: BackendFunc(func(context.Context, Completion) (string, error) {
		return "I am not sure what you mean.", nil
	})}
	result, err := gen.Generate(context.Background(), mustRequest(t, "hello"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.HasSQL() {
		t.Fatalf("SQL = %q, want none", result.SQL)
	}
	if result.RawText != "I am not sure what you mean." {
		t.Fatalf("RawText = %q", result.RawText)
	}
}

func TestGenerateTimeout(t *testing.T) {
	gen := &Generator{
		Timeout: 20 * time.Millisecond,
		Backend: BackendFunc(func(ctx context.Context, _ Completion) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	}
	_, err := gen.Generate(context.Background(), mustRequest(t, "slow"))
	if !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("Generate() error = %v, want ErrBackendTimeout", err)
	}
}

func TestGenerateWrapsBackendFailure(t *testing.T) {
	gen := &Generator{Backend: BackendFunc(func(context.Context, Completion) (string, error) {
		return "", errors.New("connection reset by peer")
	})}
	_, err := gen.Generate(context.Background(), mustRequest(t, "q"))
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("Generate() error = %v, want ErrBackendUnavailable", err)
	}
}

func TestGenerateWithoutBackend(t *testing.T) {
	if _, err := (&Generator{}).Generate(context.Background(), mustRequest(t, "q")); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("Generate() error = %v", err)
	}
}

func mustRequest(t *testing.T, question string) prompt.Request {
	t.Helper()
	req, err := prompt.Build(question, schema.Default(), prompt.DefaultRules(prompt.RuleOptions{MaxLimit: 100}))
	if err != nil {
		t.Fatalf("prompt.Build() error = %v", err)
	}
	return req
}
