package querybench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/99designs/keyring"

	"github.com/querybench/querybench/internal/database"
	"github.com/querybench/querybench/internal/fixtures"
	"github.com/querybench/querybench/internal/nl2sql"
	"github.com/querybench/querybench/internal/pipeline"
	"github.com/querybench/querybench/internal/schema"
	"github.com/querybench/querybench/internal/secrets"
)

func TestRunAskPrintsJSONAnswer(t *testing.T) {
	env := shopEnv(t)
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"ask", "--json", "How", "many", "customers?"}, Options{
		Lookup:  mapLookup(env),
		Stdout:  &stdout,
		Stderr:  &stderr,
		Backend: fixedBackend(`{"sql":"SELECT COUNT(*) AS n FROM customers"}`),
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	var answer pipeline.Answer
	if err := json.Unmarshal(stdout.Bytes(), &answer); err != nil {
		t.Fatalf("decode answer: %v\n%s", err, stdout.String())
	}
	if answer.Question != "How many customers?" || answer.Result == nil || answer.Result.RowCount != 1 {
		t.Fatalf("answer = %+v", answer)
	}
}

func TestRunAskReportsRejectedStatement(t *testing.T) {
	env := shopEnv(t)
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"ask", "drop", "everything"}, Options{
		Lookup:  mapLookup(env),
		Stdout:  &stdout,
		Stderr:  &stderr,
		Backend: fixedBackend("DROP TABLE customers"),
	})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "REJECTED") || !strings.Contains(stderr.String(), "safety_rejected") {
		t.Fatalf("stdout=%s stderr=%s", stdout.String(), stderr.String())
	}
}

func TestRunEvalWritesReportAndEnforcesMinAccuracy(t *testing.T) {
	env := shopEnv(t)
	dir := t.TempDir()
	questions := filepath.Join(dir, "questions.jsonl")
	body := `{"id": "customers", "question": "How many customers?", "reference_sql": "SELECT COUNT(*) FROM customers"}
{"id": "orders", "question": "How many orders?", "expected": 8}
`
	if err := os.WriteFile(questions, []byte(body), 0o644); err != nil {
		t.Fatalf("write questions: %v", err)
	}
	// Counting customers answers the first case and misses the second.
	backend := fixedBackend("SELECT COUNT(*) FROM customers")
	reportDir := filepath.Join(dir, "reports")

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"eval", "--questions", questions, "--report-dir", reportDir, "--min-accuracy", "0.9",
	}, Options{Lookup: mapLookup(env), Stdout: &stdout, Stderr: &stderr, Backend: backend})
	if code != ExitBelowTarget {
		t.Fatalf("exit code = %d, want %d, stderr=%s", code, ExitBelowTarget, stderr.String())
	}
	if !strings.Contains(stdout.String(), "50.00%") {
		t.Fatalf("summary missing accuracy:\n%s", stdout.String())
	}

	var written []string
	err := filepath.WalkDir(reportDir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			written = append(written, filepath.Base(path))
		}
		return err
	})
	if err != nil {
		t.Fatalf("walk report dir: %v", err)
	}
	if len(written) != 3 {
		t.Fatalf("report files = %v", written)
	}

	code = Run(context.Background(), []string{"eval", "--questions", questions, "--min-accuracy", "0.5"}, Options{
		Lookup: mapLookup(env), Backend: backend,
	})
	if code != 0 {
		t.Fatalf("exit code at threshold = %d, want 0", code)
	}
}

func TestRunEvalRequiresQuestions(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"eval"}, Options{Lookup: mapLookup(shopEnv(t)), Stderr: &stderr})
	if code != 1 || !strings.Contains(stderr.String(), "questions") {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
}

func TestRunGuardExitCodes(t *testing.T) {
	env := shopEnv(t)
	var stdout bytes.Buffer
	if code := Run(context.Background(), []string{"guard", "SELECT 1"}, Options{Lookup: mapLookup(env), Stdout: &stdout}); code != 0 {
		t.Fatalf("safe statement exit code = %d", code)
	}
	stdout.Reset()
	if code := Run(context.Background(), []string{"guard", "DELETE FROM orders"}, Options{Lookup: mapLookup(env), Stdout: &stdout}); code != 1 {
		t.Fatalf("rejected statement exit code = %d", code)
	}
	if !strings.Contains(stdout.String(), "DELETE") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunUnknownFlagIsUsageError(t *testing.T) {
	code := Run(context.Background(), []string{"guard", "--nope", "SELECT 1"}, Options{Lookup: mapLookup(shopEnv(t))})
	if code != ExitUsage {
		t.Fatalf("exit code = %d, want %d", code, ExitUsage)
	}
}

func TestRunSeedAppliesAndRevertsFixtures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	env := map[string]string{
		"QUERYBENCH_PROFILE":   "test",
		"QUERYBENCH_DB_DRIVER": "sqlite",
		"QUERYBENCH_DB_DSN":    path,
	}
	var stdout bytes.Buffer
	if code := Run(context.Background(), []string{"seed"}, Options{Lookup: mapLookup(env), Stdout: &stdout}); code != 0 {
		t.Fatalf("seed exit code = %d", code)
	}
	if !strings.Contains(stdout.String(), "applied 2") {
		t.Fatalf("stdout = %q", stdout.String())
	}
	stdout.Reset()
	if code := Run(context.Background(), []string{"seed", "--down", "--steps", "2"}, Options{Lookup: mapLookup(env), Stdout: &stdout}); code != 0 {
		t.Fatalf("seed --down exit code = %d", code)
	}
	if !strings.Contains(stdout.String(), "reverted 2") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunSchemaPrintsDescription(t *testing.T) {
	env := shopEnv(t)
	env["QUERYBENCH_INTROSPECT"] = "true"
	var stdout bytes.Buffer
	if code := Run(context.Background(), []string{"schema"}, Options{Lookup: mapLookup(env), Stdout: &stdout}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout.String(), "order_items") {
		t.Fatalf("stdout = %q", stdout.String())
	}

	stdout.Reset()
	if code := Run(context.Background(), []string{"schema", "--json"}, Options{Lookup: mapLookup(env), Stdout: &stdout}); code != 0 {
		t.Fatalf("schema --json exit code = %d", code)
	}
	desc, err := schema.Parse(stdout.Bytes())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(desc.Tables) != len(schema.Default().Tables) {
		t.Fatalf("tables = %v", desc.TableNames())
	}
}

func TestRunKeySetFeedsHostedBackend(t *testing.T) {
	store := secrets.New(keyring.NewArrayKeyring(nil))
	env := shopEnv(t)

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"key", "set", "hosted"}, Options{
		Lookup:  mapLookup(env),
		Stdin:   strings.NewReader("sk-test\n"),
		Stdout:  &stdout,
		Secrets: store,
	})
	if code != 0 {
		t.Fatalf("key set exit code = %d", code)
	}
	if got, err := store.Get(secrets.BackendKeyName("hosted")); err != nil || got != "sk-test" {
		t.Fatalf("stored key = %q, %v", got, err)
	}

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"SELECT COUNT(*) FROM orders"}}]}`))
	}))
	defer srv.Close()
	env["QUERYBENCH_BACKEND"] = "hosted"
	env["QUERYBENCH_BACKEND_BASE_URL"] = srv.URL
	env["QUERYBENCH_BACKEND_MAX_RETRIES"] = "0"

	var stderr bytes.Buffer
	code = Run(context.Background(), []string{"ask", "How many orders?"}, Options{Lookup: mapLookup(env), Stderr: &stderr, Secrets: store})
	if code != 0 {
		t.Fatalf("ask exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", gotAuth)
	}

	if code := Run(context.Background(), []string{"key", "delete", "hosted"}, Options{Lookup: mapLookup(env), Secrets: store}); code != 0 {
		t.Fatalf("key delete exit code = %d", code)
	}
	if _, err := store.Get(secrets.BackendKeyName("hosted")); !errors.Is(err, secrets.ErrNotFound) {
		t.Fatalf("Get() after delete error = %v", err)
	}
}

func TestRunKeyRejectsLocalBackend(t *testing.T) {
	code := Run(context.Background(), []string{"key", "set", "local"}, Options{
		Lookup:  mapLookup(shopEnv(t)),
		Stdin:   strings.NewReader("x"),
		Secrets: secrets.New(keyring.NewArrayKeyring(nil)),
	})
	if code != ExitUsage {
		t.Fatalf("exit code = %d, want %d", code, ExitUsage)
	}
}

func TestRunRemoteAskPostsQuestion(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sql":"SELECT 1"}`))
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"remote", "--base-url", srv.URL, "--api-key", "k1", "ask", "How", "many?",
	}, Options{Lookup: mapLookup(nil), Stdout: &stdout, Stderr: &stderr})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/ask" || gotAPIKey != "k1" {
		t.Fatalf("request = %s %s key=%q", gotMethod, gotPath, gotAPIKey)
	}
	if gotBody["question"] != "How many?" {
		t.Fatalf("body = %v", gotBody)
	}
	if !strings.Contains(stdout.String(), `"sql": "SELECT 1"`) {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunRemoteReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error_code":"NOT_READY"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"remote", "--base-url", srv.URL, "ready"}, Options{Lookup: mapLookup(nil), Stderr: &stderr})
	if code != 1 || !strings.Contains(stderr.String(), "http 503") {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
}

func shopEnv(t *testing.T) map[string]string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shop.db")
	db, dialect, err := database.Open(ctx, database.Config{Driver: "sqlite", DSN: path, Writable: true})
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	defer func() { _ = db.Close() }()
	if _, err := fixtures.NewRunner(dialect).Up(ctx, db, 0); err != nil {
		t.Fatalf("seed fixtures: %v", err)
	}
	return map[string]string{
		"QUERYBENCH_PROFILE":         "test",
		"QUERYBENCH_DB_DRIVER":       "sqlite",
		"QUERYBENCH_DB_DSN":          path,
		"QUERYBENCH_PROMPT_TIMEZONE": "UTC",
		"QUERYBENCH_API_KEYS":        "",
		"GROQ_API_KEY":               "",
		"GEMINI_API_KEY":             "",
		"QUERYBENCH_BACKEND_API_KEY": "",
	}
}

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
}

func fixedBackend(reply string) nl2sql.Backend {
	return nl2sql.BackendFunc(func(context.Context, nl2sql.Completion) (string, error) {
		return reply, nil
	})
}
