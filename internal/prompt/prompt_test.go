package prompt

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/querybench/querybench/internal/schema"
)

func TestBuildRejectsEmptyQuestion(t *testing.T) {
	for _, question := range []string{"", "   ", "\u3000\t"} {
		if _, err := Build(question, schema.Default(), nil); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Build(%q) error = %v, want ErrInvalidInput", question, err)
		}
	}
}

func TestBuildRejectsEmptySchema(t *testing.T) {
	if _, err := Build("How many customers?", schema.Description{}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Build() error = %v, want ErrInvalidInput", err)
	}
}

func TestBuildRejectsOverlongQuestion(t *testing.T) {
	question := strings.Repeat("a", MaxQuestionLength+1)
	if _, err := Build(question, schema.Default(), nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Build() error = %v, want ErrInvalidInput", err)
	}
	if _, err := Build(question[:MaxQuestionLength], schema.Default(), nil); err != nil {
		t.Fatalf("Build() at limit error = %v", err)
	}
}

func TestBuildNormalizesQuestion(t *testing.T) {
	req, err := Build("  ＡＢＣ の顧客数は？ ", schema.Default(), []string{"rule"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if req.Question != "ABC の顧客数は?" {
		t.Fatalf("Question = %q", req.Question)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	rules := DefaultRules(RuleOptions{Dialect: "postgres", MaxLimit: 100, Today: "2026-01-02"})
	a, err := Build("How many orders?", schema.Default(), rules)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	b, _ := Build("How many orders?", schema.Default(), rules)
	if diff := cmp.Diff(Render(a, RenderOptions{Dialect: "postgres"}), Render(b, RenderOptions{Dialect: "postgres"})); diff != "" {
		t.Fatalf("Render() not deterministic (-a +b):\n%s", diff)
	}
}

func TestRenderedSchemaRoundTripsTableNames(t *testing.T) {
	desc := schema.Description{Tables: []schema.Table{
		{Name: "customers", Columns: []schema.Column{{Name: "id", Type: "integer"}}},
		{Name: "order items", Columns: []schema.Column{{Name: "qty", Type: "integer"}}},
		{Name: `odd"name`},
		{Name: "sales.orders", Columns: []schema.Column{{Name: "total", Type: "numeric", Nullable: true}}},
	}}
	req, err := Build("q", desc, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	rendered := Render(req, RenderOptions{})
	got := TableNames(rendered.User)
	want := []string{"customers", "order items", `odd"name`, "sales.orders"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("TableNames() mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderDefaultSchema(t *testing.T) {
	req, err := Build("How many customers are there?", schema.Default(), DefaultRules(RuleOptions{MaxLimit: 50}))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	p := Render(req, RenderOptions{Dialect: "sqlite"})

	if !strings.HasPrefix(p.System, "You are a careful Text-to-SQL assistant for SQLite.") {
		t.Fatalf("System = %q", p.System)
	}
	if !strings.Contains(p.System, "6. Always include LIMIT 50") {
		t.Fatalf("System missing numbered LIMIT rule: %q", p.System)
	}
	for _, fragment := range []string{
		"[Schema]\nTABLE customers (\n  customer_id integer NOT NULL,\n",
		"  status text NOT NULL, -- one of: placed, paid, shipped, cancelled\n",
		"  unit_price_jpy integer NOT NULL\n);\n",
		"-- Notes:\n-- orders.total_jpy is the order total.\n",
		"[Question]\nHow many customers are there?\n",
	} {
		if !strings.Contains(p.User, fragment) {
			t.Fatalf("User prompt missing %q:\n%s", fragment, p.User)
		}
	}
}

func TestDefaultRulesTodayAnchor(t *testing.T) {
	rules := DefaultRules(RuleOptions{Today: "2026-03-01"})
	last := rules[len(rules)-1]
	if last != "Dates: interpret relative expressions using TODAY = 2026-03-01." {
		t.Fatalf("last rule = %q", last)
	}
	for _, rule := range DefaultRules(RuleOptions{}) {
		if strings.Contains(rule, "TODAY") || strings.Contains(rule, "LIMIT") {
			t.Fatalf("unexpected optional rule %q", rule)
		}
	}
}

func TestToday(t *testing.T) {
	now := time.Date(2026, 5, 31, 20, 0, 0, 0, time.UTC)
	got, err := Today("Asia/Tokyo", now)
	if err != nil {
		t.Fatalf("Today() error = %v", err)
	}
	if got != "2026-06-01" {
		t.Fatalf("Today() = %q", got)
	}
	if _, err := Today("Mars/Olympus", now); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}
