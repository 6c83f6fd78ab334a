// Package prompt turns a question and a schema description into the
// message pair sent to a text generation backend.
package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/querybench/querybench/internal/schema"
)

const MaxQuestionLength = 50000

var ErrInvalidInput = errors.New("invalid input")

// Request is the generation request for a single question.
type Request struct {
	Question string
	Schema   schema.Description
	Rules    []string
}

type Prompt struct {
	System string
	User   string
}

type RenderOptions struct {
	Dialect string
}

// Build validates and normalizes the inputs. It performs no I/O.
func Build(question string, desc schema.Description, rules []string) (Request, error) {
	question = strings.TrimSpace(norm.NFKC.String(question))
	if question == "" {
		return Request{}, fmt.Errorf("%w: question is empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(question); n > MaxQuestionLength {
		return Request{}, fmt.Errorf("%w: question is too long (%d > %d characters)", ErrInvalidInput, n, MaxQuestionLength)
	}
	if len(desc.Tables) == 0 {
		return Request{}, fmt.Errorf("%w: schema has no tables", ErrInvalidInput)
	}
	return Request{
		Question: question,
		Schema:   desc.Clone(),
		Rules:    append([]string(nil), rules...),
	}, nil
}

func Render(req Request, opts RenderOptions) Prompt {
	var system strings.Builder
	fmt.Fprintf(&system, "You are a careful Text-to-SQL assistant for %s.\n", dialectTitle(opts.Dialect))
	if len(req.Rules) > 0 {
		system.WriteString("Follow ALL rules:\n\n")
		for i, rule := range req.Rules {
			fmt.Fprintf(&system, "%d. %s\n", i+1, rule)
		}
		system.WriteString("\n")
	}
	system.WriteString(`Do not explain. Reply with a JSON object containing "sql" and optional "assumptions".` + "\n")

	user := "[Schema]\n" + SchemaText(req.Schema) + "\n[Question]\n" + req.Question + "\n"
	return Prompt{System: system.String(), User: user}
}

// SchemaText renders a description in the compact form used inside
// prompts:
//
//	TABLE orders (
//	  order_id integer NOT NULL,
//	  status text -- one of: placed, paid
//	);
func SchemaText(desc schema.Description) string {
	var b strings.Builder
	for _, table := range desc.Tables {
		fmt.Fprintf(&b, "TABLE %s (\n", quoteIdent(table.Name))
		for i, column := range table.Columns {
			b.WriteString("  ")
			b.WriteString(quoteIdent(column.Name))
			if column.Type != "" {
				b.WriteString(" " + column.Type)
			}
			if !column.Nullable {
				b.WriteString(" NOT NULL")
			}
			if i < len(table.Columns)-1 {
				b.WriteString(",")
			}
			if column.Comment != "" {
				b.WriteString(" -- " + column.Comment)
			}
			b.WriteString("\n")
		}
		b.WriteString(");\n")
	}
	if len(desc.Notes) > 0 {
		b.WriteString("-- Notes:\n")
		for _, note := range desc.Notes {
			b.WriteString("-- " + note + "\n")
		}
	}
	return b.String()
}

var tableLinePattern = regexp.MustCompile(`(?m)^TABLE ("(?:[^"]|"")+"|\S+) \($`)

// TableNames parses table names back out of rendered schema text.
func TableNames(text string) []string {
	matches := tableLinePattern.FindAllStringSubmatch(text, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, unquoteIdent(m[1]))
	}
	return names
}

type RuleOptions struct {
	Dialect  string
	MaxLimit int
	Today    string
}

func DefaultRules(opts RuleOptions) []string {
	rules := []string{
		"Generate exactly ONE SQL statement.",
		"Only SELECT is allowed. Never use INSERT/UPDATE/DELETE/MERGE/DDL.",
		"Never use transactions, locks, or PRAGMA.",
		"Use only the tables and columns that exist in the schema.",
		"If the question is ambiguous, still produce the best SELECT and list assumptions.",
	}
	if opts.Dialect != "" {
		rules = append(rules, fmt.Sprintf("Write SQL that runs on %s.", dialectTitle(opts.Dialect)))
	}
	if opts.MaxLimit > 0 {
		rules = append(rules, fmt.Sprintf("Always include LIMIT %d unless the user explicitly asks for fewer rows.", opts.MaxLimit))
	}
	rules = append(rules, "Prefer simple queries; avoid heavy CROSS JOINs.")
	if opts.Today != "" {
		rules = append(rules, fmt.Sprintf("Dates: interpret relative expressions using TODAY = %s.", opts.Today))
	}
	return rules
}

// Today formats the current date in the named IANA zone.
func Today(timezone string, now time.Time) (string, error) {
	if strings.TrimSpace(timezone) == "" {
		return now.UTC().Format(time.DateOnly), nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return "", fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return now.In(loc).Format(time.DateOnly), nil
}

func dialectTitle(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx":
		return "PostgreSQL"
	case "mysql":
		return "MySQL"
	case "sqlite", "sqlite3":
		return "SQLite"
	case "duckdb":
		return "DuckDB"
	case "":
		return "SQL"
	default:
		return name
	}
}

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$.]*$`)

func quoteIdent(name string) string {
	if plainIdent.MatchString(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func unquoteIdent(token string) string {
	if len(token) >= 2 && strings.HasPrefix(token, `"`) && strings.HasSuffix(token, `"`) {
		return strings.ReplaceAll(token[1:len(token)-1], `""`, `"`)
	}
	return token
}
