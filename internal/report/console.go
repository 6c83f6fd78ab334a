package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pterm/pterm"

	"github.com/querybench/querybench/internal/eval"
	"github.com/querybench/querybench/internal/guard"
	"github.com/querybench/querybench/internal/pipeline"
	"github.com/querybench/querybench/internal/query"
)

const defaultMaxRows = 20

// Console renders answers and runs for a terminal.
type Console struct {
	Out     io.Writer
	MaxRows int
}

func NewConsole(out io.Writer) *Console {
	return &Console{Out: out, MaxRows: defaultMaxRows}
}

// Progress prints one line per finished case.
func (c *Console) Progress(record eval.Record) {
	if record.Succeeded() {
		fmt.Fprintf(c.Out, "%s [%s] %s\n", color.GreenString("✔"), record.CaseID, truncate(record.Question, 80))
		return
	}
	fmt.Fprintf(c.Out, "%s [%s] %s %s\n",
		color.RedString("✘"), record.CaseID, color.YellowString(string(record.ErrorKind)), truncate(firstLine(record.Error), 100))
}

func (c *Console) Summary(rep eval.Report) error {
	s := rep.Summary
	fmt.Fprint(c.Out, pterm.DefaultSection.Sprint("Summary"))
	table, err := pterm.DefaultTable.WithData(pterm.TableData{
		{"run", rep.RunID},
		{"total", fmt.Sprint(s.Total)},
		{"succeeded", fmt.Sprint(s.Succeeded)},
		{"accuracy", fmt.Sprintf("%.2f%%", s.Accuracy*100)},
		{"executed", fmt.Sprintf("%d (%.2f%%)", s.Executed, s.ExecutionRate()*100)},
		{"safety rejected", fmt.Sprint(s.SafetyRejected)},
		{"execution failed", fmt.Sprint(s.ExecutionFailed)},
		{"mismatched", fmt.Sprint(s.Mismatched)},
		{"generation failed", fmt.Sprint(s.GenerationFailed)},
		{"invalid input", fmt.Sprint(s.InvalidInput)},
		{"elapsed", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond).String()},
	}).Srender()
	if err != nil {
		return fmt.Errorf("render summary: %w", err)
	}
	fmt.Fprintln(c.Out, table)
	return nil
}

// Mismatch shows a failed case side by side with its expected answer.
func (c *Console) Mismatch(record eval.Record) error {
	header := color.New(color.FgCyan, color.Bold)
	fmt.Fprintln(c.Out, strings.Repeat("=", 60))
	fmt.Fprintf(c.Out, "%s [%s] %s\n", header.Sprint("Q"), record.CaseID, record.Question)
	if record.ErrorKind != "" && record.ErrorKind != eval.KindMismatch {
		fmt.Fprintf(c.Out, "%s %s\n", color.RedString(string(record.ErrorKind)+":"), record.Error)
	}
	fmt.Fprintln(c.Out, header.Sprint("[Generated SQL]"))
	fmt.Fprintln(c.Out, orNone(record.GeneratedSQL))
	if record.ReferenceSQL != "" {
		fmt.Fprintln(c.Out, header.Sprint("[Reference SQL]"))
		fmt.Fprintln(c.Out, record.ReferenceSQL)
	}
	if record.Result != nil {
		fmt.Fprintln(c.Out, header.Sprint("[Generated Result]"))
		if err := c.Table(*record.Result); err != nil {
			return err
		}
	}
	if record.Expected != nil {
		fmt.Fprintln(c.Out, header.Sprint("[Expected Result]"))
		if err := c.Table(*record.Expected); err != nil {
			return err
		}
	}
	if record.Diff != "" {
		fmt.Fprintf(c.Out, "%s %s\n", header.Sprint("[Diff]"), record.Diff)
	}
	return nil
}

// Answer prints the outcome of a single question.
func (c *Console) Answer(answer pipeline.Answer) error {
	fmt.Fprint(c.Out, pterm.DefaultSection.Sprint("SQL"))
	fmt.Fprintln(c.Out, orNone(answer.Generation.SQL))
	if len(answer.Generation.Assumptions) > 0 {
		fmt.Fprintln(c.Out, "Assumptions:")
		for _, assumption := range answer.Generation.Assumptions {
			fmt.Fprintf(c.Out, "  - %s\n", assumption)
		}
	}
	switch answer.Verdict.Decision {
	case guard.Safe:
		fmt.Fprintln(c.Out, color.GreenString("SAFE"))
	case guard.Rejected:
		fmt.Fprintf(c.Out, "%s %s\n", color.RedString("REJECTED"), answer.Verdict.Reason)
	}
	if answer.Result == nil {
		return nil
	}
	fmt.Fprint(c.Out, pterm.DefaultSection.Sprint("Result"))
	if err := c.Table(*answer.Result); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "%d row(s) in %s\n", answer.Result.RowCount, answer.Result.Duration.Round(time.Millisecond))
	return nil
}

// Table prints at most MaxRows rows of result.
func (c *Console) Table(result query.Result) error {
	if len(result.Columns) == 0 && len(result.Rows) == 0 {
		fmt.Fprintln(c.Out, "(no rows)")
		return nil
	}
	data := pterm.TableData{headerRow(result)}
	shown := result.Rows
	if limit := c.maxRows(); len(shown) > limit {
		shown = shown[:limit]
	}
	for _, row := range shown {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = FormatValue(value)
		}
		data = append(data, cells)
	}
	rendered, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	fmt.Fprintln(c.Out, rendered)
	if hidden := len(result.Rows) - len(shown); hidden > 0 {
		fmt.Fprintf(c.Out, "... %d more row(s)\n", hidden)
	}
	if result.Truncated {
		fmt.Fprintln(c.Out, color.YellowString("(result truncated at the row limit)"))
	}
	return nil
}

func (c *Console) maxRows() int {
	if c.MaxRows <= 0 {
		return defaultMaxRows
	}
	return c.MaxRows
}

func headerRow(result query.Result) []string {
	if len(result.Columns) > 0 {
		return append([]string(nil), result.Columns...)
	}
	header := make([]string, len(result.Rows[0]))
	for i := range header {
		header[i] = fmt.Sprintf("col%d", i+1)
	}
	return header
}

// FormatValue renders one result value for display.
func FormatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(typed)
	case time.Time:
		return typed.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(typed)
	}
}

func orNone(sql string) string {
	if strings.TrimSpace(sql) == "" {
		return "(none)"
	}
	return sql
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return s
}
