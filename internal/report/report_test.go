package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/querybench/querybench/internal/eval"
	"github.com/querybench/querybench/internal/guard"
	"github.com/querybench/querybench/internal/pipeline"
	"github.com/querybench/querybench/internal/query"
	"github.com/querybench/querybench/internal/storage"
)

func TestWriterStoresAllArtifacts(t *testing.T) {
	root := t.TempDir()
	store, err := storage.NewDirStore(root)
	if err != nil {
		t.Fatalf("NewDirStore() error = %v", err)
	}

	keys, err := NewWriter(nil, store).Write(context.Background(), sampleReport())
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("keys = %v", keys)
	}

	raw, err := os.ReadFile(filepath.Join(root, "date=2026-02-19", "run=run-1", SummaryFile))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var summary runSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Summary.Total != 2 || summary.Summary.Succeeded != 1 || summary.ExecutionRate != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	records, err := os.ReadFile(filepath.Join(root, "date=2026-02-19", "run=run-1", RecordsFile))
	if err != nil {
		t.Fatalf("read records: %v", err)
	}
	if lines := strings.Count(string(records), "\n"); lines != 2 {
		t.Fatalf("records.jsonl lines = %d", lines)
	}
}

func TestEncodeRecordsToParquet(t *testing.T) {
	rep := sampleReport()
	data, err := EncodeRecords(rep.RunID, rep.Records)
	if err != nil {
		t.Fatalf("EncodeRecords() error = %v", err)
	}

	reader := parquet.NewGenericReader[parquetRecord](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()
	rows := make([]parquetRecord, 2)
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("reader.Read() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("read rows = %d", count)
	}
	if rows[0].CaseID != "1" || !rows[0].Matched || rows[0].RowCount != 1 {
		t.Fatalf("row 0 = %+v", rows[0])
	}
	if rows[1].ErrorKind != string(eval.KindMismatch) || rows[1].Diff == "" || rows[1].RunID != "run-1" {
		t.Fatalf("row 1 = %+v", rows[1])
	}
}

func TestConsoleMismatchShowsBothResults(t *testing.T) {
	var out bytes.Buffer
	console := NewConsole(&out)
	if err := console.Mismatch(sampleReport().Records[1]); err != nil {
		t.Fatalf("Mismatch() error = %v", err)
	}
	text := out.String()
	for _, want := range []string{"Orders per status", "[Generated SQL]", "[Reference SQL]", "[Generated Result]", "[Expected Result]", "shipped", "row 1 column 2"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestConsoleAnswerAndRowCap(t *testing.T) {
	var out bytes.Buffer
	console := &Console{Out: &out, MaxRows: 1}
	err := console.Answer(pipeline.Answer{
		Verdict: guard.Verdict{Decision: guard.Safe},
		Result: &query.Result{
			Columns:  []string{"name"},
			Rows:     [][]any{{"alice"}, {"bob"}, {nil}},
			RowCount: 3,
		},
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "alice") || strings.Contains(text, "bob") || !strings.Contains(text, "2 more row(s)") {
		t.Fatalf("output:\n%s", text)
	}
	if !strings.Contains(text, "(none)") {
		t.Fatalf("missing SQL placeholder:\n%s", text)
	}
}

func TestFormatValue(t *testing.T) {
	if got := FormatValue(nil); got != "NULL" {
		t.Fatalf("FormatValue(nil) = %q", got)
	}
	if got := FormatValue([]byte("x")); got != "x" {
		t.Fatalf("FormatValue([]byte) = %q", got)
	}
	if got := FormatValue(json.Number("1.50")); got != "1.50" {
		t.Fatalf("FormatValue(json.Number) = %q", got)
	}
}

func sampleReport() eval.Report {
	started := time.Date(2026, time.February, 19, 9, 0, 0, 0, time.UTC)
	return eval.Report{
		RunID:      "run-1",
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Summary:    eval.Summary{Total: 2, Succeeded: 1, Mismatched: 1, Executed: 2, Accuracy: 0.5},
		Records: []eval.Record{
			{
				CaseID:       "1",
				Question:     "How many customers?",
				GeneratedSQL: "SELECT COUNT(*) FROM customers",
				Verdict:      guard.Verdict{Decision: guard.Safe},
				Result:       &query.Result{Columns: []string{"count"}, Rows: [][]any{{int64(3)}}, RowCount: 1},
				Matched:      true,
				Duration:     40 * time.Millisecond,
			},
			{
				CaseID:       "2",
				Question:     "Orders per status",
				GeneratedSQL: "SELECT status, COUNT(*) FROM orders GROUP BY status",
				ReferenceSQL: "SELECT status, COUNT(*) FROM orders WHERE status <> 'cancelled' GROUP BY status",
				Verdict:      guard.Verdict{Decision: guard.Safe},
				Result:       &query.Result{Columns: []string{"status", "count"}, Rows: [][]any{{"paid", int64(4)}, {"shipped", int64(2)}}, RowCount: 2},
				Expected:     &query.Result{Columns: []string{"status", "count"}, Rows: [][]any{{"paid", int64(3)}, {"shipped", int64(2)}}, RowCount: 2},
				ErrorKind:    eval.KindMismatch,
				Diff:         "row 1 column 2: expected 3, got 4",
				Duration:     55 * time.Millisecond,
			},
		},
	}
}
