// Package eval scores generated SQL against a held-out answer set.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/querybench/querybench/internal/guard"
	"github.com/querybench/querybench/internal/nl2sql"
	"github.com/querybench/querybench/internal/observability"
	"github.com/querybench/querybench/internal/pipeline"
	"github.com/querybench/querybench/internal/prompt"
	"github.com/querybench/querybench/internal/query"
	"github.com/querybench/querybench/internal/schema"
)

// ErrorKind classifies why a case did not succeed. The empty kind means
// the generated statement executed and matched.
type ErrorKind string

const (
	KindInvalidInput      ErrorKind = "invalid_input"
	KindSchemaFailed      ErrorKind = "schema_failed"
	KindGenerationFailed  ErrorKind = "generation_failed"
	KindGenerationTimeout ErrorKind = "generation_timeout"
	KindNoSQL             ErrorKind = "no_sql_extracted"
	KindSafetyRejected    ErrorKind = "safety_rejected"
	KindExecutionFailed   ErrorKind = "execution_failed"
	KindExecutionTimeout  ErrorKind = "execution_timeout"
	KindReferenceFailed   ErrorKind = "reference_failed"
	KindMismatch          ErrorKind = "mismatch"
)

// Classify maps a pipeline error onto its ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, prompt.ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, schema.ErrConnectivity), errors.Is(err, schema.ErrIntrospection):
		return KindSchemaFailed
	case errors.Is(err, nl2sql.ErrBackendTimeout):
		return KindGenerationTimeout
	case errors.Is(err, pipeline.ErrNoSQL):
		return KindNoSQL
	case errors.Is(err, pipeline.ErrRejected):
		return KindSafetyRejected
	case errors.Is(err, query.ErrTimeout):
		return KindExecutionTimeout
	case errors.Is(err, query.ErrExecution):
		return KindExecutionFailed
	default:
		return KindGenerationFailed
	}
}

// Asker answers one question. *pipeline.Pipeline implements it.
type Asker interface {
	Ask(ctx context.Context, question string) (pipeline.Answer, error)
}

type Record struct {
	CaseID       string        `json:"case_id"`
	Question     string        `json:"question"`
	ReferenceSQL string        `json:"reference_sql,omitempty"`
	GeneratedSQL string        `json:"generated_sql,omitempty"`
	RawText      string        `json:"raw_text,omitempty"`
	Assumptions  []string      `json:"assumptions,omitempty"`
	Verdict      guard.Verdict `json:"verdict"`
	Result       *query.Result `json:"result,omitempty"`
	Expected     *query.Result `json:"expected,omitempty"`
	Matched      bool          `json:"matched"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	Error        string        `json:"error,omitempty"`
	Diff         string        `json:"diff,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

func (r Record) Succeeded() bool {
	return r.Matched && r.ErrorKind == ""
}

type Summary struct {
	Total            int     `json:"total"`
	Succeeded        int     `json:"succeeded"`
	SafetyRejected   int     `json:"safety_rejected"`
	ExecutionFailed  int     `json:"execution_failed"`
	Mismatched       int     `json:"mismatched"`
	GenerationFailed int     `json:"generation_failed"`
	InvalidInput     int     `json:"invalid_input"`
	Executed         int     `json:"executed"`
	Accuracy         float64 `json:"accuracy"`
}

func (s *Summary) add(r Record) {
	s.Total++
	if r.Result != nil {
		s.Executed++
	}
	switch r.ErrorKind {
	case "":
		s.Succeeded++
	case KindSafetyRejected:
		s.SafetyRejected++
	case KindExecutionFailed, KindExecutionTimeout:
		s.ExecutionFailed++
	case KindMismatch:
		s.Mismatched++
	case KindInvalidInput, KindReferenceFailed:
		s.InvalidInput++
	default:
		s.GenerationFailed++
	}
	s.Accuracy = 0
	if s.Total > 0 {
		s.Accuracy = float64(s.Succeeded) / float64(s.Total)
	}
}

// ExecutionRate is the share of cases whose generated statement ran.
func (s Summary) ExecutionRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Executed) / float64(s.Total)
}

type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Summary    Summary   `json:"summary"`
	Records    []Record  `json:"records"`
}

// Evaluator runs every case through the pipeline and scores it. Expected
// answers given as reference SQL are executed on Reference with the same
// RowLimit as generated statements.
type Evaluator struct {
	Pipeline    Asker
	Reference   query.Engine
	RowLimit    int
	Concurrency int
	Precision   int
	// OnRecord is called once per finished case, from a single goroutine,
	// in completion order.
	OnRecord func(Record)
	Logger   *slog.Logger
}

func NewEvaluator(asker Asker, reference query.Engine, rowLimit int) *Evaluator {
	return &Evaluator{
		Pipeline:    asker,
		Reference:   reference,
		RowLimit:    rowLimit,
		Concurrency: 1,
		Precision:   DefaultPrecision,
	}
}

type indexedRecord struct {
	index  int
	record Record
}

// Run evaluates cases with at most Concurrency in flight. Failures of a
// single case become records; only cancellation of ctx stops the batch,
// in which case the partial report is returned with ctx's error.
func (e *Evaluator) Run(ctx context.Context, cases []TestCase) (Report, error) {
	if e.Pipeline == nil {
		return Report{}, fmt.Errorf("evaluator has no pipeline")
	}
	report := Report{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	logger := observability.WithRun(e.logger(), report.RunID)
	logger.InfoContext(ctx, "evaluation_started", slog.Int("cases", len(cases)), slog.Int("concurrency", e.concurrency()))

	records := make([]Record, len(cases))
	finished := make([]bool, len(cases))
	results := make(chan indexedRecord)
	done := make(chan struct{})
	var summary Summary
	go func() {
		defer close(done)
		for item := range results {
			records[item.index] = item.record
			finished[item.index] = true
			summary.add(item.record)
			observability.ObserveCase(string(item.record.ErrorKind))
			if e.OnRecord != nil {
				e.OnRecord(item.record)
			}
		}
	}()

	var group errgroup.Group
	group.SetLimit(e.concurrency())
	for i, tc := range cases {
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			record := e.evaluate(ctx, tc, logger)
			results <- indexedRecord{index: i, record: record}
			return nil
		})
	}
	_ = group.Wait()
	close(results)
	<-done

	report.FinishedAt = time.Now().UTC()
	report.Summary = summary
	report.Records = make([]Record, 0, len(records))
	for i, record := range records {
		if finished[i] {
			report.Records = append(report.Records, record)
		}
	}
	observability.SetLastAccuracy(summary.Accuracy)
	logger.InfoContext(ctx, "evaluation_finished",
		slog.Int("total", summary.Total),
		slog.Int("succeeded", summary.Succeeded),
		slog.Float64("accuracy", summary.Accuracy),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("evaluation interrupted: %w", err)
	}
	return report, nil
}

func (e *Evaluator) evaluate(ctx context.Context, tc TestCase, logger *slog.Logger) Record {
	start := time.Now()
	record := Record{CaseID: tc.ID, Question: tc.Question, ReferenceSQL: tc.ReferenceSQL}
	finish := func(kind ErrorKind, err error) Record {
		record.ErrorKind = kind
		if err != nil {
			record.Error = err.Error()
		}
		record.Duration = time.Since(start)
		logger.DebugContext(ctx, "case_finished",
			slog.String("case_id", tc.ID),
			slog.String("error_kind", string(kind)),
			slog.Duration("elapsed", record.Duration),
		)
		return record
	}

	opts := CompareOptions{Ordered: tc.Ordered || tc.Expected.Ordered, Precision: e.Precision}
	var reference *query.Result
	switch {
	case tc.Expected.HasAnswer():
		if tc.Expected.Rows != nil {
			expected := tc.Expected.Result()
			record.Expected = &expected
		}
	case strings.TrimSpace(tc.ReferenceSQL) != "":
		if e.Reference == nil {
			return finish(KindReferenceFailed, errors.New("no engine configured for reference SQL"))
		}
		result, err := e.Reference.Execute(ctx, query.Request{SQL: tc.ReferenceSQL, RowLimit: e.RowLimit})
		if err != nil {
			return finish(KindReferenceFailed, fmt.Errorf("reference sql: %w", err))
		}
		reference = &result
		record.Expected = &result
	default:
		return finish(KindInvalidInput, errors.New("test case has neither an expected answer nor reference sql"))
	}

	answer, err := e.Pipeline.Ask(ctx, tc.Question)
	record.GeneratedSQL = answer.Generation.SQL
	record.RawText = answer.Generation.RawText
	record.Assumptions = answer.Generation.Assumptions
	record.Verdict = answer.Verdict
	record.Result = answer.Result
	if err != nil {
		return finish(Classify(err), err)
	}

	compareStart := time.Now()
	var matched bool
	if reference != nil {
		matched, record.Diff = Compare(*reference, *answer.Result, opts)
	} else {
		matched, record.Diff = tc.Expected.Match(*answer.Result, opts)
	}
	observability.ObserveStage(observability.StageCompare, time.Since(compareStart))
	record.Matched = matched
	if !matched {
		return finish(KindMismatch, nil)
	}
	return finish("", nil)
}

func (e *Evaluator) concurrency() int {
	if e.Concurrency < 1 {
		return 1
	}
	return e.Concurrency
}

func (e *Evaluator) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}
