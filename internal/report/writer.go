// Package report persists evaluation runs and renders them for the
// terminal.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/querybench/querybench/internal/eval"
	"github.com/querybench/querybench/internal/storage"
)

// Artifact names written for every run.
const (
	SummaryFile = "summary.json"
	RecordsFile = "records.jsonl"
	ParquetFile = "records.parquet"
)

type runSummary struct {
	RunID         string       `json:"run_id"`
	StartedAt     string       `json:"started_at"`
	FinishedAt    string       `json:"finished_at"`
	Summary       eval.Summary `json:"summary"`
	ExecutionRate float64      `json:"execution_rate"`
}

// Writer stores the artifacts of a run in one or more object stores, for
// example a local directory and a bucket.
type Writer struct {
	Stores []storage.ObjectStore
	Logger *slog.Logger
}

func NewWriter(logger *slog.Logger, stores ...storage.ObjectStore) *Writer {
	return &Writer{Stores: stores, Logger: logger}
}

// Write encodes the report once and puts every artifact into every store.
// It returns the keys written to the first store.
func (w *Writer) Write(ctx context.Context, rep eval.Report) ([]string, error) {
	artifacts, err := encode(rep)
	if err != nil {
		return nil, err
	}

	var keys []string
	for i, store := range w.Stores {
		for _, artifact := range artifacts {
			key, err := storage.RunArtifactKey(rep.RunID, rep.StartedAt, artifact.name)
			if err != nil {
				return keys, err
			}
			info, err := store.Put(ctx, key, bytes.NewReader(artifact.data), int64(len(artifact.data)), storage.PutOptions{ContentType: artifact.contentType})
			if err != nil {
				return keys, fmt.Errorf("write %s: %w", artifact.name, err)
			}
			if i == 0 {
				keys = append(keys, key)
			}
			if w.Logger != nil {
				w.Logger.DebugContext(ctx, "report_artifact_written",
					slog.String("run_id", rep.RunID),
					slog.String("key", key),
					slog.Int64("bytes", info.Size),
				)
			}
		}
	}
	return keys, nil
}

type artifact struct {
	name        string
	contentType string
	data        []byte
}

func encode(rep eval.Report) ([]artifact, error) {
	summary, err := json.MarshalIndent(runSummary{
		RunID:         rep.RunID,
		StartedAt:     rep.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		FinishedAt:    rep.FinishedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Summary:       rep.Summary,
		ExecutionRate: rep.Summary.ExecutionRate(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}

	var records bytes.Buffer
	enc := json.NewEncoder(&records)
	for _, record := range rep.Records {
		if err := enc.Encode(record); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", record.CaseID, err)
		}
	}

	columnar, err := EncodeRecords(rep.RunID, rep.Records)
	if err != nil {
		return nil, err
	}

	return []artifact{
		{name: SummaryFile, contentType: "application/json", data: append(summary, '\n')},
		{name: RecordsFile, contentType: "application/x-ndjson", data: records.Bytes()},
		{name: ParquetFile, contentType: "application/vnd.apache.parquet", data: columnar},
	}, nil
}
