package report

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/querybench/querybench/internal/eval"
)

type parquetRecord struct {
	RunID        string `parquet:"run_id"`
	CaseID       string `parquet:"case_id"`
	Question     string `parquet:"question"`
	GeneratedSQL string `parquet:"generated_sql"`
	ReferenceSQL string `parquet:"reference_sql"`
	Decision     string `parquet:"decision"`
	Rule         string `parquet:"rule"`
	Executed     bool   `parquet:"executed"`
	RowCount     int64  `parquet:"row_count"`
	Truncated    bool   `parquet:"truncated"`
	Matched      bool   `parquet:"matched"`
	ErrorKind    string `parquet:"error_kind"`
	Error        string `parquet:"error"`
	Diff         string `parquet:"diff"`
	DurationMs   int64  `parquet:"duration_ms"`
}

// EncodeRecords flattens the records of one run into a parquet file with
// one row per case. Result rows are not included.
func EncodeRecords(runID string, records []eval.Record) ([]byte, error) {
	rows := make([]parquetRecord, 0, len(records))
	for _, record := range records {
		row := parquetRecord{
			RunID:        runID,
			CaseID:       record.CaseID,
			Question:     record.Question,
			GeneratedSQL: record.GeneratedSQL,
			ReferenceSQL: record.ReferenceSQL,
			Decision:     string(record.Verdict.Decision),
			Rule:         record.Verdict.Rule,
			Matched:      record.Matched,
			ErrorKind:    string(record.ErrorKind),
			Error:        record.Error,
			Diff:         record.Diff,
			DurationMs:   record.Duration.Milliseconds(),
		}
		if record.Result != nil {
			row.Executed = true
			row.RowCount = int64(record.Result.RowCount)
			row.Truncated = record.Result.Truncated
		}
		rows = append(rows, row)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRecord](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
