// Package query defines the read-only statement executor contract.
package query

import (
	"context"
	"errors"
	"time"
)

var (
	ErrExecution = errors.New("query execution failed")
	ErrTimeout   = errors.New("query timed out")
)

type Request struct {
	SQL      string
	RowLimit int
}

// Result is a normalized row set. Rows keep the database's own order.
type Result struct {
	Columns   []string      `json:"columns"`
	Rows      [][]any       `json:"rows"`
	RowCount  int           `json:"row_count"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
