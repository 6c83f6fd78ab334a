// Package sqldb executes statements against a database/sql handle under
// a read-only contract.
package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/querybench/querybench/internal/database"
	"github.com/querybench/querybench/internal/guard"
	"github.com/querybench/querybench/internal/query"
)

// Engine runs each statement on its own connection inside a transaction
// that is always rolled back. The dialect supplies the read-only switch
// (transaction option, session pragma or read-only DSN) and the
// server-side timeout.
type Engine struct {
	DB      *sql.DB
	Dialect database.Dialect
	Timeout time.Duration
}

func NewEngine(db *sql.DB, dialect database.Dialect, timeout time.Duration) *Engine {
	return &Engine{DB: db, Dialect: dialect, Timeout: timeout}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := guard.TrimStatement(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("%w: sql is required", query.ErrExecution)
	}
	if e.DB == nil {
		return query.Result{}, fmt.Errorf("%w: database handle is not configured", query.ErrExecution)
	}

	start := time.Now()
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	conn, err := e.DB.Conn(ctx)
	if err != nil {
		return query.Result{}, e.classify(ctx, fmt.Errorf("acquire connection: %w", err))
	}
	defer func() { _ = conn.Close() }()

	setup, reset := e.sessionStatements()
	defer resetSession(conn, reset)
	for _, stmt := range setup {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return query.Result{}, e.classify(ctx, fmt.Errorf("prepare session: %w", err))
		}
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: e.Dialect.ReadOnlyTx})
	if err != nil {
		return query.Result{}, e.classify(ctx, fmt.Errorf("begin read-only transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if e.Timeout > 0 && e.Dialect.TimeoutStatement != nil {
		if _, err := tx.ExecContext(ctx, e.Dialect.TimeoutStatement(e.Timeout)); err != nil {
			return query.Result{}, e.classify(ctx, fmt.Errorf("set statement timeout: %w", err))
		}
	}

	limit := request.RowLimit
	statement := sqlText
	if limit > 0 && e.Dialect.WrapLimit && wrappable(sqlText) {
		statement = fmt.Sprintf("SELECT * FROM (\n%s\n) AS q LIMIT %d", sqlText, limit+1)
	}

	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		return query.Result{}, e.classify(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, e.classify(ctx, fmt.Errorf("query columns: %w", err))
	}
	numeric := numericColumns(rows, len(columns))

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if limit > 0 && len(resultRows) == limit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, e.classify(ctx, fmt.Errorf("scan row: %w", err))
		}
		resultRows = append(resultRows, e.normalizeValues(values, numeric))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, e.classify(ctx, fmt.Errorf("iterate rows: %w", err))
	}

	return query.Result{
		Columns:   columns,
		Rows:      resultRows,
		RowCount:  len(resultRows),
		Truncated: truncated,
		Duration:  time.Since(start),
	}, nil
}

// sessionStatements pairs the dialect's session switches with the
// session-scoped timeout, if the dialect has one.
func (e *Engine) sessionStatements() (setup, reset []string) {
	setup = slices.Clone(e.Dialect.SessionSetup)
	reset = slices.Clone(e.Dialect.SessionReset)
	if e.Timeout > 0 && e.Dialect.SessionTimeout != nil {
		set, undo := e.Dialect.SessionTimeout(e.Timeout)
		setup = append(setup, set)
		reset = append(reset, undo)
	}
	return setup, reset
}

// resetSession undoes the session setup. A connection that cannot be reset
// is discarded instead of going back to the pool.
func resetSession(conn *sql.Conn, statements []string) {
	for _, stmt := range statements {
		if _, err := conn.ExecContext(context.Background(), stmt); err != nil {
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			return
		}
	}
}

func (e *Engine) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(e.Dialect.IsTimeout != nil && e.Dialect.IsTimeout(err)) {
		return fmt.Errorf("%w: %w", query.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", query.ErrExecution, err)
}

func (e *Engine) normalizeValues(values []any, numeric []bool) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		normalized[i] = e.normalizeValue(value, numeric[i])
	}
	return normalized
}

func (e *Engine) normalizeValue(value any, numeric bool) any {
	if e.Dialect.NormalizeValue != nil {
		if v, ok := e.Dialect.NormalizeValue(value); ok {
			return v
		}
	}
	switch typed := value.(type) {
	case []byte:
		text := string(typed)
		if numeric && numberPattern.MatchString(text) {
			return json.Number(text)
		}
		return text
	case string:
		if numeric && numberPattern.MatchString(typed) {
			return json.Number(typed)
		}
		return typed
	default:
		return typed
	}
}

var (
	numberPattern  = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
	leadingPattern = regexp.MustCompile(`^\(*\s*(?i:select|with)\b`)
)

// wrappable reports whether the statement can be used as a derived table.
// EXPLAIN output is capped by the scan loop instead.
func wrappable(sqlText string) bool {
	return leadingPattern.MatchString(skipLeadingComments(sqlText))
}

func skipLeadingComments(sqlText string) string {
	for {
		sqlText = strings.TrimSpace(sqlText)
		switch {
		case strings.HasPrefix(sqlText, "--"):
			end := strings.IndexByte(sqlText, '\n')
			if end < 0 {
				return ""
			}
			sqlText = sqlText[end+1:]
		case strings.HasPrefix(sqlText, "/*"):
			end := strings.Index(sqlText, "*/")
			if end < 0 {
				return ""
			}
			sqlText = sqlText[end+2:]
		default:
			return sqlText
		}
	}
}

func numericColumns(rows *sql.Rows, n int) []bool {
	numeric := make([]bool, n)
	types, err := rows.ColumnTypes()
	if err != nil || len(types) != n {
		return numeric
	}
	for i, columnType := range types {
		numeric[i] = isNumericType(columnType.DatabaseTypeName())
	}
	return numeric
}

func isNumericType(name string) bool {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" || strings.Contains(name, "INTERVAL") || strings.Contains(name, "POINT") {
		return false
	}
	for _, marker := range []string{"INT", "NUMERIC", "DECIMAL", "FLOAT", "DOUBLE", "REAL", "NUMBER"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
