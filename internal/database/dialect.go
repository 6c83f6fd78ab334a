package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	duckdb "github.com/marcboeker/go-duckdb/v2"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect captures the engine-specific pieces of introspection and
// read-only execution. Zero-valued hooks mean "not needed".
type Dialect struct {
	Name          string
	DriverName    string
	DefaultSchema string

	// ColumnsQuery returns a query yielding table_name, column_name,
	// data_type and is_nullable ('YES'/'NO') ordered by table then
	// ordinal position.
	ColumnsQuery func(schema string) (string, []any)

	// ReadOnlyTx reports whether the driver honours sql.TxOptions.ReadOnly.
	ReadOnlyTx bool
	// WrapLimit reports whether a row cap can be pushed into the statement
	// as an outer SELECT ... LIMIT. MySQL rejects derived tables with
	// duplicate column names, so it relies on the scan loop instead.
	WrapLimit bool
	// ReadOnlyDSN rewrites the DSN so the whole handle is opened read-only.
	ReadOnlyDSN func(dsn string) (string, error)
	// SessionSetup runs on the dedicated connection before the transaction
	// starts; SessionReset runs before the connection is handed back.
	SessionSetup []string
	SessionReset []string
	// TimeoutStatement returns a statement that bounds execution time
	// inside the transaction.
	TimeoutStatement func(timeout time.Duration) string
	// SessionTimeout is used instead when the engine only has a session
	// scoped limit. It returns the statement that sets it and the one that
	// restores the server default.
	SessionTimeout func(timeout time.Duration) (set, reset string)
	// IsTimeout recognises server-side statement cancellation.
	IsTimeout func(err error) bool
	// NormalizeValue converts driver-specific scalar types. The bool result
	// reports whether the value was handled.
	NormalizeValue func(value any) (any, bool)
}

func Lookup(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx":
		return Postgres(), nil
	case "mysql":
		return MySQL(), nil
	case "sqlite", "sqlite3":
		return SQLite(), nil
	case "duckdb":
		return DuckDB(), nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
	}
}

func Postgres() Dialect {
	return Dialect{
		Name:          "postgres",
		DriverName:    "pgx",
		DefaultSchema: "public",
		ColumnsQuery: func(schema string) (string, []any) {
			return `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`, []any{schema}
		},
		ReadOnlyTx: true,
		WrapLimit:  true,
		TimeoutStatement: func(timeout time.Duration) string {
			return fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())
		},
		IsTimeout: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && pgErr.Code == "57014"
		},
	}
}

func MySQL() Dialect {
	return Dialect{
		Name:       "mysql",
		DriverName: "mysql",
		ColumnsQuery: func(schema string) (string, []any) {
			return `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE())
ORDER BY table_name, ordinal_position`, []any{schema}
		},
		ReadOnlyTx: true,
		SessionTimeout: func(timeout time.Duration) (string, string) {
			return fmt.Sprintf("SET SESSION MAX_EXECUTION_TIME = %d", timeout.Milliseconds()),
				"SET SESSION MAX_EXECUTION_TIME = DEFAULT"
		},
		IsTimeout: func(err error) bool {
			var myErr *mysql.MySQLError
			return errors.As(err, &myErr) && myErr.Number == 3024
		},
	}
}

func SQLite() Dialect {
	return Dialect{
		Name:          "sqlite",
		DriverName:    "sqlite",
		DefaultSchema: "main",
		ColumnsQuery: func(string) (string, []any) {
			return `
SELECT m.name, p.name, p.type, CASE WHEN p."notnull" = 0 THEN 'YES' ELSE 'NO' END
FROM sqlite_master AS m
JOIN pragma_table_info(m.name) AS p
WHERE m.type IN ('table', 'view') AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, p.cid`, nil
		},
		WrapLimit:    true,
		SessionSetup: []string{"PRAGMA query_only = ON"},
		SessionReset: []string{"PRAGMA query_only = OFF"},
	}
}

func DuckDB() Dialect {
	return Dialect{
		Name:          "duckdb",
		DriverName:    "duckdb",
		DefaultSchema: "main",
		ColumnsQuery: func(schema string) (string, []any) {
			return `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = ?
ORDER BY table_name, ordinal_position`, []any{schema}
		},
		WrapLimit:      true,
		ReadOnlyDSN:    duckDBReadOnlyDSN,
		NormalizeValue: normalizeDuckDBValue,
	}
}

// duckDBReadOnlyDSN appends access_mode=READ_ONLY. In-memory databases
// cannot be opened read-only and are returned as is; an explicit
// read-write access mode is an error.
func duckDBReadOnlyDSN(dsn string) (string, error) {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	switch {
	case trimmed == "" || strings.HasPrefix(lower, ":memory:"):
		return trimmed, nil
	case strings.Contains(lower, "access_mode=read_only"):
		return trimmed, nil
	case strings.Contains(lower, "access_mode="):
		return "", fmt.Errorf("duckdb dsn %q: access_mode must be READ_ONLY for evaluation", trimmed)
	case strings.Contains(trimmed, "?"):
		return trimmed + "&access_mode=READ_ONLY", nil
	default:
		return trimmed + "?access_mode=READ_ONLY", nil
	}
}

func normalizeDuckDBValue(value any) (any, bool) {
	switch typed := value.(type) {
	case duckdb.Decimal:
		return decimalNumber(typed), true
	case *duckdb.Decimal:
		if typed == nil {
			return nil, true
		}
		return decimalNumber(*typed), true
	case *big.Int:
		if typed == nil {
			return nil, true
		}
		return json.Number(typed.String()), true
	default:
		return nil, false
	}
}

func decimalNumber(d duckdb.Decimal) json.Number {
	if d.Value == nil {
		return json.Number("0")
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.Scale)), nil)
	return json.Number(new(big.Rat).SetFrac(d.Value, scale).FloatString(int(d.Scale)))
}
