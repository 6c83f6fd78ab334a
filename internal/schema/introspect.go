package schema

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/querybench/querybench/internal/database"
)

// Introspector reads column metadata from the live database. It only
// issues read-only metadata queries.
type Introspector struct {
	DB      *sql.DB
	Dialect database.Dialect
	Schema  string
	// Exclude names bookkeeping tables left out of the description.
	Exclude []string
}

func NewIntrospector(db *sql.DB, dialect database.Dialect, schemaName string) *Introspector {
	return &Introspector{DB: db, Dialect: dialect, Schema: schemaName}
}

func (i *Introspector) Describe(ctx context.Context) (Description, error) {
	if i.DB == nil {
		return Description{}, fmt.Errorf("%w: database handle is not configured", ErrConnectivity)
	}
	if i.Dialect.ColumnsQuery == nil {
		return Description{}, fmt.Errorf("%w: dialect %q has no metadata query", ErrIntrospection, i.Dialect.Name)
	}
	if err := i.DB.PingContext(ctx); err != nil {
		return Description{}, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}

	schemaName := strings.TrimSpace(i.Schema)
	if schemaName == "" {
		schemaName = i.Dialect.DefaultSchema
	}
	query, args := i.Dialect.ColumnsQuery(schemaName)
	rows, err := i.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return Description{}, fmt.Errorf("%w: query columns: %v", ErrIntrospection, err)
	}
	defer func() { _ = rows.Close() }()

	var desc Description
	positions := map[string]int{}
	for rows.Next() {
		var tableName, columnName string
		var dataType, nullable sql.NullString
		if err := rows.Scan(&tableName, &columnName, &dataType, &nullable); err != nil {
			return Description{}, fmt.Errorf("%w: scan column row: %v", ErrIntrospection, err)
		}
		if tableName == "" || columnName == "" {
			return Description{}, fmt.Errorf("%w: empty table or column name", ErrIntrospection)
		}
		if slices.Contains(i.Exclude, tableName) {
			continue
		}

		pos, ok := positions[tableName]
		if !ok {
			pos = len(desc.Tables)
			positions[tableName] = pos
			desc.Tables = append(desc.Tables, Table{Name: tableName})
		}
		desc.Tables[pos].Columns = append(desc.Tables[pos].Columns, Column{
			Name:     columnName,
			Type:     strings.TrimSpace(dataType.String),
			Nullable: !strings.EqualFold(strings.TrimSpace(nullable.String), "NO"),
		})
	}
	if err := rows.Err(); err != nil {
		return Description{}, fmt.Errorf("%w: iterate column rows: %v", ErrIntrospection, err)
	}
	return desc, nil
}
