// Package fixtures loads the sample shop database used by the default
// schema description and the bundled question sets.
package fixtures

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/querybench/querybench/internal/database"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

// VersionTable records applied fixture versions.
const VersionTable = "querybench_fixture_versions"

var scriptNamePattern = regexp.MustCompile(`^([0-9]+)_.+\.(up|down)\.sql$`)

// Runner applies versioned fixture scripts. Scripts are split into single
// statements so drivers without multi-statement support can run them.
type Runner struct {
	fsys    fs.FS
	dialect database.Dialect
}

func NewRunner(dialect database.Dialect) *Runner {
	return &Runner{fsys: embeddedFS, dialect: dialect}
}

type script struct {
	Version int64
	UpSQL   string
	DownSQL string
}

// Up applies pending scripts in version order. steps <= 0 applies all.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	scripts, err := loadScripts(r.fsys)
	if err != nil {
		return 0, err
	}
	if err := ensureVersionTable(ctx, db); err != nil {
		return 0, err
	}
	applied, err := r.appliedVersions(ctx, db, "ASC")
	if err != nil {
		return 0, err
	}

	appliedSet := make(map[int64]struct{}, len(applied))
	for _, version := range applied {
		appliedSet[version] = struct{}{}
	}

	runCount := 0
	for _, item := range scripts {
		if _, ok := appliedSet[item.Version]; ok {
			continue
		}
		if steps > 0 && runCount >= steps {
			break
		}
		mark := `INSERT INTO ` + VersionTable + ` (version) VALUES (` + r.placeholder() + `)`
		if err := r.run(ctx, db, item.UpSQL, mark, item.Version); err != nil {
			return runCount, fmt.Errorf("apply fixture %d: %w", item.Version, err)
		}
		runCount++
	}
	return runCount, nil
}

// Down reverts the most recently applied scripts. steps <= 0 reverts one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}

	scripts, err := loadScripts(r.fsys)
	if err != nil {
		return 0, err
	}
	if err := ensureVersionTable(ctx, db); err != nil {
		return 0, err
	}
	applied, err := r.appliedVersions(ctx, db, "DESC")
	if err != nil {
		return 0, err
	}

	lookup := make(map[int64]script, len(scripts))
	for _, item := range scripts {
		lookup[item.Version] = item
	}

	runCount := 0
	for _, version := range applied {
		if runCount >= steps {
			break
		}
		item, ok := lookup[version]
		if !ok {
			return runCount, fmt.Errorf("applied fixture %d is missing from source", version)
		}
		unmark := `DELETE FROM ` + VersionTable + ` WHERE version = ` + r.placeholder()
		if err := r.run(ctx, db, item.DownSQL, unmark, item.Version); err != nil {
			return runCount, fmt.Errorf("revert fixture %d: %w", item.Version, err)
		}
		runCount++
	}
	return runCount, nil
}

// Applied lists applied fixture versions in ascending order.
func (r *Runner) Applied(ctx context.Context, db *sql.DB) ([]int64, error) {
	if err := ensureVersionTable(ctx, db); err != nil {
		return nil, err
	}
	return r.appliedVersions(ctx, db, "ASC")
}

func (r *Runner) placeholder() string {
	if r.dialect.Name == "postgres" {
		return "$1"
	}
	return "?"
}

func (r *Runner) run(ctx context.Context, db *sql.DB, body, bookkeeping string, version int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, statement := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func ensureVersionTable(ctx context.Context, db *sql.DB) error {
	query := `
CREATE TABLE IF NOT EXISTS ` + VersionTable + ` (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure fixture version table: %w", err)
	}
	return nil
}

func (r *Runner) appliedVersions(ctx context.Context, db *sql.DB, direction string) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM `+VersionTable+` ORDER BY version `+direction)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return versions, nil
}

// splitStatements cuts a script at semicolons that end a line. Fixture
// scripts never put a line-ending semicolon inside a literal.
func splitStatements(body string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			statement := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
			statements = append(statements, statement)
			current.Reset()
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		statements = append(statements, rest)
	}
	return statements
}

func loadScripts(fsys fs.FS) ([]script, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read fixture dir: %w", err)
	}

	items := map[int64]script{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := path.Base(entry.Name())
		matches := scriptNamePattern.FindStringSubmatch(base)
		if len(matches) != 3 {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse fixture version for %q: %w", base, err)
		}

		body, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read fixture %q: %w", entry.Name(), err)
		}

		item := items[version]
		item.Version = version
		switch matches[2] {
		case "up":
			item.UpSQL = string(body)
		case "down":
			item.DownSQL = string(body)
		}
		items[version] = item
	}

	versions := make([]int64, 0, len(items))
	for version := range items {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	scripts := make([]script, 0, len(versions))
	for _, version := range versions {
		item := items[version]
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("fixture %d missing up SQL", version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("fixture %d missing down SQL", version)
		}
		scripts = append(scripts, item)
	}
	return scripts, nil
}
