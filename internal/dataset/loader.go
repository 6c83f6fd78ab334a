// Package dataset materializes parquet exports into a DuckDB database file
// so questions can be evaluated against a frozen copy of the data.
package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/parquet-go/parquet-go"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/querybench/querybench/internal/storage"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Source is one table built from one or more parquet files, given as
// local paths or s3:// URIs.
type Source struct {
	Table string
	URIs  []string
}

// ParseSource reads "table=uri[,uri...]".
func ParseSource(spec string) (Source, error) {
	name, list, ok := strings.Cut(spec, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return Source{}, fmt.Errorf("invalid dataset source %q: expected table=uri[,uri...]", spec)
	}
	if !tableNamePattern.MatchString(name) {
		return Source{}, fmt.Errorf("invalid table name %q", name)
	}
	source := Source{Table: name}
	for _, uri := range strings.Split(list, ",") {
		if uri = strings.TrimSpace(uri); uri != "" {
			source.URIs = append(source.URIs, uri)
		}
	}
	if len(source.URIs) == 0 {
		return Source{}, fmt.Errorf("dataset source %q has no files", spec)
	}
	return source, nil
}

type TableSummary struct {
	Table string
	Files int
	Rows  int64
}

// Loader downloads remote files through Remote and creates one table per
// source. Existing tables of the same name are replaced.
type Loader struct {
	Remote storage.Opener
	Logger *slog.Logger
}

func (l *Loader) Load(ctx context.Context, dbPath string, sources []Source) ([]TableSummary, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("duckdb database path is required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no dataset sources given")
	}

	workDir, err := os.MkdirTemp("", "querybench-dataset-")
	if err != nil {
		return nil, fmt.Errorf("create dataset temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	summaries := make([]TableSummary, 0, len(sources))
	for index, source := range sources {
		summary, err := l.loadTable(ctx, db, workDir, index, source)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, summary)
		l.logger().InfoContext(ctx, "dataset_table_loaded",
			slog.String("table", summary.Table),
			slog.Int("files", summary.Files),
			slog.Int64("rows", summary.Rows),
		)
	}
	return summaries, nil
}

func (l *Loader) loadTable(ctx context.Context, db *sql.DB, workDir string, index int, source Source) (TableSummary, error) {
	if !tableNamePattern.MatchString(source.Table) {
		return TableSummary{}, fmt.Errorf("invalid table name %q", source.Table)
	}
	summary := TableSummary{Table: source.Table}

	localPaths := make([]string, 0, len(source.URIs))
	var footerRows int64
	for fileIndex, uri := range source.URIs {
		localPath, err := l.localCopy(ctx, workDir, fmt.Sprintf("%d_%s_%d.parquet", index, source.Table, fileIndex), uri)
		if err != nil {
			return summary, err
		}
		rows, err := parquetRowCount(localPath)
		if err != nil {
			return summary, fmt.Errorf("read parquet footer of %s: %w", uri, err)
		}
		footerRows += rows
		localPaths = append(localPaths, localPath)
	}

	createSQL := fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(source.Table), quoteStringArray(localPaths))
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return summary, fmt.Errorf("create table %q: %w", source.Table, err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdent(source.Table)).Scan(&summary.Rows); err != nil {
		return summary, fmt.Errorf("count table %q: %w", source.Table, err)
	}
	if summary.Rows != footerRows {
		return summary, fmt.Errorf("table %q loaded %d rows, parquet footers report %d", source.Table, summary.Rows, footerRows)
	}
	summary.Files = len(localPaths)
	return summary, nil
}

// localCopy returns a local path for uri, downloading s3 objects into
// workDir.
func (l *Loader) localCopy(ctx context.Context, workDir, name, uri string) (string, error) {
	if _, _, ok, err := storage.ParseObjectURI(uri); err != nil {
		return "", err
	} else if !ok {
		return filepath.Abs(uri)
	}

	reader, err := storage.OpenURI(ctx, uri, l.Remote)
	if err != nil {
		return "", err
	}
	localPath := filepath.Join(workDir, name)
	if err := writeFile(localPath, reader); err != nil {
		_ = reader.Close()
		return "", fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	if err := reader.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", uri, err)
	}
	return localPath, nil
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.Logger
}

func parquetRowCount(path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return 0, err
	}
	return pf.NumRows(), nil
}

func writeFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, reader); err != nil {
		return err
	}
	return nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
