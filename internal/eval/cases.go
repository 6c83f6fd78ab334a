package eval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/querybench/querybench/internal/query"
)

// Format names a test set encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// TestCase is one question with either a literal expected answer or a
// reference statement to execute at evaluation time.
type TestCase struct {
	ID           string   `json:"id" yaml:"id"`
	Question     string   `json:"question" yaml:"question"`
	ReferenceSQL string   `json:"reference_sql,omitempty" yaml:"reference_sql,omitempty"`
	Ordered      bool     `json:"ordered,omitempty" yaml:"ordered,omitempty"`
	Expected     Expected `json:"expected,omitempty" yaml:"expected,omitempty"`
}

// UnmarshalJSON accepts numeric ids, which is how the JSONL test sets
// number their cases.
func (tc *TestCase) UnmarshalJSON(data []byte) error {
	type plain TestCase
	var aux struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*tc = TestCase(aux.plain)
	id, err := decodeID(aux.ID)
	if err != nil {
		return err
	}
	tc.ID = id
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", err
		}
		return strings.TrimSpace(id), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("id must be a string or number: %w", err)
	}
	return n.String(), nil
}

// Expected is a literal answer. Exactly one of Rows, Checksum or the
// shape fields is normally set; Rows wins over Checksum, which wins over
// the shape.
type Expected struct {
	Columns     []string
	Rows        [][]any
	Ordered     bool
	Checksum    string
	RowCount    *int
	ColumnCount *int
}

type expectedObject struct {
	Columns     []string `json:"columns" yaml:"columns"`
	Rows        [][]any  `json:"rows" yaml:"rows"`
	Ordered     bool     `json:"ordered" yaml:"ordered"`
	Checksum    string   `json:"checksum" yaml:"checksum"`
	RowCount    *int     `json:"row_count" yaml:"row_count"`
	ColumnCount *int     `json:"column_count" yaml:"column_count"`
}

// HasAnswer reports whether any descriptor is present.
func (e Expected) HasAnswer() bool {
	return e.Rows != nil || e.Checksum != "" || e.RowCount != nil || e.ColumnCount != nil
}

// Result renders literal rows as a result set for comparison and reports.
func (e Expected) Result() query.Result {
	return query.Result{Columns: e.Columns, Rows: e.Rows, RowCount: len(e.Rows)}
}

// Match compares actual against whichever descriptor is present.
func (e Expected) Match(actual query.Result, opts CompareOptions) (bool, string) {
	opts.Ordered = opts.Ordered || e.Ordered
	switch {
	case e.Rows != nil:
		return Compare(e.Result(), actual, opts)
	case e.Checksum != "":
		want := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e.Checksum)), "sha256:")
		got := Checksum(actual, opts.Precision, opts.Ordered)
		if got != want {
			return false, fmt.Sprintf("checksum: expected %s, got %s", want, got)
		}
		return true, ""
	default:
		var diffs []string
		if e.ColumnCount != nil && *e.ColumnCount != columnCount(actual) {
			diffs = append(diffs, fmt.Sprintf("column count: expected %d, got %d", *e.ColumnCount, columnCount(actual)))
		}
		if e.RowCount != nil && *e.RowCount != len(actual.Rows) {
			diffs = append(diffs, fmt.Sprintf("row count: expected %d, got %d", *e.RowCount, len(actual.Rows)))
		}
		if len(diffs) > 0 {
			return false, strings.Join(diffs, "; ")
		}
		return e.HasAnswer(), ""
	}
}

func (e Expected) MarshalJSON() ([]byte, error) {
	if !e.HasAnswer() && len(e.Columns) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(expectedObject(e))
}

// UnmarshalJSON accepts a scalar (one 1x1 answer), a list of rows (or of
// scalars, one per row) or an object with explicit fields.
func (e *Expected) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	return e.fromGeneric(raw)
}

func (e *Expected) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return e.fromGeneric(raw)
}

func (e *Expected) fromGeneric(raw any) error {
	*e = Expected{}
	switch typed := raw.(type) {
	case nil:
		return nil
	case []any:
		e.Rows = rowsFromList(typed)
		return nil
	case map[string]any:
		return e.fromObject(typed)
	default:
		e.Rows = [][]any{{normalizeLiteral(typed)}}
		return nil
	}
}

func (e *Expected) fromObject(fields map[string]any) error {
	for key := range fields {
		switch key {
		case "columns", "rows", "ordered", "checksum", "row_count", "column_count":
		default:
			return fmt.Errorf("unknown expected field %q", key)
		}
	}
	if raw, ok := fields["columns"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("expected.columns must be a list")
		}
		for _, column := range list {
			e.Columns = append(e.Columns, fmt.Sprint(column))
		}
	}
	if raw, ok := fields["rows"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("expected.rows must be a list")
		}
		e.Rows = rowsFromList(list)
	}
	if raw, ok := fields["ordered"]; ok {
		ordered, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("expected.ordered must be a boolean")
		}
		e.Ordered = ordered
	}
	if raw, ok := fields["checksum"]; ok {
		checksum, ok := raw.(string)
		if !ok {
			return fmt.Errorf("expected.checksum must be a string")
		}
		e.Checksum = checksum
	}
	var err error
	if e.RowCount, err = countField(fields, "row_count"); err != nil {
		return err
	}
	if e.ColumnCount, err = countField(fields, "column_count"); err != nil {
		return err
	}
	return nil
}

func countField(fields map[string]any, key string) (*int, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var text string
	switch typed := raw.(type) {
	case json.Number:
		text = typed.String()
	case int:
		return &typed, nil
	default:
		text = fmt.Sprint(typed)
	}
	n, err := strconv.Atoi(text)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("expected.%s must be a non-negative integer", key)
	}
	return &n, nil
}

func rowsFromList(list []any) [][]any {
	rows := make([][]any, 0, len(list))
	for _, item := range list {
		if cells, ok := item.([]any); ok {
			row := make([]any, len(cells))
			for i, cell := range cells {
				row[i] = normalizeLiteral(cell)
			}
			rows = append(rows, row)
			continue
		}
		rows = append(rows, []any{normalizeLiteral(item)})
	}
	return rows
}

// normalizeLiteral maps YAML and JSON scalars onto the value kinds the
// executor produces.
func normalizeLiteral(value any) any {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case uint64:
		return json.Number(strconv.FormatUint(typed, 10))
	default:
		return typed
	}
}

// LoadCases reads a test set, choosing the format from the file extension.
func LoadCases(path string) ([]TestCase, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open test set: %w", err)
	}
	defer func() { _ = file.Close() }()
	cases, err := ReadCases(file, format)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return cases, nil
}

func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported test set extension %q (want .jsonl, .json or .yaml)", filepath.Ext(path))
	}
}

// ReadCases decodes a test set. Cases without an id are numbered from 1
// by position; duplicate ids are rejected.
func ReadCases(r io.Reader, format Format) ([]TestCase, error) {
	var (
		cases []TestCase
		err   error
	)
	switch format {
	case FormatJSONL:
		cases, err = readJSONL(r)
	case FormatJSON:
		cases, err = readJSON(r)
	case FormatYAML:
		cases, err = readYAML(r)
	default:
		return nil, fmt.Errorf("unsupported test set format %q", format)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(cases))
	for i := range cases {
		if cases[i].ID == "" {
			cases[i].ID = strconv.Itoa(i + 1)
		}
		if _, ok := seen[cases[i].ID]; ok {
			return nil, fmt.Errorf("duplicate test case id %q", cases[i].ID)
		}
		seen[cases[i].ID] = struct{}{}
	}
	return cases, nil
}

func readJSONL(r io.Reader) ([]TestCase, error) {
	dec := json.NewDecoder(r)
	var cases []TestCase
	for {
		var tc TestCase
		err := dec.Decode(&tc)
		if errors.Is(err, io.EOF) {
			return cases, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode case %d: %w", len(cases)+1, err)
		}
		cases = append(cases, tc)
	}
}

func readJSON(r io.Reader) ([]TestCase, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Cases []TestCase `json:"cases"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decode test set: %w", err)
		}
		return wrapped.Cases, nil
	}
	var cases []TestCase
	if err := json.Unmarshal(raw, &cases); err != nil {
		return nil, fmt.Errorf("decode test set: %w", err)
	}
	return cases, nil
}

func readYAML(r io.Reader) ([]TestCase, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode test set: %w", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	var cases []TestCase
	if root.Kind == yaml.MappingNode {
		var wrapped struct {
			Cases []TestCase `yaml:"cases"`
		}
		if err := root.Decode(&wrapped); err != nil {
			return nil, fmt.Errorf("decode test set: %w", err)
		}
		return wrapped.Cases, nil
	}
	if err := root.Decode(&cases); err != nil {
		return nil, fmt.Errorf("decode test set: %w", err)
	}
	return cases, nil
}
