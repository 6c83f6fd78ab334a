package eval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/querybench/querybench/internal/query"
)

const DefaultPrecision = 6

type CompareOptions struct {
	// Ordered keeps row order significant.
	Ordered bool
	// Precision is the number of decimal places numbers are rounded to
	// (half to even) before comparison.
	Precision int
}

type cellKind int

const (
	kindNull cellKind = iota
	kindBool
	kindNumber
	kindText
)

type cell struct {
	kind cellKind
	b    bool
	num  *big.Rat
	prec int
	text string
}

// Compare reports whether actual holds the same answer as expected. Column
// names are ignored. On mismatch the second return value describes the
// first difference found.
func Compare(expected, actual query.Result, opts CompareOptions) (bool, string) {
	if hasShape(expected) {
		if want, got := columnCount(expected), columnCount(actual); want != got {
			return false, fmt.Sprintf("column count: expected %d, got %d", want, got)
		}
	}
	if len(expected.Rows) != len(actual.Rows) {
		return false, fmt.Sprintf("row count: expected %d, got %d", len(expected.Rows), len(actual.Rows))
	}

	want := canonicalRows(expected.Rows, opts)
	got := canonicalRows(actual.Rows, opts)
	for i := range want {
		if len(want[i]) != len(got[i]) {
			return false, fmt.Sprintf("row %d: expected %d values, got %d", i+1, len(want[i]), len(got[i]))
		}
		for j := range want[i] {
			if compareCells(want[i][j], got[i][j]) != 0 {
				return false, fmt.Sprintf("row %d column %d: expected %s, got %s",
					i+1, j+1, want[i][j].display(), got[i][j].display())
			}
		}
	}
	return true, ""
}

// Checksum is the hex sha256 of the canonical form of result: values
// normalized as in Compare, rows sorted unless ordered.
func Checksum(result query.Result, precision int, ordered bool) string {
	rows := canonicalRows(result.Rows, CompareOptions{Ordered: ordered, Precision: precision})
	hash := sha256.New()
	_, _ = fmt.Fprintf(hash, "columns=%d\n", columnCount(result))
	for _, row := range rows {
		for j, c := range row {
			if j > 0 {
				_, _ = hash.Write([]byte{0x1f})
			}
			_, _ = hash.Write([]byte(c.key()))
		}
		_, _ = hash.Write([]byte{0x1e})
	}
	return hex.EncodeToString(hash.Sum(nil))
}

func hasShape(r query.Result) bool {
	return len(r.Columns) > 0 || len(r.Rows) > 0
}

func columnCount(r query.Result) int {
	if len(r.Columns) > 0 {
		return len(r.Columns)
	}
	if len(r.Rows) > 0 {
		return len(r.Rows[0])
	}
	return 0
}

func canonicalRows(rows [][]any, opts CompareOptions) [][]cell {
	out := make([][]cell, len(rows))
	for i, row := range rows {
		out[i] = make([]cell, len(row))
		for j, value := range row {
			out[i][j] = canonical(value, opts.Precision)
		}
	}
	if !opts.Ordered {
		slices.SortStableFunc(out, compareRows)
	}
	return out
}

func compareRows(a, b []cell) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareCells(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// compareCells orders null < bool < number < text.
func compareCells(a, b cell) int {
	if a.kind != b.kind {
		return int(a.kind) - int(b.kind)
	}
	switch a.kind {
	case kindBool:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		default:
			return 1
		}
	case kindNumber:
		return a.num.Cmp(b.num)
	case kindText:
		return strings.Compare(a.text, b.text)
	default:
		return 0
	}
}

func canonical(value any, precision int) cell {
	switch typed := value.(type) {
	case nil:
		return cell{kind: kindNull}
	case bool:
		return cell{kind: kindBool, b: typed}
	case int:
		return number(new(big.Rat).SetInt64(int64(typed)), precision)
	case int8:
		return number(new(big.Rat).SetInt64(int64(typed)), precision)
	case int16:
		return number(new(big.Rat).SetInt64(int64(typed)), precision)
	case int32:
		return number(new(big.Rat).SetInt64(int64(typed)), precision)
	case int64:
		return number(new(big.Rat).SetInt64(typed), precision)
	case uint:
		return number(new(big.Rat).SetUint64(uint64(typed)), precision)
	case uint8:
		return number(new(big.Rat).SetUint64(uint64(typed)), precision)
	case uint16:
		return number(new(big.Rat).SetUint64(uint64(typed)), precision)
	case uint32:
		return number(new(big.Rat).SetUint64(uint64(typed)), precision)
	case uint64:
		return number(new(big.Rat).SetUint64(typed), precision)
	case float32:
		return floatCell(float64(typed), 32, precision)
	case float64:
		return floatCell(typed, 64, precision)
	case json.Number:
		if r, ok := new(big.Rat).SetString(typed.String()); ok {
			return number(r, precision)
		}
		return cell{kind: kindText, text: typed.String()}
	case *big.Int:
		if typed == nil {
			return cell{kind: kindNull}
		}
		return number(new(big.Rat).SetInt(typed), precision)
	case *big.Rat:
		if typed == nil {
			return cell{kind: kindNull}
		}
		return number(new(big.Rat).Set(typed), precision)
	case string:
		return cell{kind: kindText, text: typed}
	case []byte:
		return cell{kind: kindText, text: string(typed)}
	case time.Time:
		return cell{kind: kindText, text: formatTime(typed)}
	case fmt.Stringer:
		return cell{kind: kindText, text: typed.String()}
	default:
		return cell{kind: kindText, text: fmt.Sprint(typed)}
	}
}

// floatCell goes through the shortest decimal form so 0.1 compares equal
// to the literal 0.1 rather than to its binary expansion.
func floatCell(f float64, bits, precision int) cell {
	text := strconv.FormatFloat(f, 'g', -1, bits)
	r, ok := new(big.Rat).SetString(text)
	if !ok {
		return cell{kind: kindText, text: text}
	}
	return number(r, precision)
}

func number(r *big.Rat, precision int) cell {
	return cell{kind: kindNumber, num: roundHalfEven(r, precision), prec: precision}
}

func roundHalfEven(r *big.Rat, precision int) *big.Rat {
	if precision < 0 {
		precision = 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(precision)), nil)
	scaled := new(big.Int).Mul(r.Num(), scale)
	quo, rem := new(big.Int).QuoRem(scaled, r.Denom(), new(big.Int))

	twice := new(big.Int).Mul(new(big.Int).Abs(rem), big.NewInt(2))
	switch twice.Cmp(r.Denom()) {
	case 1:
		quo.Add(quo, big.NewInt(int64(r.Sign())))
	case 0:
		if quo.Bit(0) == 1 {
			quo.Add(quo, big.NewInt(int64(r.Sign())))
		}
	}
	return new(big.Rat).SetFrac(quo, scale)
}

// formatTime renders midnight UTC values as dates, everything else as a
// UTC timestamp without the zone marker.
func formatTime(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(time.DateOnly)
	}
	return t.Format("2006-01-02 15:04:05.999999999")
}

func (c cell) key() string {
	switch c.kind {
	case kindNull:
		return "z:"
	case kindBool:
		return "b:" + strconv.FormatBool(c.b)
	case kindNumber:
		return "n:" + c.num.RatString()
	default:
		return "t:" + c.text
	}
}

func (c cell) display() string {
	switch c.kind {
	case kindNull:
		return "NULL"
	case kindBool:
		return strconv.FormatBool(c.b)
	case kindNumber:
		if c.num.IsInt() {
			return c.num.RatString()
		}
		return strings.TrimRight(c.num.FloatString(c.prec), "0")
	default:
		return strconv.Quote(c.text)
	}
}
