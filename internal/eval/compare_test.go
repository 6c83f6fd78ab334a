package eval

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/querybench/querybench/internal/query"
)

func TestCompareIgnoresRowOrderUnlessOrdered(t *testing.T) {
	expected := query.Result{Columns: []string{"name", "n"}, Rows: [][]any{{"alice", int64(2)}, {"bob", int64(1)}}}
	actual := query.Result{Columns: []string{"customer", "count"}, Rows: [][]any{{"bob", int64(1)}, {"alice", int64(2)}}}

	if ok, diff := Compare(expected, actual, CompareOptions{Precision: 6}); !ok {
		t.Fatalf("Compare() = false (%s), want true", diff)
	}
	if ok, _ := Compare(expected, actual, CompareOptions{Ordered: true, Precision: 6}); ok {
		t.Fatal("Compare(ordered) = true, want false")
	}
}

func TestCompareNumbersByValue(t *testing.T) {
	expected := query.Result{Rows: [][]any{{int64(3), json.Number("1200.50"), 0.1}}}
	actual := query.Result{Rows: [][]any{{3.0, 1200.5, json.Number("0.1000000001")}}}

	if ok, diff := Compare(expected, actual, CompareOptions{Precision: 6}); !ok {
		t.Fatalf("Compare() = false (%s), want true", diff)
	}
	if ok, _ := Compare(expected, actual, CompareOptions{Precision: 12}); ok {
		t.Fatal("Compare(precision 12) = true, want false")
	}
}

func TestCompareTextIsExactAndNotNumeric(t *testing.T) {
	if ok, _ := Compare(query.Result{Rows: [][]any{{"3"}}}, query.Result{Rows: [][]any{{int64(3)}}}, CompareOptions{}); ok {
		t.Fatal("text \"3\" matched number 3")
	}
	if ok, _ := Compare(query.Result{Rows: [][]any{{"Alice"}}}, query.Result{Rows: [][]any{{"alice"}}}, CompareOptions{}); ok {
		t.Fatal("text comparison is case-insensitive")
	}
	if ok, _ := Compare(query.Result{Rows: [][]any{{"x"}}}, query.Result{Rows: [][]any{{[]byte("x")}}}, CompareOptions{}); !ok {
		t.Fatal("bytes did not compare as text")
	}
}

func TestCompareNullIsItsOwnClass(t *testing.T) {
	if ok, _ := Compare(query.Result{Rows: [][]any{{nil}}}, query.Result{Rows: [][]any{{""}}}, CompareOptions{}); ok {
		t.Fatal("NULL matched empty text")
	}
	if ok, _ := Compare(query.Result{Rows: [][]any{{nil}, {int64(1)}}}, query.Result{Rows: [][]any{{int64(1)}, {nil}}}, CompareOptions{}); !ok {
		t.Fatal("NULL rows did not sort consistently")
	}
}

func TestCompareShapeMismatches(t *testing.T) {
	ok, diff := Compare(
		query.Result{Columns: []string{"a"}, Rows: [][]any{{int64(1)}}},
		query.Result{Columns: []string{"a", "b"}, Rows: [][]any{{int64(1), int64(2)}}},
		CompareOptions{},
	)
	if ok || diff != "column count: expected 1, got 2" {
		t.Fatalf("Compare() = %v, %q", ok, diff)
	}

	ok, diff = Compare(
		query.Result{Rows: [][]any{{int64(1)}, {int64(2)}}},
		query.Result{Rows: [][]any{{int64(1)}}},
		CompareOptions{},
	)
	if ok || diff != "row count: expected 2, got 1" {
		t.Fatalf("Compare() = %v, %q", ok, diff)
	}
}

func TestCompareDiffNamesFirstDifference(t *testing.T) {
	_, diff := Compare(
		query.Result{Rows: [][]any{{"paid", json.Number("10.25")}}},
		query.Result{Rows: [][]any{{"paid", json.Number("10.5")}}},
		CompareOptions{Precision: 6},
	)
	if diff != "row 1 column 2: expected 10.25, got 10.5" {
		t.Fatalf("diff = %q", diff)
	}
}

func TestCompareRendersTimesAsText(t *testing.T) {
	date := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	stamp := time.Date(2024, 1, 5, 10, 30, 0, 0, time.UTC)
	expected := query.Result{Rows: [][]any{{"2024-01-05", "2024-01-05 10:30:00"}}}
	actual := query.Result{Rows: [][]any{{date, stamp}}}
	if ok, diff := Compare(expected, actual, CompareOptions{}); !ok {
		t.Fatalf("Compare() = false (%s)", diff)
	}
}

func TestRoundHalfEven(t *testing.T) {
	for input, want := range map[string]string{
		"0.5":      "0",
		"1.5":      "2",
		"2.5":      "2",
		"-2.5":     "-2",
		"-2.6":     "-3",
		"1.234567": "1.234567",
	} {
		r, _ := new(big.Rat).SetString(input)
		precision := 0
		if strings.Contains(want, ".") {
			precision = 6
		}
		if got := roundHalfEven(r, precision).FloatString(precision); got != want {
			t.Fatalf("roundHalfEven(%s, %d) = %s, want %s", input, precision, got, want)
		}
	}
}

func TestChecksumIsOrderInsensitiveByDefault(t *testing.T) {
	a := query.Result{Columns: []string{"x"}, Rows: [][]any{{int64(1)}, {int64(2)}}}
	b := query.Result{Columns: []string{"y"}, Rows: [][]any{{2.0}, {json.Number("1")}}}

	if Checksum(a, 6, false) != Checksum(b, 6, false) {
		t.Fatal("Checksum differs for equivalent unordered results")
	}
	if Checksum(a, 6, true) == Checksum(b, 6, true) {
		t.Fatal("Checksum(ordered) ignores row order")
	}
	if got := Checksum(a, 6, false); len(got) != 64 {
		t.Fatalf("Checksum() = %q, want hex sha256", got)
	}
}

func TestExpectedMatchDescriptors(t *testing.T) {
	actual := query.Result{Columns: []string{"n"}, Rows: [][]any{{int64(3)}}, RowCount: 1}
	two, one := 2, 1

	if ok, _ := (Expected{Checksum: "sha256:" + Checksum(actual, 6, false)}).Match(actual, CompareOptions{Precision: 6}); !ok {
		t.Fatal("checksum descriptor did not match")
	}
	if ok, diff := (Expected{RowCount: &two, ColumnCount: &one}).Match(actual, CompareOptions{}); ok || diff != "row count: expected 2, got 1" {
		t.Fatalf("shape Match() = %v, %q", ok, diff)
	}
	if ok, _ := (Expected{RowCount: &one}).Match(actual, CompareOptions{}); !ok {
		t.Fatal("row count descriptor did not match")
	}
}
