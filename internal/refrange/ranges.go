package refrange

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
)

// RangeCeiling is the conventional open-ended upper age bound: a bracket
// whose max_adult_age is RangeCeiling (or above) has no upper limit.
const RangeCeiling = 120

// ResultCeiling is the conventional open-ended high threshold in source
// range tables, used when checking ">" direction markers.
const ResultCeiling = 99999

// Range is one age bracket of reference thresholds for a test. The sex
// specific bounds are kept as raw strings because source tables routinely
// leave them blank for one sex.
type Range struct {
	Test   string
	MinAge int
	MaxAge int
	LowF   string
	LowM   string
	HighF  string
	HighM  string
}

// requiredColumns is the exact header contract for reference-range CSVs.
var requiredColumns = []string{
	"test", "min_adult_age", "max_adult_age", "low_F", "low_M", "high_F", "high_M",
}

// Table indexes reference ranges by test code, preserving file order within
// each test. When several brackets match the same age the first in file
// order wins; the source data inherits this tie-break and downstream
// consumers depend on it, so it is preserved even though it looks accidental.
type Table struct {
	byTest map[string][]Range
}

// LoadTable reads a reference-range CSV. The header must contain exactly
// the required columns (in any order).
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference ranges: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read reference range header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	if len(header) != len(requiredColumns) {
		return nil, headerError(path, header)
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, headerError(path, header)
		}
	}

	t := &Table{byTest: make(map[string][]Range)}
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read reference ranges line %d: %w", line, err)
		}
		minAge, err := parseAgeBound(rec[col["min_adult_age"]])
		if err != nil {
			return nil, fmt.Errorf("reference ranges line %d: min_adult_age: %w", line, err)
		}
		maxAge, err := parseAgeBound(rec[col["max_adult_age"]])
		if err != nil {
			return nil, fmt.Errorf("reference ranges line %d: max_adult_age: %w", line, err)
		}
		rr := Range{
			Test:   rec[col["test"]],
			MinAge: minAge,
			MaxAge: maxAge,
			LowF:   rec[col["low_F"]],
			LowM:   rec[col["low_M"]],
			HighF:  rec[col["high_F"]],
			HighM:  rec[col["high_M"]],
		}
		t.byTest[rr.Test] = append(t.byTest[rr.Test], rr)
	}
	return t, nil
}

// NewTable builds a Table from in-memory ranges, preserving slice order.
func NewTable(ranges []Range) *Table {
	t := &Table{byTest: make(map[string][]Range)}
	for _, rr := range ranges {
		t.byTest[rr.Test] = append(t.byTest[rr.Test], rr)
	}
	return t
}

// Ranges returns the brackets for a test in file order, or nil.
func (t *Table) Ranges(test string) []Range {
	if t == nil {
		return nil
	}
	return t.byTest[test]
}

// Tests returns all test codes in the table, sorted.
func (t *Table) Tests() []string {
	if t == nil {
		return nil
	}
	tests := make([]string, 0, len(t.byTest))
	for test := range t.byTest {
		tests = append(tests, test)
	}
	sort.Strings(tests)
	return tests
}

// Empty reports whether the table holds no ranges at all (including nil,
// which stands for "this lab supplies no reference-range table").
func (t *Table) Empty() bool {
	return t == nil || len(t.byTest) == 0
}

// parseAgeBound accepts integer or float spellings ("16", "16.0").
func parseAgeBound(s string) (int, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable age bound %q", s)
	}
	return int(f), nil
}

func headerError(path string, header []string) error {
	return fmt.Errorf("reference ranges at %s must define columns %v, got %v",
		path, requiredColumns, header)
}
