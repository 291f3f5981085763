package convert

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"labpipe/internal/refrange"
	"labpipe/internal/source"
	"labpipe/internal/tabfile"
	"labpipe/internal/workspace"
)

// fakeAdapter serves canned rows keyed by path. Rows use the columns
// month, test, result, practice, age, sex.
type fakeAdapter struct {
	code       string
	rowsByPath map[string][]source.Row
	abortAll   bool
}

type sliceIterator struct {
	rows []source.Row
	pos  int
}

func (it *sliceIterator) Next() (source.Row, error) {
	if it.pos >= len(it.rows) {
		return nil, io.EOF
	}
	row := it.rows[it.pos]
	it.pos++
	return row, nil
}

func (it *sliceIterator) Close() error { return nil }

func (a *fakeAdapter) LabCode() string         { return a.code }
func (a *fakeAdapter) ReferenceRanges() string { return "" }

func (a *fakeAdapter) InputFiles() ([]string, error) {
	var paths []string
	for p := range a.rowsByPath {
		paths = append(paths, p)
	}
	return paths, nil
}

func (a *fakeAdapter) Rows(path string) (source.RowIterator, error) {
	rows, ok := a.rowsByPath[path]
	if !ok {
		return nil, fmt.Errorf("no such file %s", path)
	}
	return &sliceIterator{rows: rows}, nil
}

func (a *fakeAdapter) DropUnwanted(row source.Row) error {
	if a.abortAll {
		return &source.AbortFile{Reason: "structurally invalid"}
	}
	if row["practice"] == "DUMMY" {
		return source.ErrSkipRow
	}
	return nil
}

func (a *fakeAdapter) Normalise(row source.Row) (*source.Record, error) {
	age, err := strconv.Atoi(row["age"])
	if err != nil {
		return nil, fmt.Errorf("bad age %q", row["age"])
	}
	return &source.Record{
		Month:      row["month"],
		TestCode:   row["test"],
		TestResult: row["result"],
		PracticeID: row["practice"],
		Age:        age,
		Sex:        row["sex"],
	}, nil
}

// bandedAdapter embeds an in/under/over flag and overrides classification.
type bandedAdapter struct{ fakeAdapter }

func (a *bandedAdapter) ConvertToResult(rec *source.Record) refrange.Category {
	switch rec.Direction {
	case "<":
		return refrange.UnderRange
	case ">":
		return refrange.OverRange
	}
	return refrange.WithinRange
}

func row(month, test, result, practice, age, sex string) source.Row {
	return source.Row{"month": month, "test": test, "result": result,
		"practice": practice, "age": age, "sex": sex}
}

func testSettings(t *testing.T) *workspace.Settings {
	t.Helper()
	s := workspace.Defaults(t.TempDir())
	if err := s.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	return s
}

func testClassifier() *refrange.Classifier {
	return &refrange.Classifier{
		Table: refrange.NewTable([]refrange.Range{
			{Test: "HB", MinAge: 18, MaxAge: 120, LowF: "3.5", LowM: "4.0", HighF: "9.0", HighM: "10.0"},
		}),
		AdultAge: workspace.DefaultAdultAge,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileWritesClassifiedArtifact(t *testing.T) {
	s := testSettings(t)
	adapter := &fakeAdapter{
		code: "nd",
		rowsByPath: map[string][]source.Row{
			"jan.csv": {
				row("2026/01/01", "HB", "5.0", "A81001", "40", "F"),
				row("2026/01/01", "HB", "2.0", "A81001", "40", "F"),
				row("2026/01/01", "HB", "11.0", "A81002", "40", "M"),
				row("2026/01/01", "HB", "N/A", "A81002", "40", "F"),
				row("2026/01/01", "HB", "5.0", "DUMMY", "40", "F"),
			},
		},
	}

	res, err := File(adapter, testClassifier(), s, "jan.csv", discard())
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if res.Rows != 4 || res.Skipped != 1 || res.BadRows != 0 {
		t.Errorf("Result = %+v", res)
	}

	rows, err := tabfile.ReadAll(filepath.Join(s.IntermediateDir(), res.Artifact))
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"month", "test_code", "practice_id", "result_category"},
		{"2026/01/01", "HB", "A81001", "0"},
		{"2026/01/01", "HB", "A81001", "-1"},
		{"2026/01/01", "HB", "A81002", "1"},
		{"2026/01/01", "HB", "A81002", "3"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("artifact (-want +got):\n%s", diff)
	}
}

func TestFileIsIdempotent(t *testing.T) {
	s := testSettings(t)
	adapter := &fakeAdapter{
		code: "nd",
		rowsByPath: map[string][]source.Row{
			"jan.csv": {
				row("2026/01/01", "HB", "5.0", "A81001", "40", "F"),
				row("2026/02/01", "HB", "6.0", "A81001", "40", "F"),
				row("2026/01/01", "HB", "7.0", "A81002", "50", "M"),
			},
		},
	}

	first, err := File(adapter, testClassifier(), s, "jan.csv", discard())
	if err != nil {
		t.Fatal(err)
	}
	bytes1, err := os.ReadFile(filepath.Join(s.IntermediateDir(), first.Artifact))
	if err != nil {
		t.Fatal(err)
	}

	second, err := File(adapter, testClassifier(), s, "jan.csv", discard())
	if err != nil {
		t.Fatal(err)
	}
	if second.Artifact != first.Artifact {
		t.Fatalf("artifact name changed on re-run: %q vs %q", first.Artifact, second.Artifact)
	}
	bytes2, err := os.ReadFile(filepath.Join(s.IntermediateDir(), second.Artifact))
	if err != nil {
		t.Fatal(err)
	}
	if string(bytes1) != string(bytes2) {
		t.Error("re-converting the same input produced different bytes")
	}
}

func TestFileArtifactNamedByDominantMonth(t *testing.T) {
	s := testSettings(t)
	adapter := &fakeAdapter{
		code: "nd",
		rowsByPath: map[string][]source.Row{
			"jan.csv": {
				row("2026/01/01", "HB", "5.0", "A81001", "40", "F"),
				row("2026/01/01", "HB", "5.0", "A81002", "40", "F"),
				row("2026/02/01", "HB", "5.0", "A81001", "40", "F"),
			},
		},
	}
	res, err := File(adapter, testClassifier(), s, "jan.csv", discard())
	if err != nil {
		t.Fatal(err)
	}
	wantPrefix := "converted_nd_2026_01_01_"
	if len(res.Artifact) < len(wantPrefix) || res.Artifact[:len(wantPrefix)] != wantPrefix {
		t.Errorf("Artifact = %q, want prefix %q", res.Artifact, wantPrefix)
	}
}

func TestFileMalformedRowSkippedNotFatal(t *testing.T) {
	s := testSettings(t)
	adapter := &fakeAdapter{
		code: "nd",
		rowsByPath: map[string][]source.Row{
			"jan.csv": {
				row("2026/01/01", "HB", "5.0", "A81001", "forty", "F"),
				row("2026/01/01", "HB", "5.0", "A81001", "40", "F"),
			},
		},
	}
	res, err := File(adapter, testClassifier(), s, "jan.csv", discard())
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if res.Rows != 1 || res.BadRows != 1 {
		t.Errorf("Result = %+v, want 1 row and 1 bad row", res)
	}
}

func TestFileAbortLeavesNoArtifact(t *testing.T) {
	s := testSettings(t)
	adapter := &fakeAdapter{
		code:     "nd",
		abortAll: true,
		rowsByPath: map[string][]source.Row{
			"jan.csv": {row("2026/01/01", "HB", "5.0", "A81001", "40", "F")},
		},
	}
	if _, err := File(adapter, testClassifier(), s, "jan.csv", discard()); err == nil {
		t.Fatal("expected abort error")
	}

	entries, err := os.ReadDir(s.IntermediateDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("intermediate dir not empty after abort: %v", entries)
	}
}

func TestFileDateFloorSkipsOldRows(t *testing.T) {
	old := nowFunc
	nowFunc = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	defer func() { nowFunc = old }()

	s := testSettings(t)
	adapter := &fakeAdapter{
		code: "nd",
		rowsByPath: map[string][]source.Row{
			"old.csv": {
				row("2019/01/01", "HB", "5.0", "A81001", "40", "F"),
				row("2026/01/01", "HB", "5.0", "A81001", "40", "F"),
			},
		},
	}
	res, err := File(adapter, testClassifier(), s, "old.csv", discard())
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 1 || res.Skipped != 1 {
		t.Errorf("Result = %+v, want old row skipped", res)
	}
}

func TestFileResultConverterOverride(t *testing.T) {
	s := testSettings(t)
	adapter := &bandedAdapter{fakeAdapter{
		code: "exeter",
		rowsByPath: map[string][]source.Row{
			"jan.csv": {row("2026/01/01", "HB", "", "A81001", "40", "F")},
		},
	}}
	// No reference table at all: the override must carry classification.
	cls := &refrange.Classifier{Table: nil, AdultAge: workspace.DefaultAdultAge}

	res, err := File(adapter, cls, s, "jan.csv", discard())
	if err != nil {
		t.Fatal(err)
	}
	rows, err := tabfile.ReadAll(filepath.Join(s.IntermediateDir(), res.Artifact))
	if err != nil {
		t.Fatal(err)
	}
	if rows[1][3] != "0" {
		t.Errorf("override category = %q, want 0 (within range)", rows[1][3])
	}
}

func TestFileUnreadableInput(t *testing.T) {
	s := testSettings(t)
	adapter := &fakeAdapter{code: "nd", rowsByPath: map[string][]source.Row{}}
	if _, err := File(adapter, testClassifier(), s, "ghost.csv", discard()); err == nil {
		t.Fatal("expected error for unknown input")
	}
}
