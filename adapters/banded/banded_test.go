package banded

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"labpipe/internal/refrange"
	"labpipe/internal/source"
)

func testConfig(glob string) Config {
	return Config{
		InputGlob: glob,
		Columns: Columns{
			Date:     "Date_Specimen_Collected",
			TestCode: "Test_Performed",
			Practice: "Requesting_Organisation_Code",
			Band:     "Test_Result_Range",
		},
		DateFormats: []string{"2006-01-02 15:04:05"},
		Bands:       map[string]int{"H": 1, "L": -1, "N": 0},
		DropContains: map[string]string{
			"Requesting_Organisation_Desc": "Hospital",
		},
	}
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New("exeter", testConfig("*.csv"))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	cfg := testConfig("*.csv")
	cfg.Bands = nil
	if _, err := New("exeter", cfg); err == nil {
		t.Error("want error for missing bands")
	}

	cfg = testConfig("*.csv")
	cfg.Columns.Band = ""
	if _, err := New("exeter", cfg); err == nil {
		t.Error("want error for missing band column")
	}
}

func TestReferenceRangesEmpty(t *testing.T) {
	if got := newTestAdapter(t).ReferenceRanges(); got != "" {
		t.Errorf("ReferenceRanges = %q, want empty", got)
	}
}

func TestRowsAndNormalise(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jan.csv")
	data := "Date_Specimen_Collected,Test_Performed,Requesting_Organisation_Code,Test_Result_Range,Requesting_Organisation_Desc\n" +
		"2026-01-05 00:00:00,HB,A81001,H,THE DENSHAM SURGERY\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	a := newTestAdapter(t)
	it, err := a.Rows(path)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	row, err := it.Next()
	if err != nil {
		t.Fatal(err)
	}
	rec, err := a.Normalise(row)
	if err != nil {
		t.Fatal(err)
	}
	want := &source.Record{
		Month:      "2026/01/01",
		TestCode:   "HB",
		TestResult: "H",
		PracticeID: "A81001",
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("record (-want +got):\n%s", diff)
	}
	if _, err := it.Next(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestDropUnwantedHospitalRequester(t *testing.T) {
	a := newTestAdapter(t)
	err := a.DropUnwanted(source.Row{
		"Requesting_Organisation_Desc": "EXETER Hospital OUTPATIENTS",
	})
	if !errors.Is(err, source.ErrSkipRow) {
		t.Errorf("err = %v, want ErrSkipRow", err)
	}
	if err := a.DropUnwanted(source.Row{
		"Requesting_Organisation_Desc": "THE DENSHAM SURGERY",
	}); err != nil {
		t.Errorf("surgery row dropped: %v", err)
	}
}

func TestConvertToResult(t *testing.T) {
	a := newTestAdapter(t)
	tests := []struct {
		band string
		want refrange.Category
	}{
		{"H", refrange.OverRange},
		{"L", refrange.UnderRange},
		{"N", refrange.WithinRange},
		{"", refrange.ErrNoRefRange},
		{"weird", refrange.ErrNoRefRange},
	}
	for _, tc := range tests {
		got := a.ConvertToResult(&source.Record{TestResult: tc.band})
		if got != tc.want {
			t.Errorf("band %q: category = %v, want %v", tc.band, got, tc.want)
		}
	}
}

func TestDropUnwantedUnderAge(t *testing.T) {
	cfg := testConfig("*.csv")
	cfg.Columns.Age = "Age_on_Date_Request_Rec'd"
	cfg.MinimumAge = 18
	a, err := New("exeter", cfg)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		age  string
		drop bool
	}{
		{"17", true},
		{"17.9", true},
		{"18", false},
		{"67.4", false},
		{"", true},
		{"unknown", true},
	}
	for _, tc := range tests {
		err := a.DropUnwanted(source.Row{"Age_on_Date_Request_Rec'd": tc.age})
		dropped := errors.Is(err, source.ErrSkipRow)
		if dropped != tc.drop {
			t.Errorf("age %q: dropped = %v, want %v", tc.age, dropped, tc.drop)
		}
	}
}

func TestNewRejectsMinimumAgeWithoutAgeColumn(t *testing.T) {
	cfg := testConfig("*.csv")
	cfg.MinimumAge = 18
	if _, err := New("exeter", cfg); err == nil {
		t.Error("want error for minimum_age without an age column")
	}
}
