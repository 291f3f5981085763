// Package banded adapts labs that publish no reference ranges and instead
// flag each result as high, low or normal. The flag column maps straight
// onto a result category, so the classifier is bypassed entirely.
package banded

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"labpipe/internal/refrange"
	"labpipe/internal/source"
)

// Columns names the source columns the flag-based extract maps onto the
// normalized record.
type Columns struct {
	Date     string `yaml:"date"`
	TestCode string `yaml:"test_code"`
	Practice string `yaml:"practice"`
	Band     string `yaml:"band"`

	// Age is optional; when set together with Config.MinimumAge,
	// under-age rows are dropped. Banded labs bypass the classifier,
	// so without this nothing else would catch them.
	Age string `yaml:"age"`
}

// Config declares one banded lab.
type Config struct {
	InputGlob string  `yaml:"input_glob"`
	Columns   Columns `yaml:"columns"`

	// DateFormats are Go time layouts tried in order against the
	// collection date.
	DateFormats []string `yaml:"date_formats"`

	// Bands maps flag values onto result categories, e.g.
	// {"H": 1, "L": -1, "N": 0}. Unknown flags are published as
	// missing-reference-range errors.
	Bands map[string]int `yaml:"bands"`

	// Keep restricts a column to an allowed set of values; rows outside
	// it are dropped. Require drops rows whose named columns are empty.
	Keep    map[string][]string `yaml:"keep"`
	Require []string            `yaml:"require"`

	// DropContains drops rows where a column contains a substring, e.g.
	// requester descriptions mentioning a hospital.
	DropContains map[string]string `yaml:"drop_contains"`

	// MinimumAge drops rows whose age column parses below it. Rows with
	// an unparseable age are dropped too: an unverifiable age cannot be
	// published.
	MinimumAge int `yaml:"minimum_age"`
}

// Adapter implements source.Adapter and source.ResultConverter for one
// banded lab.
type Adapter struct {
	lab string
	cfg Config
}

// New validates cfg and returns an Adapter for the given lab code.
func New(lab string, cfg Config) (*Adapter, error) {
	if lab == "" {
		return nil, fmt.Errorf("banded: lab code is required")
	}
	if cfg.InputGlob == "" {
		return nil, fmt.Errorf("banded %s: input_glob is required", lab)
	}
	for name, col := range map[string]string{
		"date":      cfg.Columns.Date,
		"test_code": cfg.Columns.TestCode,
		"practice":  cfg.Columns.Practice,
		"band":      cfg.Columns.Band,
	} {
		if col == "" {
			return nil, fmt.Errorf("banded %s: columns.%s is required", lab, name)
		}
	}
	if len(cfg.DateFormats) == 0 {
		return nil, fmt.Errorf("banded %s: date_formats is required", lab)
	}
	if len(cfg.Bands) == 0 {
		return nil, fmt.Errorf("banded %s: bands is required", lab)
	}
	if cfg.MinimumAge > 0 && cfg.Columns.Age == "" {
		return nil, fmt.Errorf("banded %s: minimum_age needs columns.age", lab)
	}
	return &Adapter{lab: lab, cfg: cfg}, nil
}

func (a *Adapter) LabCode() string { return a.lab }

// ReferenceRanges is empty: the lab's own banding stands in for a table.
func (a *Adapter) ReferenceRanges() string { return "" }

func (a *Adapter) InputFiles() ([]string, error) {
	paths, err := filepath.Glob(a.cfg.InputGlob)
	if err != nil {
		return nil, fmt.Errorf("banded %s: bad input glob %q: %w", a.lab, a.cfg.InputGlob, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (a *Adapter) Rows(path string) (source.RowIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		f.Close()
		if err == io.EOF {
			return nil, &source.AbortFile{Reason: "empty input file"}
		}
		return nil, &source.AbortFile{Reason: "unreadable header", Err: err}
	}
	names := make([]string, len(header))
	copy(names, header)
	return &rowIterator{f: f, r: r, header: names}, nil
}

type rowIterator struct {
	f      *os.File
	r      *csv.Reader
	header []string
}

func (it *rowIterator) Next() (source.Row, error) {
	rec, err := it.r.Read()
	if err != nil {
		return nil, err
	}
	row := make(source.Row, len(it.header))
	for i, name := range it.header {
		if i < len(rec) {
			row[name] = rec[i]
		} else {
			row[name] = ""
		}
	}
	return row, nil
}

func (it *rowIterator) Close() error { return it.f.Close() }

func (a *Adapter) DropUnwanted(row source.Row) error {
	for _, col := range a.cfg.Require {
		if v := row[col]; v == "" || v == "None" {
			return source.ErrSkipRow
		}
	}
	for col, allowed := range a.cfg.Keep {
		v := row[col]
		ok := false
		for _, want := range allowed {
			if v == want {
				ok = true
				break
			}
		}
		if !ok {
			return source.ErrSkipRow
		}
	}
	for col, substr := range a.cfg.DropContains {
		if strings.Contains(row[col], substr) {
			return source.ErrSkipRow
		}
	}
	if a.cfg.MinimumAge > 0 {
		age, err := strconv.ParseFloat(strings.TrimSpace(row[a.cfg.Columns.Age]), 64)
		if err != nil || int(age) < a.cfg.MinimumAge {
			return source.ErrSkipRow
		}
	}
	return nil
}

func (a *Adapter) Normalise(row source.Row) (*source.Record, error) {
	raw := strings.TrimSpace(row[a.cfg.Columns.Date])
	var collected time.Time
	var err error
	for _, layout := range a.cfg.DateFormats {
		collected, err = time.Parse(layout, raw)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bad collection date %q: %w", raw, err)
	}

	rec := &source.Record{
		Month:      collected.Format("2006/01") + "/01",
		TestCode:   row[a.cfg.Columns.TestCode],
		TestResult: strings.TrimSpace(row[a.cfg.Columns.Band]),
		PracticeID: row[a.cfg.Columns.Practice],
	}
	if col := a.cfg.Columns.Age; col != "" {
		if age, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64); err == nil {
			rec.Age = int(age)
		}
	}
	return rec, nil
}

// ConvertToResult maps the flag carried in TestResult onto a category.
func (a *Adapter) ConvertToResult(rec *source.Record) refrange.Category {
	if cat, ok := a.cfg.Bands[rec.TestResult]; ok {
		return refrange.Category(cat)
	}
	return refrange.ErrNoRefRange
}
