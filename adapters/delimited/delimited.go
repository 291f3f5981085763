// Package delimited adapts labs whose extracts are plain delimited files
// with one result per row. Everything lab-specific is declared in
// configuration: column names, date layouts, row filters and historical
// test-code spellings.
package delimited

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"labpipe/internal/source"
)

// directionEpsilon nudges censored results off their bound so "<5" sits
// strictly under a range whose low is 5.
const directionEpsilon = 0.0000001

// Columns names the source columns a lab extract maps onto the normalized
// record. DOB and Age are alternatives: exactly one must be set.
type Columns struct {
	Date     string `yaml:"date"`
	DOB      string `yaml:"dob"`
	Age      string `yaml:"age"`
	TestCode string `yaml:"test_code"`
	Result   string `yaml:"result"`
	Practice string `yaml:"practice"`
	Sex      string `yaml:"sex"`
}

// Config declares one delimited lab.
type Config struct {
	ReferenceRanges string  `yaml:"reference_ranges"`
	InputGlob       string  `yaml:"input_glob"`
	Columns         Columns `yaml:"columns"`

	// DateFormats are Go time layouts tried in order against the
	// collection date. DOBFormats defaults to DateFormats when empty.
	DateFormats []string `yaml:"date_formats"`
	DOBFormats  []string `yaml:"dob_formats"`

	// Keep restricts a column to an allowed set of values; rows outside
	// it are dropped. Require drops rows whose named columns are empty.
	Keep    map[string][]string `yaml:"keep"`
	Require []string            `yaml:"require"`

	// CodeChanges folds historical test-code spellings back onto their
	// current incarnation.
	CodeChanges map[string]string `yaml:"code_changes"`

	// DropPractices lists placeholder practice identifiers used by the
	// lab for internal QC samples.
	DropPractices []string `yaml:"drop_practices"`
}

// Adapter implements source.Adapter for one delimited lab.
type Adapter struct {
	lab string
	cfg Config
	now func() time.Time
}

// New validates cfg and returns an Adapter for the given lab code.
func New(lab string, cfg Config) (*Adapter, error) {
	if lab == "" {
		return nil, fmt.Errorf("delimited: lab code is required")
	}
	if cfg.InputGlob == "" {
		return nil, fmt.Errorf("delimited %s: input_glob is required", lab)
	}
	for name, col := range map[string]string{
		"date":      cfg.Columns.Date,
		"test_code": cfg.Columns.TestCode,
		"result":    cfg.Columns.Result,
		"practice":  cfg.Columns.Practice,
		"sex":       cfg.Columns.Sex,
	} {
		if col == "" {
			return nil, fmt.Errorf("delimited %s: columns.%s is required", lab, name)
		}
	}
	if (cfg.Columns.DOB == "") == (cfg.Columns.Age == "") {
		return nil, fmt.Errorf("delimited %s: exactly one of columns.dob and columns.age is required", lab)
	}
	if len(cfg.DateFormats) == 0 {
		return nil, fmt.Errorf("delimited %s: date_formats is required", lab)
	}
	return &Adapter{lab: lab, cfg: cfg, now: time.Now}, nil
}

func (a *Adapter) LabCode() string { return a.lab }

func (a *Adapter) ReferenceRanges() string { return a.cfg.ReferenceRanges }

func (a *Adapter) InputFiles() ([]string, error) {
	paths, err := filepath.Glob(a.cfg.InputGlob)
	if err != nil {
		return nil, fmt.Errorf("delimited %s: bad input glob %q: %w", a.lab, a.cfg.InputGlob, err)
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
	r.ReuseRecord = true
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
	practice := row[a.cfg.Columns.Practice]
	for _, dummy := range a.cfg.DropPractices {
		if practice == dummy {
			return source.ErrSkipRow
		}
	}
	return nil
}

func (a *Adapter) Normalise(row source.Row) (*source.Record, error) {
	code := row[a.cfg.Columns.TestCode]
	if canonical, ok := a.cfg.CodeChanges[code]; ok {
		code = canonical
	}

	collected, err := a.parsePastDate(row[a.cfg.Columns.Date], a.cfg.DateFormats)
	if err != nil {
		return nil, fmt.Errorf("bad collection date %q: %w", row[a.cfg.Columns.Date], err)
	}

	age, err := a.age(row, collected)
	if err != nil {
		return nil, err
	}

	result, direction := splitDirection(row[a.cfg.Columns.Result])

	return &source.Record{
		Month:      collected.Format("2006/01") + "/01",
		TestCode:   code,
		TestResult: result,
		PracticeID: row[a.cfg.Columns.Practice],
		Age:        age,
		Sex:        strings.ToUpper(strings.TrimSpace(row[a.cfg.Columns.Sex])),
		Direction:  direction,
	}, nil
}

func (a *Adapter) age(row source.Row, collected time.Time) (int, error) {
	if col := a.cfg.Columns.Age; col != "" {
		raw := strings.TrimSpace(row[col])
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("bad age %q", raw)
		}
		return int(v), nil
	}

	formats := a.cfg.DOBFormats
	if len(formats) == 0 {
		formats = a.cfg.DateFormats
	}
	dob, err := a.parsePastDate(row[a.cfg.Columns.DOB], formats)
	if err != nil {
		return 0, fmt.Errorf("bad dob %q: %w", row[a.cfg.Columns.DOB], err)
	}
	return int(collected.Sub(dob).Hours() / 24 / 365), nil
}

// parsePastDate tries each layout in order. Two-digit years can land a
// date of birth in the future; a century is knocked off when they do.
func (a *Adapter) parsePastDate(raw string, formats []string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var firstErr error
	for _, layout := range formats {
		d, err := time.Parse(layout, raw)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if d.After(a.now()) {
			d = d.AddDate(-100, 0, 0)
		}
		return d, nil
	}
	return time.Time{}, firstErr
}

// splitDirection strips a leading censor marker from a result and nudges
// the value off the bound it censors. Non-numeric results pass through
// untouched for the classifier to flag.
func splitDirection(raw string) (result, direction string) {
	raw = strings.TrimSpace(raw)
	var nudge float64
	switch {
	case strings.HasPrefix(raw, "<"):
		direction, nudge = "<", -directionEpsilon
	case strings.HasPrefix(raw, ">"):
		direction, nudge = ">", directionEpsilon
	default:
		return raw, ""
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw[1:]), 64)
	if err != nil {
		return raw, direction
	}
	v += nudge
	if math.IsInf(v, 0) {
		return raw, direction
	}
	return strconv.FormatFloat(v, 'g', -1, 64), direction
}
