package source

import (
	"errors"
	"fmt"

	"labpipe/internal/refrange"
)

// Row is one raw row from a lab extract, keyed by source column name.
type Row map[string]string

// RowIterator yields rows lazily from one input file. Next returns io.EOF
// when the sequence is exhausted. Iterators are finite and restartable:
// calling Adapter.Rows again on the same path yields the same sequence.
type RowIterator interface {
	Next() (Row, error)
	Close() error
}

// Record is a normalized result row, the common shape every lab's extract
// is converted into. It is immutable once written to an intermediate file.
type Record struct {
	Month      string // YYYY/MM/01
	TestCode   string
	TestResult string // raw value, may be non-numeric
	PracticeID string
	Age        int
	Sex        string // "F" or "M"
	Direction  string // "", "<" or ">"
	Category   refrange.Category
}

// ErrSkipRow is returned by DropUnwanted (or Normalise) to exclude a row
// silently: dummy practices, under-age subjects, rows predating the floor.
// It is a per-row outcome, never an error for the whole file.
var ErrSkipRow = errors.New("source: skip row")

// AbortFile signals that the whole input file is unusable and must stay at
// its current lifecycle stage for retry. Distinct from ErrSkipRow: one row
// being bad never aborts the file, but a structural problem does.
type AbortFile struct {
	Reason string
	Err    error
}

func (e *AbortFile) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source: abort file: %s: %v", e.Reason, e.Err)
	}
	return "source: abort file: " + e.Reason
}

func (e *AbortFile) Unwrap() error { return e.Err }

// Adapter is the per-lab plugin contract consumed by the converter. An
// implementation owns everything idiosyncratic about one lab: where its
// extracts live, how to iterate their rows, which rows to drop and how to
// map a raw row onto a Record.
type Adapter interface {
	// LabCode is the unique lab identifier, used in filenames and the
	// published lab_id column.
	LabCode() string

	// ReferenceRanges is the path to the lab's normalized range table,
	// or "" when the lab supplies none.
	ReferenceRanges() string

	// InputFiles enumerates the lab's raw input file locations.
	InputFiles() ([]string, error)

	// Rows opens one input location as a lazy row sequence.
	Rows(path string) (RowIterator, error)

	// DropUnwanted returns ErrSkipRow for rows to exclude, an *AbortFile
	// to fail the whole file, or nil to keep the row.
	DropUnwanted(row Row) error

	// Normalise maps one kept raw row onto a Record. A per-row mapping
	// failure is logged and skipped by the converter.
	Normalise(row Row) (*Record, error)
}

// ResultConverter is the optional hook for labs whose extracts embed an
// in/under/over indicator instead of reference ranges. When an Adapter
// implements it, the converter bypasses the classifier for that lab.
type ResultConverter interface {
	ConvertToResult(rec *Record) refrange.Category
}
