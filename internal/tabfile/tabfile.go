// Package tabfile reads and writes the pipeline's tabular text artifacts.
// Writes are all-or-nothing: content goes to a temp file in the target
// directory and is renamed into place, so a crash mid-write never leaves a
// partially-written dataset where a complete one is expected.
package tabfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReadAll returns every row of a CSV, header included.
func ReadAll(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

// CountDataRows returns the number of non-header rows without
// materializing them.
func CountDataRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	n := -1 // discount the header
	for {
		if _, err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("count %s: %w", path, err)
		}
		n++
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// AtomicWriter streams rows to a temp file in dir, publishing them under
// a final name only on Commit. For callers that produce rows one at a
// time and cannot hold the whole dataset in memory; the final name may be
// decided as late as Commit.
type AtomicWriter struct {
	f    *os.File
	w    *csv.Writer
	done bool
}

// NewAtomicWriter opens a temp file in dir for streaming writes.
func NewAtomicWriter(dir string) (*AtomicWriter, error) {
	f, err := os.CreateTemp(dir, ".stream.tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp in %s: %w", dir, err)
	}
	return &AtomicWriter{f: f, w: csv.NewWriter(f)}, nil
}

// Write appends one row.
func (aw *AtomicWriter) Write(row []string) error {
	return aw.w.Write(row)
}

// Commit flushes, syncs and renames the temp file to path. Path must be
// on the same filesystem as the writer's directory.
func (aw *AtomicWriter) Commit(path string) error {
	aw.w.Flush()
	if err := aw.w.Error(); err != nil {
		aw.Abort()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := aw.f.Sync(); err != nil {
		aw.Abort()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := aw.f.Close(); err != nil {
		aw.done = true
		os.Remove(aw.f.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	aw.done = true
	if err := os.Rename(aw.f.Name(), path); err != nil {
		os.Remove(aw.f.Name())
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// Abort discards the temp file. Safe to call after Commit.
func (aw *AtomicWriter) Abort() {
	if aw.done {
		return
	}
	aw.done = true
	aw.f.Close()
	os.Remove(aw.f.Name())
}

// WriteAtomic writes rows (header first) to path via temp file + rename.
func WriteAtomic(path string, rows [][]string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	w := csv.NewWriter(tmp)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
