// Package convert drives one raw input file through its lab's adapter and
// the classifier, producing a normalized intermediate artifact. Conversion
// touches no shared mutable state, so files convert in parallel safely.
package convert

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"labpipe/internal/refrange"
	"labpipe/internal/source"
	"labpipe/internal/tabfile"
	"labpipe/internal/workspace"
)

// nowFunc is swapped out by tests that pin the date floor.
var nowFunc = time.Now

// Header is the column contract of intermediate and combined files.
var Header = []string{"month", "test_code", "practice_id", "result_category"}

// Result summarizes one file's conversion.
type Result struct {
	Artifact string // artifact filename within the intermediate dir
	Rows     int    // records written
	Skipped  int    // rows excluded by the drop predicate or date floor
	BadRows  int    // malformed rows logged and skipped
}

// nameSampleSize bounds how many leading rows vote on the artifact name.
const nameSampleSize = 1000

// File converts one input file to its intermediate artifact. Records
// stream straight to a temp file, so memory stays bounded regardless of
// extract size; the artifact name is a pure function of the input and the
// temp file is renamed into place at the end, so converting the same
// unchanged input twice produces the same name with byte-identical
// content. No tracker update happens here; the caller records CONVERTED
// only after File returns.
func File(adapter source.Adapter, cls *refrange.Classifier, s *workspace.Settings, path string, logger *slog.Logger) (*Result, error) {
	it, err := adapter.Rows(path)
	if err != nil {
		return nil, fmt.Errorf("open rows of %s: %w", path, err)
	}
	defer it.Close()

	converter, hasOverride := adapter.(source.ResultConverter)
	dateFloor := s.DateFloorValue(nowFunc())

	out, err := tabfile.NewAtomicWriter(s.IntermediateDir())
	if err != nil {
		return nil, fmt.Errorf("open artifact temp for %s: %w", path, err)
	}
	defer out.Abort()
	if err := out.Write(Header); err != nil {
		return nil, fmt.Errorf("write artifact for %s: %w", path, err)
	}

	res := &Result{}
	monthVotes := make(map[string]int)

	for {
		raw, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A broken row stream is structural: the whole file is
			// unusable and stays at its current stage for retry.
			return nil, fmt.Errorf("read row of %s: %w", path, err)
		}

		rec, err := normaliseRow(adapter, raw)
		if err != nil {
			var abort *source.AbortFile
			if errors.As(err, &abort) {
				return nil, fmt.Errorf("convert %s: %w", path, err)
			}
			if errors.Is(err, source.ErrSkipRow) {
				res.Skipped++
				continue
			}
			res.BadRows++
			logger.Warn("malformed row skipped", "file", filepath.Base(path), "error", err)
			continue
		}

		if rec.Month < dateFloor {
			res.Skipped++
			continue
		}

		if hasOverride {
			rec.Category = converter.ConvertToResult(rec)
		} else {
			rec.Category = cls.Classify(refrange.Input{
				TestCode:  rec.TestCode,
				Age:       rec.Age,
				Sex:       rec.Sex,
				Result:    rec.TestResult,
				Direction: rec.Direction,
			})
		}

		if res.Rows < nameSampleSize {
			monthVotes[rec.Month]++
		}
		if err := out.Write([]string{rec.Month, rec.TestCode, rec.PracticeID, rec.Category.String()}); err != nil {
			return nil, fmt.Errorf("write artifact for %s: %w", path, err)
		}
		res.Rows++
	}

	res.Artifact = artifactName(s, adapter.LabCode(), path, monthVotes)
	if err := out.Commit(filepath.Join(s.IntermediateDir(), res.Artifact)); err != nil {
		return nil, fmt.Errorf("write artifact for %s: %w", path, err)
	}
	return res, nil
}

func normaliseRow(adapter source.Adapter, raw source.Row) (*source.Record, error) {
	if err := adapter.DropUnwanted(raw); err != nil {
		return nil, err
	}
	return adapter.Normalise(raw)
}

// artifactName names the artifact after the most common month in the
// file's leading rows, for operators, plus a short digest of the source
// filename so two inputs covering the same month never collide and
// re-conversion always lands on the same name.
func artifactName(s *workspace.Settings, lab, path string, monthVotes map[string]int) string {
	month := "nodata"
	best := 0
	for m, n := range monthVotes {
		if n > best || (n == best && m < month) {
			month, best = m, n
		}
	}
	sum := sha256.Sum256([]byte(filepath.Base(path)))
	digest := hex.EncodeToString(sum[:4])
	return fmt.Sprintf("%sconverted_%s_%s_%s.csv",
		s.EnvPrefix, lab, strings.ReplaceAll(month, "/", "_"), digest)
}
