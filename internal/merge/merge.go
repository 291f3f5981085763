// Package merge folds converted intermediate artifacts into each lab's
// combined dataset. The combined file is append-only in effect: it is only
// ever extended with a whole artifact's records or rebuilt from scratch by
// a reimport, never partially rewritten.
package merge

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"labpipe/internal/convert"
	"labpipe/internal/tabfile"
	"labpipe/internal/track"
	"labpipe/internal/workspace"
)

// monthGrowthLimit guards against double-appends: data arrives one file
// per month, so the previously-latest month growing by more than this
// fraction during a merge means something upstream went wrong. Month
// boundaries (tests ordered in one month, reported the next) make modest
// growth normal.
const monthGrowthLimit = 0.2

// Lab merges every CONVERTED file for the lab into its combined dataset,
// in filename order. Each file's merge is all-or-nothing: the combined CSV
// is replaced atomically and the tracker decides everything else. A
// per-file failure is logged and skipped so one bad artifact never blocks
// the rest; the joined error is returned for operator attention.
func Lab(tr *track.Tracker, s *workspace.Settings, lab string, logger *slog.Logger) (int, error) {
	files, err := tr.FilesInStage(lab, track.StageConverted)
	if err != nil {
		return 0, err
	}

	// Interrupted merges recover first: their recorded pre-append counts
	// are only meaningful against the combined dataset as it stood when
	// they began, so a fresh file appending ahead of them would wedge
	// the recovery.
	slices.SortStableFunc(files, func(a, b track.File) int {
		switch {
		case a.MergeBegunRows >= 0 && b.MergeBegunRows < 0:
			return -1
		case a.MergeBegunRows < 0 && b.MergeBegunRows >= 0:
			return 1
		}
		return 0
	})

	merged := 0
	var errs []error
	for _, f := range files {
		if err := mergeFile(tr, s, &f, logger); err != nil {
			var illegal *track.IllegalTransitionError
			if errors.As(err, &illegal) {
				// Corruption or a logic bug; never plough on past it.
				return merged, err
			}
			logger.Error("merge failed, file left for retry",
				"lab", lab, "file", f.Filename, "error", err)
			errs = append(errs, fmt.Errorf("%s/%s: %w", lab, f.Filename, err))
			continue
		}
		merged++
	}
	return merged, errors.Join(errs...)
}

func mergeFile(tr *track.Tracker, s *workspace.Settings, f *track.File, logger *slog.Logger) error {
	combinedPath := s.CombinedPath(f.Lab)
	artifactPath := filepath.Join(s.IntermediateDir(), f.Artifact)

	combinedRows, err := tabfile.CountDataRows(combinedPath)
	if os.IsNotExist(err) {
		combinedRows = 0
	} else if err != nil {
		return err
	}

	// Crash recovery: a merge that began but never recorded MERGED either
	// committed its combined replacement or it didn't. The pre-append row
	// count recorded in the ledger says which, so the append happens at
	// most once no matter where the previous run died.
	if f.MergeBegunRows >= 0 {
		switch combinedRows {
		case f.MergeBegunRows + f.ArtifactRows:
			logger.Warn("recovering interrupted merge: append had committed",
				"lab", f.Lab, "file", f.Filename)
			return finishMerge(tr, f, artifactPath)
		case f.MergeBegunRows:
			logger.Warn("recovering interrupted merge: redoing append",
				"lab", f.Lab, "file", f.Filename)
		default:
			return fmt.Errorf("combined dataset has %d rows, expected %d or %d: manual repair needed",
				combinedRows, f.MergeBegunRows, f.MergeBegunRows+f.ArtifactRows)
		}
	} else if err := tr.BeginMerge(f.Lab, f.Filename, combinedRows); err != nil {
		return err
	}

	artifact, err := tabfile.ReadAll(artifactPath)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	if len(artifact) == 0 || !slices.Equal(artifact[0], convert.Header) {
		return fmt.Errorf("artifact %s has unexpected header", f.Artifact)
	}
	if len(artifact)-1 != f.ArtifactRows {
		return fmt.Errorf("artifact %s has %d rows, tracker recorded %d",
			f.Artifact, len(artifact)-1, f.ArtifactRows)
	}

	existing := [][]string{convert.Header}
	if combinedRows > 0 || fileExists(combinedPath) {
		existing, err = tabfile.ReadAll(combinedPath)
		if err != nil {
			return fmt.Errorf("read combined: %w", err)
		}
	}

	next := make([][]string, 0, len(existing)+len(artifact)-1)
	next = append(next, existing...)
	next = append(next, artifact[1:]...)

	if err := checkMonthGrowth(existing, next); err != nil {
		return err
	}

	if err := tabfile.WriteAtomic(combinedPath, next); err != nil {
		return fmt.Errorf("replace combined: %w", err)
	}
	return finishMerge(tr, f, artifactPath)
}

// finishMerge records MERGED durably, then retires the artifact. The order
// matters: the artifact is only disposable once the ledger says so.
func finishMerge(tr *track.Tracker, f *track.File, artifactPath string) error {
	if err := tr.MarkMerged(f.Lab, f.Filename); err != nil {
		return err
	}
	if err := os.Remove(artifactPath); err != nil && !os.IsNotExist(err) {
		// The merge itself succeeded; a stray artifact is recoverable
		// (it will be re-retired on the next recovery pass).
		return nil
	}
	return nil
}

// checkMonthGrowth compares the previously-latest month's record count
// before and after the append.
func checkMonthGrowth(existing, next [][]string) error {
	if len(existing) <= 1 {
		return nil
	}
	latest := ""
	counts := 0
	for _, row := range existing[1:] {
		switch {
		case row[0] > latest:
			latest, counts = row[0], 1
		case row[0] == latest:
			counts++
		}
	}
	after := 0
	for _, row := range next[1:] {
		if row[0] == latest {
			after++
		}
	}
	if float64(after-counts) >= monthGrowthLimit*float64(counts) {
		return fmt.Errorf("month %s grew from %d to %d records, over the %.0f%% double-append guard",
			latest, counts, after, monthGrowthLimit*100)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
