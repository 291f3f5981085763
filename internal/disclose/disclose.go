// Package disclose applies statistical disclosure control to a lab's
// combined dataset and assembles the final publishable artifact. It always
// recomputes over the entire accumulated history: low-number suppression
// is a global statistic, so there is no incremental path.
package disclose

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"labpipe/internal/tabfile"
	"labpipe/internal/workspace"
)

// Header is the column contract of processed and final datasets.
var Header = []string{
	"ccg_id", "practice_id", "count", "error", "lab_id",
	"practice_name", "result_category", "test_code", "total_list_size",
}

// suppressedEstimate stands in for a banded count downstream, with
// suppressedError as its margin.
const (
	suppressedEstimate = 3
	suppressedError    = 2
)

// trimFraction drops lead-in months: any month whose total count is not
// above this fraction of the busiest month is noise from before the lab
// reported in earnest.
const trimFraction = 0.05

type aggKey struct {
	month    string
	test     string
	practice string
	category string
}

type aggRow struct {
	key        aggKey
	count      int  // estimated count (3 when suppressed)
	suppressed bool // published as the band string instead of a number
}

// Anonymise recomputes the lab's disclosure-controlled dataset from its
// whole combined dataset and writes it atomically. Returns the processed
// path, or "" when the lab has no combined data yet. Running it twice on
// an unchanged combined dataset yields byte-identical output.
func Anonymise(s *workspace.Settings, lab string, logger *slog.Logger) (string, error) {
	combined, err := tabfile.ReadAll(s.CombinedPath(lab))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(combined) <= 1 {
		return "", nil
	}

	mapping, err := loadCodeMapping(s, lab, logger)
	if err != nil {
		return "", fmt.Errorf("anonymise %s: %w", lab, err)
	}

	rows := aggregate(combined[1:], mapping, s.SuppressUnder)
	rows = trimLeadInMonths(rows)

	practices, err := loadPractices(s, logger)
	if err != nil {
		return "", fmt.Errorf("anonymise %s: %w", lab, err)
	}

	out := [][]string{Header}
	for _, r := range rows {
		meta, ok := practices.lookup(r.key.month, r.key.practice)
		if !ok {
			// Unmappable practices are removed from published data.
			continue
		}
		count := strconv.Itoa(r.count)
		errMargin := "0"
		if r.suppressed {
			count = s.SuppressString()
			errMargin = strconv.Itoa(suppressedError)
		}
		out = append(out, []string{
			meta.ccg, r.key.practice, count, errMargin, lab,
			meta.name, r.key.category, r.key.test, meta.listSize,
		})
	}

	path := s.ProcessedPath(lab)
	if err := tabfile.WriteAtomic(path, out); err != nil {
		return "", fmt.Errorf("anonymise %s: %w", lab, err)
	}
	return path, nil
}

// aggregate counts records per (month, test, practice, category) cell,
// mapping test codes first, and applies low-number suppression. Output is
// sorted so repeated runs produce identical bytes.
func aggregate(records [][]string, mapping codeMapping, suppressUnder int) []aggRow {
	counts := make(map[aggKey]int)
	for _, rec := range records {
		test, ok := mapping.apply(rec[1])
		if !ok {
			continue
		}
		key := aggKey{month: rec[0], test: test, practice: rec[2], category: rec[3]}
		counts[key]++
	}

	rows := make([]aggRow, 0, len(counts))
	for key, n := range counts {
		r := aggRow{key: key, count: n}
		if n < suppressUnder {
			r.count = suppressedEstimate
			r.suppressed = true
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].key, rows[j].key
		if a.month != b.month {
			return a.month < b.month
		}
		if a.test != b.test {
			return a.test < b.test
		}
		if a.practice != b.practice {
			return a.practice < b.practice
		}
		return a.category < b.category
	})
	return rows
}

// trimLeadInMonths removes months whose estimated totals fall at or below
// trimFraction of the busiest month.
func trimLeadInMonths(rows []aggRow) []aggRow {
	totals := make(map[string]int)
	for _, r := range rows {
		totals[r.key.month] += r.count
	}
	max := 0
	for _, n := range totals {
		if n > max {
			max = n
		}
	}
	kept := rows[:0]
	for _, r := range rows {
		if float64(totals[r.key.month]) > trimFraction*float64(max) {
			kept = append(kept, r)
		}
	}
	return kept
}

// Aggregate concatenates every lab's processed dataset, ordered by
// filename (hence by lab id), into the final artifact.
func Aggregate(s *workspace.Settings) (string, error) {
	pattern := filepath.Join(s.IntermediateDir(), s.EnvPrefix+"processed_*.csv")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob processed datasets: %w", err)
	}
	sort.Strings(paths)

	out := [][]string{Header}
	for _, path := range paths {
		rows, err := tabfile.ReadAll(path)
		if err != nil {
			return "", fmt.Errorf("aggregate %s: %w", path, err)
		}
		if len(rows) == 0 {
			continue
		}
		out = append(out, rows[1:]...)
	}

	final := s.FinalPath()
	if err := tabfile.WriteAtomic(final, out); err != nil {
		return "", fmt.Errorf("write final dataset: %w", err)
	}
	return final, nil
}
