package disclose

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"labpipe/internal/refrange"
	"labpipe/internal/tabfile"
	"labpipe/internal/workspace"
)

// oddThreshold flags error codes that make up more than this fraction of
// a test's published cells.
const oddThreshold = 0.1

// Odd is one suspicious (test, lab, category) combination.
type Odd struct {
	TestCode string
	LabID    string
	Category refrange.Category
	Fraction float64
}

// Oddness scans the final dataset for tests where classification error
// codes dominate, which usually means a lab changed its extract format or
// its reference-range table went stale.
func Oddness(s *workspace.Settings) ([]Odd, error) {
	rows, err := tabfile.ReadAll(s.FinalPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(rows) <= 1 {
		return nil, nil
	}

	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[name] = i
	}

	type tlKey struct{ test, lab string }
	type tlcKey struct {
		test, lab string
		category  int
	}
	totals := make(map[tlKey]int)
	errCells := make(map[tlcKey]int)
	for _, row := range rows[1:] {
		test := row[col["test_code"]]
		lab := row[col["lab_id"]]
		totals[tlKey{test, lab}]++
		category, err := strconv.Atoi(row[col["result_category"]])
		if err != nil {
			return nil, fmt.Errorf("bad result_category %q in final dataset", row[col["result_category"]])
		}
		if category > int(refrange.OverRange) {
			errCells[tlcKey{test, lab, category}]++
		}
	}

	var odd []Odd
	for key, n := range errCells {
		fraction := float64(n) / float64(totals[tlKey{key.test, key.lab}])
		if fraction > oddThreshold {
			odd = append(odd, Odd{
				TestCode: key.test,
				LabID:    key.lab,
				Category: refrange.Category(key.category),
				Fraction: fraction,
			})
		}
	}
	sort.Slice(odd, func(i, j int) bool {
		if odd[i].LabID != odd[j].LabID {
			return odd[i].LabID < odd[j].LabID
		}
		if odd[i].TestCode != odd[j].TestCode {
			return odd[i].TestCode < odd[j].TestCode
		}
		return odd[i].Category < odd[j].Category
	})
	return odd, nil
}
