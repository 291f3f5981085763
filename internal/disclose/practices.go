package disclose

import (
	"log/slog"
	"os"

	"labpipe/internal/tabfile"
	"labpipe/internal/workspace"
)

// practiceMeta is the metadata joined onto published rows.
type practiceMeta struct {
	ccg      string
	name     string
	listSize string
}

// practiceTable indexes the fetched practice lookup by (month, practice).
// A nil table (lookup never fetched) passes rows through with blank
// metadata rather than silently dropping an entire lab's output.
type practiceTable struct {
	byKey map[[2]string]practiceMeta
}

func loadPractices(s *workspace.Settings, logger *slog.Logger) (*practiceTable, error) {
	rows, err := tabfile.ReadAll(s.PracticesPath())
	if os.IsNotExist(err) {
		logger.Warn("practice table missing, metadata join skipped; run fetch",
			"path", s.PracticesPath())
		return &practiceTable{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(rows) <= 1 {
		return &practiceTable{}, nil
	}

	// Columns: ccg_id, practice_id, practice_name, month, total_list_size.
	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[name] = i
	}
	t := &practiceTable{byKey: make(map[[2]string]practiceMeta, len(rows)-1)}
	for _, row := range rows[1:] {
		key := [2]string{row[col["month"]], row[col["practice_id"]]}
		t.byKey[key] = practiceMeta{
			ccg:      row[col["ccg_id"]],
			name:     row[col["practice_name"]],
			listSize: row[col["total_list_size"]],
		}
	}
	return t, nil
}

// lookup returns the metadata for a (month, practice) pair. With a loaded
// table, pairs not present are dropped (ok=false), which both adds the
// metadata and removes odd or otherwise unmappable practices.
func (t *practiceTable) lookup(month, practice string) (practiceMeta, bool) {
	if t.byKey == nil {
		return practiceMeta{listSize: "0"}, true
	}
	meta, ok := t.byKey[[2]string{month, practice}]
	return meta, ok
}
