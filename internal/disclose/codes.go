package disclose

import (
	"fmt"
	"log/slog"
	"os"

	"labpipe/internal/tabfile"
	"labpipe/internal/workspace"
)

// codeMapping maps a lab's local test codes onto canonical ones, built
// from the manually-curated test-code lookup. Local codes with no entry
// are dropped entirely: unmapped tests are not fit for publication.
type codeMapping map[string]string

// loadCodeMapping builds the mapping for one lab from the fetched
// test-code table. Labs with no alias columns configured get a nil
// mapping, which passes codes through untouched.
func loadCodeMapping(s *workspace.Settings, lab string, logger *slog.Logger) (codeMapping, error) {
	aliasCols := s.TestCodeAliases[lab]
	if len(aliasCols) == 0 {
		return nil, nil
	}

	rows, err := tabfile.ReadAll(s.TestCodesPath())
	if os.IsNotExist(err) {
		logger.Warn("test-code table missing, codes published unmapped; run fetch",
			"lab", lab, "path", s.TestCodesPath())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[name] = i
	}
	canonicalCol, ok := col["datalab_testcode"]
	if !ok {
		return nil, fmt.Errorf("test-code table lacks datalab_testcode column")
	}
	nameCol, hasName := col["testname"]
	showCol, hasShow := col["show_in_app?"]

	mapping := make(codeMapping)
	seenCanonical := make(map[string]bool)
	seenNames := make(map[string]bool)
	for _, row := range rows[1:] {
		if hasShow && row[showCol] != "True" {
			continue
		}
		canonical := row[canonicalCol]
		if canonical == "" {
			continue
		}
		if seenCanonical[canonical] {
			return nil, fmt.Errorf("test-code table has duplicate canonical code %q", canonical)
		}
		seenCanonical[canonical] = true
		if hasName {
			if name := row[nameCol]; name != "" {
				if seenNames[name] {
					return nil, fmt.Errorf("test-code table has duplicate test name %q", name)
				}
				seenNames[name] = true
			}
		}

		// The canonical code always maps to itself; alias columns add
		// the lab's historical spellings.
		mapping[canonical] = canonical
		for _, alias := range aliasCols {
			idx, ok := col[alias]
			if !ok {
				return nil, fmt.Errorf("test-code table lacks alias column %q for lab %s", alias, lab)
			}
			if local := row[idx]; local != "" && local != canonical {
				mapping[local] = canonical
			}
		}
	}
	return mapping, nil
}

// apply maps one local code. ok is false when the code must be dropped.
func (m codeMapping) apply(code string) (string, bool) {
	if m == nil {
		return code, true
	}
	canonical, ok := m[code]
	return canonical, ok
}
