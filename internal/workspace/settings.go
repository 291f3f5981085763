package workspace

import (
	"fmt"
	"path/filepath"
	"time"
)

// Default values applied by Load when the settings file leaves them unset.
const (
	// DefaultSuppressUnder is the low-number suppression threshold:
	// aggregate counts below this value are replaced by a band string.
	DefaultSuppressUnder = 6

	// DefaultAdultAge is the minimum age for which results are published.
	DefaultAdultAge = 18

	// DefaultRangeCeiling is the open-ended upper age bound in
	// reference-range tables.
	DefaultRangeCeiling = 120

	// DefaultDateFloorYears bounds how far back extracts are accepted.
	DefaultDateFloorYears = 5
)

// Settings holds the workspace configuration shared by every pipeline stage:
// directory layout, suppression parameters and per-lab lookup options.
type Settings struct {
	// BaseDir is the working directory holding the tracker DB and the
	// intermediate and final data directories.
	BaseDir string `yaml:"base_dir"`

	// EnvPrefix namespaces generated files (e.g. "test_") so test runs
	// never collide with production data.
	EnvPrefix string `yaml:"env_prefix"`

	// SuppressUnder is the low-number suppression threshold.
	SuppressUnder int `yaml:"suppress_under"`

	// AdultAge is the minimum subject age accepted into published data.
	AdultAge int `yaml:"adult_age"`

	// DateFloor is the oldest month accepted at conversion time,
	// formatted YYYY/MM/DD. Empty means DefaultDateFloorYears before now.
	DateFloor string `yaml:"date_floor"`

	// Parallel is the converter worker-pool size. 1 disables parallelism.
	// 0 means runtime.NumCPU, resolved by the pipeline.
	Parallel int `yaml:"parallel"`

	// TestCodeAliases names, per lab, the columns of the test-code lookup
	// that carry local aliases for the canonical code.
	TestCodeAliases map[string][]string `yaml:"test_code_aliases"`

	// PracticesURL and PracticeStatsURL are the endpoints the fetch
	// command combines into the practice lookup table.
	PracticesURL     string `yaml:"practices_url"`
	PracticeStatsURL string `yaml:"practice_stats_url"`

	// TestCodesURL is the endpoint for the canonical test-code table.
	TestCodesURL string `yaml:"test_codes_url"`

	// AdapterConfig is the path to the lab adapter definitions file.
	AdapterConfig string `yaml:"adapter_config"`
}

// IntermediateDir is where converted and combined per-lab CSVs live.
func (s *Settings) IntermediateDir() string {
	return filepath.Join(s.BaseDir, "intermediate_data")
}

// FinalDir is where processed, final and lookup CSVs live. Only files in
// this directory may leave the secure environment.
func (s *Settings) FinalDir() string {
	return filepath.Join(s.BaseDir, "final_data")
}

// TrackerPath is the location of the input-file lifecycle database.
func (s *Settings) TrackerPath() string {
	return filepath.Join(s.BaseDir, s.EnvPrefix+"processed.db")
}

// CombinedPath is the append-only accumulation of all merged records for a lab.
func (s *Settings) CombinedPath(lab string) string {
	return filepath.Join(s.IntermediateDir(), fmt.Sprintf("%scombined_%s.csv", s.EnvPrefix, lab))
}

// ProcessedPath is the disclosure-controlled per-lab dataset.
func (s *Settings) ProcessedPath(lab string) string {
	return filepath.Join(s.IntermediateDir(), fmt.Sprintf("%sprocessed_%s.csv", s.EnvPrefix, lab))
}

// FinalPath is the concatenation of every lab's processed dataset.
func (s *Settings) FinalPath() string {
	return filepath.Join(s.FinalDir(), s.EnvPrefix+"all_processed.csv")
}

// PracticesPath is the fetched practice lookup table.
func (s *Settings) PracticesPath() string {
	return filepath.Join(s.FinalDir(), "practice_codes.csv")
}

// TestCodesPath is the fetched canonical test-code table.
func (s *Settings) TestCodesPath() string {
	return filepath.Join(s.FinalDir(), "test_codes.csv")
}

// SuppressString is the band that replaces suppressed counts, e.g. "1-5"
// for a threshold of 6.
func (s *Settings) SuppressString() string {
	return fmt.Sprintf("1-%d", s.SuppressUnder-1)
}

// DateFloorValue resolves DateFloor to a YYYY/MM/DD string, defaulting to
// DefaultDateFloorYears before now.
func (s *Settings) DateFloorValue(now time.Time) string {
	if s.DateFloor != "" {
		return s.DateFloor
	}
	return now.AddDate(-DefaultDateFloorYears, 0, 0).Format("2006/01/02")
}
