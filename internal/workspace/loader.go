package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	yaml "gopkg.in/yaml.v3"
)

// Defaults returns a Settings populated with default values, rooted at baseDir.
func Defaults(baseDir string) *Settings {
	return &Settings{
		BaseDir:       baseDir,
		SuppressUnder: DefaultSuppressUnder,
		AdultAge:      DefaultAdultAge,
	}
}

// LoadFromPath reads a settings YAML file and merges it over Defaults.
// A missing file is not an error: the defaults are returned unchanged.
func LoadFromPath(path, baseDir string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(baseDir), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Load(data, baseDir)
}

// Load parses settings from YAML bytes over Defaults.
func Load(data []byte, baseDir string) (*Settings, error) {
	s := Defaults(baseDir)
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings yaml: %w", err)
	}
	if s.BaseDir == "" {
		s.BaseDir = baseDir
	}
	if s.SuppressUnder < 2 {
		return nil, fmt.Errorf("suppress_under must be at least 2, got %d", s.SuppressUnder)
	}
	return s, nil
}

// EnsureDirs creates the intermediate and final data directories.
func (s *Settings) EnsureDirs() error {
	for _, dir := range []string{s.IntermediateDir(), s.FinalDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
