// Package adapters builds the lab adapter registry from the adapter
// definitions file named by the workspace settings.
package adapters

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"labpipe/adapters/banded"
	"labpipe/adapters/delimited"
	"labpipe/internal/source"
)

type labEntry struct {
	Lab       string           `yaml:"lab_code"`
	Kind      string           `yaml:"kind"`
	Delimited delimited.Config `yaml:"delimited"`
	Banded    banded.Config    `yaml:"banded"`
}

type configFile struct {
	Labs []labEntry `yaml:"labs"`
}

// Load reads the adapter definitions at path and returns a registry with
// one adapter per declared lab.
func Load(path string) (*source.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("adapters: read %s: %w", path, err)
	}

	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("adapters: parse %s: %w", path, err)
	}
	if len(cfg.Labs) == 0 {
		return nil, fmt.Errorf("adapters: %s declares no labs", path)
	}

	reg := source.NewRegistry()
	for _, entry := range cfg.Labs {
		var (
			a   source.Adapter
			err error
		)
		switch entry.Kind {
		case "delimited":
			a, err = delimited.New(entry.Lab, entry.Delimited)
		case "banded":
			a, err = banded.New(entry.Lab, entry.Banded)
		default:
			err = fmt.Errorf("unknown adapter kind %q", entry.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("adapters: lab %q: %w", entry.Lab, err)
		}
		if err := reg.Add(a); err != nil {
			return nil, fmt.Errorf("adapters: %w", err)
		}
	}
	return reg, nil
}
