package db

import (
	"fmt"
	"os"

	"github.com/formahq/forma/internal/store/memstore"
)

type Config struct {
	// Fixture is an optional YAML seed file loaded at startup. An empty
	// value starts with an empty store.
	Fixture string `conf:"fixture" yaml:"fixture" json:"fixture"`
}

func NewStore(cfg Config) (*memstore.Store, error) {
	if cfg.Fixture == "" {
		return memstore.New(), nil
	}

	data, err := os.ReadFile(cfg.Fixture)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", cfg.Fixture, err)
	}

	st, err := memstore.FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("load fixture %s: %w", cfg.Fixture, err)
	}

	return st, nil
}
