package state

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is one token entry of a seed file.
type Seed struct {
	Token map[string]any `yaml:"token"`
	Menu  []MenuItem     `yaml:"menu"`
}

// LoadSeed reads a YAML list of seeds.
func LoadSeed(path string) ([]Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(b)
}

func ParseSeed(b []byte) ([]Seed, error) {
	var seeds []Seed
	if err := yaml.Unmarshal(b, &seeds); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, sd := range seeds {
		if sd.Token == nil {
			return nil, fmt.Errorf("parse seed: entry %d has no token", i)
		}
	}
	return seeds, nil
}

// Apply loads seeds into the store.
func (s *Store) Apply(seeds []Seed) error {
	for _, sd := range seeds {
		id, err := s.Put(sd.Token)
		if err != nil {
			return err
		}
		if sd.Menu != nil {
			s.SetMenu(id, sd.Menu)
		}
	}
	return nil
}
