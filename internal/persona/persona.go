// Package persona loads the agent's character definitions from YAML files
// and assembles the per-turn prompt. A persona owns the system prompt text;
// which persona speaks is chosen by configuration, not by the caller.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is one character the agent can speak as. ID is the file name
// without extension and is what configuration refers to.
type Persona struct {
	ID           string `yaml:"-"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"system_prompt"`
}

// Store holds every persona found in the persona directory plus the
// configured current selection.
type Store struct {
	personas map[string]*Persona
	current  string
}

// NewStore loads all *.yaml persona files from dir. A missing directory is
// not an error; the store is simply empty and Current returns nil.
func NewStore(dir, current string) (*Store, error) {
	s := &Store{
		personas: make(map[string]*Persona),
		current:  current,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read persona dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		p, err := loadPersona(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		s.personas[p.ID] = p
	}
	return s, nil
}

func loadPersona(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona %s: %w", path, err)
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return nil, fmt.Errorf("persona %s: system_prompt is required", path)
	}

	base := filepath.Base(path)
	p.ID = strings.TrimSuffix(base, filepath.Ext(base))
	if p.Name == "" {
		p.Name = p.ID
	}
	return &p, nil
}

// Current returns the configured persona, or nil when none is configured
// or the configured id does not exist. Callers decide whether nil is fatal.
func (s *Store) Current() *Persona {
	if s.current == "" {
		return nil
	}
	return s.personas[s.current]
}

// Get retrieves a persona by id, or nil when not found.
func (s *Store) Get(id string) *Persona {
	return s.personas[id]
}

// List returns all persona ids in sorted order.
func (s *Store) List() []string {
	ids := make([]string, 0, len(s.personas))
	for id := range s.personas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
