// Package persona loads the agent's identity: the display name used in
// transcript labels and reply markers, and the aliases mention detection
// matches against.
package persona

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is the agent identity loaded from a YAML file.
type Persona struct {
	FirstName string   `yaml:"first_name"`
	LastName  string   `yaml:"last_name"`
	Aliases   []string `yaml:"aliases"`
}

// DisplayName is the full name as it appears in transcript labels and
// the reply split marker.
func (p Persona) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// MentionAliases returns the configured aliases plus the name parts, so
// the agent reacts to its first name even when no alias lists it.
func (p Persona) MentionAliases() []string {
	seen := make(map[string]bool)
	var aliases []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		aliases = append(aliases, s)
	}
	for _, a := range p.Aliases {
		add(a)
	}
	add(p.FirstName)
	add(p.LastName)
	return aliases
}

// Load reads a persona file and validates it.
func Load(path string, logger *slog.Logger) (Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona file: %w", err)
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Persona{}, fmt.Errorf("parse persona file: %w", err)
	}
	if strings.TrimSpace(p.FirstName) == "" {
		return Persona{}, fmt.Errorf("persona %s: first_name is required", path)
	}

	logger.Info("persona loaded", "name", p.DisplayName(), "aliases", len(p.MentionAliases()), "path", path)
	return p, nil
}
