package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// RulePack is an optional YAML overlay tightening the built-in policy. It
// can add sensitive path fragments, blocked command patterns and allowed
// roots; it cannot remove or relax anything built in.
type RulePack struct {
	Name            string        `yaml:"name"`
	SensitivePaths  []string      `yaml:"sensitive_paths"`
	BlockedCommands []PackPattern `yaml:"blocked_commands"`
	AllowedRoots    []string      `yaml:"allowed_roots"`
}

// PackPattern is one additional blocked-command pattern.
type PackPattern struct {
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description"`
}

// LoadRulePack reads and validates a YAML rule pack. Every pattern must
// compile; a malformed pack is rejected whole rather than partially applied.
func LoadRulePack(path string) (*RulePack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read rule pack %s: %w", path, err)
	}
	var pack RulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("config: parse rule pack %s: %w", path, err)
	}
	for _, p := range pack.BlockedCommands {
		if p.Pattern == "" {
			return nil, fmt.Errorf("config: rule pack %s: empty pattern", path)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return nil, fmt.Errorf("config: rule pack %s: pattern %q: %w", path, p.Pattern, err)
		}
	}
	return &pack, nil
}

// CompiledPatterns returns the pack's blocked-command patterns compiled.
// LoadRulePack already validated them, so compilation cannot fail here.
func (p *RulePack) CompiledPatterns() []CompiledPackPattern {
	out := make([]CompiledPackPattern, 0, len(p.BlockedCommands))
	for _, bp := range p.BlockedCommands {
		out = append(out, CompiledPackPattern{
			Pattern:     regexp.MustCompile(bp.Pattern),
			Description: bp.Description,
		})
	}
	return out
}

// CompiledPackPattern pairs a compiled pattern with its description.
type CompiledPackPattern struct {
	Pattern     *regexp.Regexp
	Description string
}
