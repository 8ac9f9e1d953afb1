// Package config provides loading utilities for the per-mode policy file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// ModePolicy is the budget and tool envelope for one job mode.
type ModePolicy struct {
	StepCap       int      `yaml:"step_cap"`
	TokenCap      int      `yaml:"token_cap"`
	CostCapCents  int      `yaml:"cost_cap_cents"`
	TimeCapS      int      `yaml:"time_cap_s"`
	AllowedRisks  []string `yaml:"allowed_risks"`
	PatchMaxFiles int      `yaml:"patch_max_files"`
	PatchMaxLines int      `yaml:"patch_max_lines"`
}

// ModePolicies maps a job mode to its policy.
type ModePolicies map[domain.JobMode]ModePolicy

type modePolicyYAML struct {
	Modes map[string]ModePolicy `yaml:"modes"`
}

// DefaultModePolicies returns the compiled-in policies. Mechanic stays cheap
// and reversible; genius gets the full catalog and bigger budgets.
func DefaultModePolicies() ModePolicies {
	return ModePolicies{
		domain.ModeMechanic: {
			StepCap:       20,
			TokenCap:      50000,
			CostCapCents:  100,
			TimeCapS:      900,
			AllowedRisks:  []string{"safe", "reversible"},
			PatchMaxFiles: 5,
			PatchMaxLines: 200,
		},
		domain.ModeGenius: {
			StepCap:      100,
			TokenCap:     200000,
			CostCapCents: 500,
			TimeCapS:     3600,
			AllowedRisks: []string{"safe", "reversible", "dangerous"},
		},
	}
}

// LoadModePolicies parses a mode policy YAML file. Missing modes keep their
// compiled-in defaults so a partial file only overrides what it names.
func LoadModePolicies(filePath string) (ModePolicies, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadModePolicies: %w", err)
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadModePolicies: %w", err)
	}
	var parsed modePolicyYAML
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return nil, fmt.Errorf("op=config.LoadModePolicies: %w", err)
	}

	policies := DefaultModePolicies()
	for name, p := range parsed.Modes {
		mode := domain.JobMode(name)
		if !mode.Valid() {
			return nil, fmt.Errorf("op=config.LoadModePolicies: %w: unknown mode %q", domain.ErrInvalidArgument, name)
		}
		policies[mode] = p
	}
	return policies, nil
}

// GetModePolicies loads the configured policy file, falling back to the
// compiled-in defaults when no file is configured or it cannot be read.
func (c Config) GetModePolicies() ModePolicies {
	if c.ModePolicyFile == "" {
		return DefaultModePolicies()
	}
	policies, err := LoadModePolicies(c.ModePolicyFile)
	if err != nil {
		return DefaultModePolicies()
	}
	return policies
}

// CapsFor resolves the default caps a new job of the given mode receives.
func (p ModePolicies) CapsFor(mode domain.JobMode) domain.Caps {
	mp, ok := p[mode]
	if !ok {
		mp = DefaultModePolicies()[domain.ModeMechanic]
	}
	return domain.Caps{
		StepCap:      mp.StepCap,
		TokenCap:     mp.TokenCap,
		CostCapCents: mp.CostCapCents,
		TimeCapS:     mp.TimeCapS,
	}
}

// AllowsRisk reports whether the mode may invoke a tool with the given risk hint.
func (p ModePolicies) AllowsRisk(mode domain.JobMode, risk string) bool {
	mp, ok := p[mode]
	if !ok {
		return false
	}
	for _, r := range mp.AllowedRisks {
		if r == risk {
			return true
		}
	}
	return false
}

// PatchLimits returns the per-patch file and line caps; zero means unlimited.
func (p ModePolicies) PatchLimits(mode domain.JobMode) (maxFiles, maxLines int) {
	mp := p[mode]
	return mp.PatchMaxFiles, mp.PatchMaxLines
}
