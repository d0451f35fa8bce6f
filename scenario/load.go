package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ResolvePaths expands files, directories and glob patterns to scenario files.
// Directories contribute every *.yaml and *.yml file below them.
//
// Examples:
//   - "scenarios/cancel.yaml" → that file
//   - "scenarios" → scenarios/**/*.{yaml,yml}
//   - "suites/**/smoke_*.yaml" → matching files at any depth
func ResolvePaths(patterns []string) ([]string, error) {
	var resolved []string
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		paths, err := resolvePattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("resolve pattern %q: %w", pattern, err)
		}
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				resolved = append(resolved, p)
			}
		}
	}

	return resolved, nil
}

func resolvePattern(pattern string) ([]string, error) {
	if !containsGlob(pattern) {
		info, err := os.Stat(pattern)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return []string{filepath.Clean(pattern)}, nil
		}
		pattern = filepath.Join(pattern, "**", "*.{yaml,yml}")
	}

	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob error: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no scenario files match")
	}
	sort.Strings(matches)
	return matches, nil
}

// containsGlob checks if a pattern contains glob characters.
func containsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// LoadFile parses one YAML document. It does not validate.
func LoadFile(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	scenarios, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range scenarios {
		scenarios[i].Source = path
	}
	return scenarios, nil
}

// Parse decodes a YAML document holding either a scenarios list or one scenario.
func Parse(data []byte) ([]Scenario, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Scenarios) > 0 {
		return doc.Scenarios, nil
	}
	if doc.Scenario.Name != "" || len(doc.Scenario.Turns) > 0 {
		return []Scenario{doc.Scenario}, nil
	}
	return nil, fmt.Errorf("document contains no scenarios")
}

// Load resolves patterns, parses every file and validates the whole set.
func Load(patterns []string) ([]Scenario, error) {
	paths, err := ResolvePaths(patterns)
	if err != nil {
		return nil, err
	}

	var all []Scenario
	for _, p := range paths {
		scenarios, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		all = append(all, scenarios...)
	}

	if err := ValidateAll(all); err != nil {
		return nil, err
	}
	return all, nil
}
