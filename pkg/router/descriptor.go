// Package router scores and selects the best agent backend for each task.
// One strategy is active at a time; every decision is recorded in a bounded
// history ring for statistics.
package router

// Descriptor is the static record for one backend type: its capability tags
// and the priority rank of each capability (1 is best). Loaded at startup,
// never mutated.
type Descriptor struct {
	Type         string         `yaml:"type" json:"type"`
	Capabilities []string       `yaml:"capabilities" json:"capabilities"`
	Priority     map[string]int `yaml:"priority" json:"priority"`
}

// DefaultDescriptors returns the built-in capability table for the known
// backends. Declaration order matters: ties in scoring resolve to the
// earliest declared type.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			Type:         "claude",
			Capabilities: []string{"code_generation", "code_review", "analysis", "documentation", "refactoring", "testing"},
			Priority: map[string]int{
				"code_generation": 1,
				"code_review":     1,
				"analysis":        1,
				"documentation":   2,
				"refactoring":     2,
				"testing":         2,
			},
		},
		{
			Type:         "goose",
			Capabilities: []string{"automation", "migration", "scaffolding", "code_generation", "testing"},
			Priority: map[string]int{
				"automation":      1,
				"migration":       1,
				"scaffolding":     2,
				"code_generation": 3,
				"testing":         3,
			},
		},
		{
			Type:         "aider",
			Capabilities: []string{"refactoring", "editing", "bugfix", "code_review"},
			Priority: map[string]int{
				"refactoring": 1,
				"editing":     1,
				"bugfix":      2,
				"code_review": 3,
			},
		},
		{
			Type:         "codex",
			Capabilities: []string{"completion", "code_generation", "translation", "documentation"},
			Priority: map[string]int{
				"completion":      1,
				"code_generation": 2,
				"translation":     2,
				"documentation":   3,
			},
		},
	}
}
