package divvy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// A Definition is the parsed form of a task definition file: the name of
// a registered task plus the free-form params handed to its factory.
// Master and worker processes load the same file, so a definition fully
// determines the task on both sides of the rendezvous.
type Definition struct {
	Task   string         `yaml:"task"`
	Params map[string]any `yaml:"params"`
}

// LoadDefinition reads and parses a YAML task definition file.
func LoadDefinition(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("divvy: read task definition: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("divvy: parse task definition %s: %w", path, err)
	}

	if def.Task == "" {
		return nil, fmt.Errorf("divvy: task definition %s names no task", path)
	}

	return &def, nil
}

// Build constructs the task the definition names, resolved against r.
func (d *Definition) Build(r *Registry) (Task, error) {
	return r.Build(d.Task, d.Params)
}
