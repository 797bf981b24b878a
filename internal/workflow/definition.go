package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ankittk/aide/internal/template"
)

// ParseDefinition decodes a YAML (or JSON) workflow definition and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads and parses a definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// LoadDefinitions loads every *.yaml, *.yml and *.json file in dir keyed by
// workflow name. A missing dir yields an empty map.
func LoadDefinitions(dir string) (map[string]*Definition, error) {
	out := map[string]*Definition{}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := out[def.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate workflow name %q in %s", ErrInvalidDefinition, def.Name, e.Name())
		}
		out[def.Name] = def
	}
	return out, nil
}

// SortedNames returns the keys of defs in order.
func SortedNames(defs map[string]*Definition) []string {
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks structural rules and reports every problem found.
func (d *Definition) Validate() error {
	var problems []string
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if len(d.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}
	seen := map[string]bool{}
	for i, s := range d.Steps {
		switch {
		case s.ID == "":
			problems = append(problems, fmt.Sprintf("steps[%d]: id is required", i))
		case strings.ContainsAny(s.ID, ". \t"):
			problems = append(problems, fmt.Sprintf("steps[%d]: id %q must not contain dots or spaces", i, s.ID))
		case seen[s.ID]:
			problems = append(problems, fmt.Sprintf("steps[%d]: duplicate id %q", i, s.ID))
		}
		if s.Tool == "" {
			problems = append(problems, fmt.Sprintf("step %q: tool is required", s.ID))
		}
		if s.Gate != nil && s.Gate.Kind != GateApprovalRequired && s.Gate.Kind != GateNotify {
			problems = append(problems, fmt.Sprintf("step %q: unknown gate kind %q", s.ID, s.Gate.Kind))
		}
		if p := s.OnError; p != nil {
			switch p.Action {
			case ErrorFail, ErrorSkip, "":
			case ErrorRetry:
				if p.MaxRetries < 0 {
					problems = append(problems, fmt.Sprintf("step %q: max_retries must be >= 0", s.ID))
				}
			default:
				problems = append(problems, fmt.Sprintf("step %q: unknown on_error action %q", s.ID, p.Action))
			}
		}
		refs := template.Variables(map[string]any(s.Params))
		if s.Gate != nil {
			refs = append(refs, template.Variables(s.Gate.Message)...)
			refs = append(refs, template.Variables(s.Gate.Preview)...)
		}
		for _, ref := range refs {
			parts := strings.Split(ref, ".")
			if parts[0] != "steps" {
				continue
			}
			if len(parts) < 3 || !seen[parts[1]] {
				problems = append(problems, fmt.Sprintf("step %q: %q does not reference an earlier step", s.ID, ref))
			}
		}
		seen[s.ID] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(problems, "; "))
	}
	return nil
}

// withDefaults returns inputs with declared defaults filled in for missing names.
func (d *Definition) withDefaults(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs)+len(d.Inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for _, in := range d.Inputs {
		if _, ok := out[in.Name]; !ok && in.Default != nil {
			out[in.Name] = in.Default
		}
	}
	return out
}
