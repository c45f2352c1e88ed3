package definition

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

type fileStep struct {
	domain.WorkflowStep `yaml:",inline"`
	Config              map[string]any `yaml:"config"`
}

type fileDefinition struct {
	domain.WorkflowDefinition `yaml:",inline"`
	Steps                     []fileStep `yaml:"steps"`
}

// Load reads one or more YAML documents, each holding a definition.
func Load(r io.Reader) ([]domain.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(r)
	var out []domain.WorkflowDefinition
	for {
		var doc fileDefinition
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("yaml decode: %w", err)
		}
		def := doc.WorkflowDefinition
		def.Steps = make([]domain.WorkflowStep, 0, len(doc.Steps))
		for _, s := range doc.Steps {
			step := s.WorkflowStep
			if s.Config != nil {
				raw, err := json.Marshal(s.Config)
				if err != nil {
					return nil, fmt.Errorf("step %s config: %w", step.ID, err)
				}
				step.Config = raw
			}
			def.Steps = append(def.Steps, step)
		}
		if def.StartStepID == "" && len(def.Steps) > 0 {
			def.StartStepID = def.Steps[0].ID
		}
		out = append(out, def)
	}
	return out, nil
}

func LoadFile(path string) ([]domain.WorkflowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defs, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}
