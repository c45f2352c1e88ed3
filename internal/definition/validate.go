// Package definition checks workflow graphs before they are saved and loads
// definitions from YAML files.
package definition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/formaplus/automatisations/internal/condition"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

// ValidationError lists every problem found in a definition. It unwraps to
// a CONFIGURATION EngineError.
type ValidationError struct {
	Definition string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %q is invalid: %s", e.Definition, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return domain.NewConfigurationError("%s", strings.Join(e.Problems, "; "))
}

// Validate runs the static checks over the step arena: known step kinds,
// well-formed conditions, existing successors, no orphan steps, every step
// able to reach an end, and no cycle that lacks a WAIT step.
func Validate(def *domain.WorkflowDefinition) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(def.Name) == "" {
		add("name is required")
	}
	switch def.TriggerType {
	case domain.TriggerTypeEntityEvent:
		if def.TriggerEventType == "" {
			add("entity-event trigger needs a triggerEventType")
		}
	case domain.TriggerTypeSchedule:
		if def.Schedule == "" {
			add("schedule trigger needs a cron schedule")
		} else if _, err := cron.ParseStandard(def.Schedule); err != nil {
			add("invalid cron schedule %q: %v", def.Schedule, err)
		}
	case domain.TriggerTypeManual:
	default:
		add("unknown trigger type %q", def.TriggerType)
	}
	if def.TriggerType != domain.TriggerTypeSchedule && def.Schedule != "" {
		add("only schedule triggers have a cron schedule")
	}

	if len(def.Steps) == 0 {
		add("at least one step is required")
		return &ValidationError{Definition: def.Name, Problems: problems}
	}

	index := make(map[string]*domain.WorkflowStep, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			add("step #%d has no id", i+1)
			continue
		}
		if _, dup := index[step.ID]; dup {
			add("duplicate step id %s", step.ID)
			continue
		}
		index[step.ID] = step
	}
	if _, ok := index[def.StartStepID]; !ok {
		add("start step %q does not exist", def.StartStepID)
	}

	for _, step := range def.Steps {
		if step.ID == "" {
			continue
		}
		kind, err := domain.DecodeStep(step)
		if err != nil {
			add("%s", domain.ClassifyError(err).Cause)
			continue
		}
		switch k := kind.(type) {
		case domain.ConditionStep:
			if err := condition.Validate(k.Condition); err != nil {
				add("step %s: %s", step.ID, domain.ClassifyError(err).Cause)
			}
		case domain.BranchStep:
			if err := condition.Validate(k.Condition); err != nil {
				add("step %s: %s", step.ID, domain.ClassifyError(err).Cause)
			}
		}
		if step.Retry != nil && (step.Retry.MaxAttempts < 0 || step.Retry.BaseDelay < 0 || step.Retry.MaxDelay < 0 || step.Retry.Multiplier < 0) {
			add("step %s: retry policy values must not be negative", step.ID)
		}
		for _, next := range step.Successors() {
			if _, ok := index[next]; !ok {
				add("step %s points to unknown step %s", step.ID, next)
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Definition: def.Name, Problems: problems}
	}

	if orphans := unreachable(def.StartStepID, index); len(orphans) > 0 {
		add("steps not reachable from %s: %s", def.StartStepID, strings.Join(orphans, ", "))
	}
	if stuck := cannotFinish(index); len(stuck) > 0 {
		add("steps that can never reach an end: %s", strings.Join(stuck, ", "))
	}
	if cycle := cycleWithoutWait(index); len(cycle) > 0 {
		add("cycle without a WAIT step: %s", strings.Join(cycle, " -> "))
	}
	if len(problems) > 0 {
		return &ValidationError{Definition: def.Name, Problems: problems}
	}
	return nil
}

func unreachable(start string, index map[string]*domain.WorkflowStep) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range index[id].Successors() {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	var out []string
	for id := range index {
		if !seen[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// cannotFinish returns steps from which no path leads to a step that may
// end the execution. A step ends the run when it has no successor; a
// CONDITION step also ends it when its condition is false.
func cannotFinish(index map[string]*domain.WorkflowStep) []string {
	predecessors := make(map[string][]string, len(index))
	var queue []string
	finishes := make(map[string]bool, len(index))
	for id, step := range index {
		for _, next := range step.Successors() {
			predecessors[next] = append(predecessors[next], id)
		}
		if len(step.Successors()) == 0 || step.Type == domain.StepTypeCondition {
			finishes[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, prev := range predecessors[id] {
			if !finishes[prev] {
				finishes[prev] = true
				queue = append(queue, prev)
			}
		}
	}
	var out []string
	for id := range index {
		if !finishes[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// cycleWithoutWait finds a cycle made only of non-WAIT steps. Loops are
// allowed for polling patterns as long as each one waits somewhere.
func cycleWithoutWait(index map[string]*domain.WorkflowStep) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(index))
	var path []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		path = append(path, id)
		for _, next := range index[id].Successors() {
			if index[next].Type == domain.StepTypeWait {
				continue
			}
			switch color[next] {
			case grey:
				for i, p := range path {
					if p == next {
						found = append(append([]string{}, path[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(index))
	for id, step := range index {
		if step.Type != domain.StepTypeWait {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return found
		}
	}
	return nil
}
