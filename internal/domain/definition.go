package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type StepDefinition struct {
	ID                   string         `json:"id" yaml:"id"`
	Action               string         `json:"action" yaml:"action"`
	RequiredCapabilities []string       `json:"required_capabilities" yaml:"required_capabilities"`
	DependsOn            []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	MaxRetries           *int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Input                map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

type TaskDefinition struct {
	ID        string           `json:"id,omitempty" yaml:"id,omitempty"`
	Name      string           `json:"name" yaml:"name"`
	Priority  Priority         `json:"priority,omitempty" yaml:"priority,omitempty"`
	TimeoutMS int64            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Deadline  *time.Time       `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	Steps     []StepDefinition `json:"steps" yaml:"steps"`
}

type BuildDefaults struct {
	MaxRetries int
	Timeout    time.Duration
}

// BuildTask validates def and materializes a pending task. The deadline
// clock starts at now.
func BuildTask(def TaskDefinition, now time.Time, defaults BuildDefaults) (*Task, error) {
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("%w: at least one step is required", ErrInvalidDefinition)
	}
	if def.TimeoutMS < 0 {
		return nil, fmt.Errorf("%w: timeout_ms must not be negative", ErrInvalidDefinition)
	}

	taskID := strings.TrimSpace(def.ID)
	if taskID == "" {
		taskID = uuid.NewString()
	}
	priority := def.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	if priority < PriorityLow || priority > PriorityCritical {
		return nil, fmt.Errorf("%w: priority %d out of range", ErrInvalidDefinition, priority)
	}

	steps := make([]*Step, 0, len(def.Steps))
	deps := make(map[string][]string, len(def.Steps))
	for i, sd := range def.Steps {
		id := strings.TrimSpace(sd.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: step %d has empty id", ErrInvalidDefinition, i)
		}
		if _, exists := deps[id]; exists {
			return nil, fmt.Errorf("%w: duplicate step id %q", ErrInvalidDefinition, id)
		}
		action := strings.TrimSpace(sd.Action)
		if action == "" {
			return nil, fmt.Errorf("%w: step %q has empty action", ErrInvalidDefinition, id)
		}
		maxRetries := defaults.MaxRetries
		if sd.MaxRetries != nil {
			if *sd.MaxRetries < 1 {
				return nil, fmt.Errorf("%w: step %q max_retries must be at least 1", ErrInvalidDefinition, id)
			}
			maxRetries = *sd.MaxRetries
		}
		if maxRetries <= 0 {
			maxRetries = 3
		}

		var input json.RawMessage
		if len(sd.Input) > 0 {
			raw, err := json.Marshal(sd.Input)
			if err != nil {
				return nil, fmt.Errorf("%w: step %q input: %v", ErrInvalidDefinition, id, err)
			}
			input = raw
		}

		deps[id] = normalizeTags(sd.DependsOn)
		steps = append(steps, &Step{
			ID:                   id,
			TaskID:               taskID,
			Action:               action,
			RequiredCapabilities: normalizeTags(sd.RequiredCapabilities),
			Dependencies:         deps[id],
			Input:                input,
			Status:               StepStatusPending,
			MaxRetries:           maxRetries,
			UpdatedAt:            now,
		})
	}

	for id, list := range deps {
		for _, dep := range list {
			if dep == id {
				return nil, fmt.Errorf("%w: step %q depends on itself", ErrInvalidDefinition, id)
			}
			if _, ok := deps[dep]; !ok {
				return nil, fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidDefinition, id, dep)
			}
		}
	}
	if cycle := findCycle(steps, deps); len(cycle) > 0 {
		return nil, fmt.Errorf("%w: %w: %s", ErrInvalidDefinition, ErrDependencyCycle, strings.Join(cycle, " -> "))
	}

	task := &Task{
		ID:        taskID,
		Name:      strings.TrimSpace(def.Name),
		Priority:  priority,
		Status:    TaskStatusPending,
		Steps:     steps,
		CreatedAt: now,
	}
	if task.Name == "" {
		task.Name = taskID
	}
	switch {
	case def.Deadline != nil:
		deadline := def.Deadline.UTC()
		task.Deadline = &deadline
	case def.TimeoutMS > 0:
		deadline := now.Add(time.Duration(def.TimeoutMS) * time.Millisecond)
		task.Deadline = &deadline
	case defaults.Timeout > 0:
		deadline := now.Add(defaults.Timeout)
		task.Deadline = &deadline
	}
	return task, nil
}

// findCycle walks steps in declaration order so the reported path is stable.
func findCycle(steps []*Step, deps map[string][]string) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(steps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						break
					}
				}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, step := range steps {
		if color[step.ID] == white && visit(step.ID) {
			return cycle
		}
	}
	return nil
}

func normalizeTags(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, tag := range in {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
