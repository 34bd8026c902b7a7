package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentnet/internal/domain"
)

func TestDefinitionFromInputWrapsPrompt(t *testing.T) {
	def, err := definitionFromInput("write a haiku about queues")
	if err != nil {
		t.Fatalf("definitionFromInput: %v", err)
	}
	if len(def.Steps) != 1 || def.Steps[0].Action != "generate" {
		t.Fatalf("steps=%+v", def.Steps)
	}
	if def.Steps[0].Input["prompt"] != "write a haiku about queues" {
		t.Fatalf("input=%v", def.Steps[0].Input)
	}
}

func TestDefinitionFromInputReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.yaml")
	body := "name: pipeline\nsteps:\n  - id: a\n    action: echo\n    required_capabilities: [text]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	def, err := definitionFromInput(path)
	if err != nil {
		t.Fatalf("definitionFromInput: %v", err)
	}
	if def.Name != "pipeline" || len(def.Steps) != 1 || def.Steps[0].ID != "a" {
		t.Fatalf("def=%+v", def)
	}
}

func TestRenderStepsShowsErrorsAndDependencies(t *testing.T) {
	out := renderSteps(domain.TaskSnapshot{
		TaskID: "0123456789",
		Status: domain.TaskStatusFailed,
		Cause:  domain.CauseStepFailure,
		Steps: []domain.StepSnapshot{
			{StepID: "a", Action: "echo", Status: domain.StepStatusFailed, Error: "boom"},
			{StepID: "b", Action: "upper", Status: domain.StepStatusCancelled, Dependencies: []string{"a"}},
		},
	})
	for _, want := range []string{"01234567", "cause=step_failure", "error: boom", "after: a"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestDecisionPayloadSummarySortsKeys(t *testing.T) {
	got := decisionPayloadSummary([]byte(`{"b":2,"a":"x"}`))
	if got != "a=x, b=2" {
		t.Fatalf("summary=%q", got)
	}
	if decisionPayloadSummary([]byte("{}")) != "" {
		t.Fatalf("empty payload should render nothing")
	}
}
