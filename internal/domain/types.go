package domain

import (
	"encoding/json"
	"time"
)

const (
	BroadcastRecipient = "broadcast"
	OrchestratorID     = "orchestrator"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusAssigned   StepStatus = "assigned"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusCancelled  StepStatus = "cancelled"
)

func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusCancelled
}

// Active reports whether an agent currently holds the step.
func (s StepStatus) Active() bool {
	return s == StepStatusAssigned || s == StepStatusInProgress
}

type FailureCause string

const (
	CauseNone        FailureCause = ""
	CauseStepFailure FailureCause = "step_failure"
	CauseTaskTimeout FailureCause = "task_timeout"
	CauseCancelled   FailureCause = "cancelled"
)

type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

type AgentProfile struct {
	AgentID            string    `json:"agent_id"`
	Capabilities       []string  `json:"capabilities"`
	MaxConcurrentTasks int       `json:"max_concurrent_tasks"`
	CurrentLoad        int       `json:"current_load"`
	ReliabilityScore   float64   `json:"reliability_score"`
	LastActivity       time.Time `json:"last_activity"`
	Completed          int       `json:"completed"`
	Failed             int       `json:"failed"`
	AvgDurationMS      float64   `json:"avg_duration_ms"`
}

type Step struct {
	ID                   string          `json:"id"`
	TaskID               string          `json:"task_id"`
	Action               string          `json:"action"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	Dependencies         []string        `json:"dependencies"`
	Input                json.RawMessage `json:"input,omitempty"`
	Status               StepStatus      `json:"status"`
	AssignedAgent        string          `json:"assigned_agent,omitempty"`
	AssignmentID         string          `json:"assignment_id,omitempty"`
	RetryCount           int             `json:"retry_count"`
	MaxRetries           int             `json:"max_retries"`
	NotBefore            time.Time       `json:"not_before,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type Task struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Priority   Priority     `json:"priority"`
	Status     TaskStatus   `json:"status"`
	Steps      []*Step      `json:"steps"`
	Progress   float64      `json:"progress"`
	Cause      FailureCause `json:"cause,omitempty"`
	FirstError string       `json:"first_error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	Deadline   *time.Time   `json:"deadline,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

func (t *Task) Step(id string) *Step {
	for _, step := range t.Steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

type AssignmentPayload struct {
	TaskID            string                     `json:"task_id"`
	StepID            string                     `json:"step_id"`
	Action            string                     `json:"action"`
	Input             json.RawMessage            `json:"input,omitempty"`
	Attempt           int                        `json:"attempt"`
	DependencyResults map[string]json.RawMessage `json:"dependency_results,omitempty"`
}

type ResultPayload struct {
	AssignmentID string          `json:"assignment_id"`
	TaskID       string          `json:"task_id"`
	StepID       string          `json:"step_id"`
	Status       StepStatus      `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
}

type CancelPayload struct {
	TaskID string `json:"task_id"`
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

type HeartbeatPayload struct {
	AgentID     string `json:"agent_id"`
	InFlight    int    `json:"in_flight"`
	SentAtMilli int64  `json:"sent_at_ms"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	StepID    string          `json:"step_id,omitempty"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type StepSnapshot struct {
	StepID        string          `json:"step_id"`
	Action        string          `json:"action"`
	Status        StepStatus      `json:"status"`
	AssignedAgent string          `json:"assigned_agent,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type TaskSnapshot struct {
	TaskID     string         `json:"task_id"`
	Name       string         `json:"name"`
	Status     TaskStatus     `json:"status"`
	Priority   Priority       `json:"priority"`
	Progress   float64        `json:"progress"`
	Cause      FailureCause   `json:"cause,omitempty"`
	FirstError string         `json:"first_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	Deadline   *time.Time     `json:"deadline,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Steps      []StepSnapshot `json:"steps"`
}

// Err maps a terminal failure to its sentinel; nil for anything else.
func (s TaskSnapshot) Err() error {
	switch s.Cause {
	case CauseTaskTimeout:
		return ErrTaskTimeout
	case CauseStepFailure:
		return ErrStepFailure
	case CauseCancelled:
		return ErrCancelled
	}
	return nil
}

func (t *Task) Snapshot() TaskSnapshot {
	out := TaskSnapshot{
		TaskID:     t.ID,
		Name:       t.Name,
		Status:     t.Status,
		Priority:   t.Priority,
		Progress:   t.Progress,
		Cause:      t.Cause,
		FirstError: t.FirstError,
		CreatedAt:  t.CreatedAt,
		StartedAt:  copyTime(t.StartedAt),
		Deadline:   copyTime(t.Deadline),
		FinishedAt: copyTime(t.FinishedAt),
		Steps:      make([]StepSnapshot, 0, len(t.Steps)),
	}
	for _, step := range t.Steps {
		out.Steps = append(out.Steps, StepSnapshot{
			StepID:        step.ID,
			Action:        step.Action,
			Status:        step.Status,
			AssignedAgent: step.AssignedAgent,
			RetryCount:    step.RetryCount,
			MaxRetries:    step.MaxRetries,
			Dependencies:  append([]string(nil), step.Dependencies...),
			Result:        append(json.RawMessage(nil), step.Result...),
			Error:         step.Error,
		})
	}
	return out
}

type BusMetrics struct {
	Sent         int64   `json:"sent"`
	Delivered    int64   `json:"delivered"`
	Failed       int64   `json:"failed"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

type AgentUtilization struct {
	AgentID          string    `json:"agent_id"`
	Capabilities     []string  `json:"capabilities"`
	CurrentLoad      int       `json:"current_load"`
	MaxConcurrent    int       `json:"max_concurrent"`
	Utilization      float64   `json:"utilization"`
	ReliabilityScore float64   `json:"reliability_score"`
	Completed        int       `json:"completed"`
	Failed           int       `json:"failed"`
	LastActivity     time.Time `json:"last_activity"`
}

type TaskOutcome struct {
	TaskID     string       `json:"task_id"`
	Name       string       `json:"name"`
	Status     TaskStatus   `json:"status"`
	Cause      FailureCause `json:"cause,omitempty"`
	FirstError string       `json:"first_error,omitempty"`
	FinishedAt time.Time    `json:"finished_at"`
}

type TaskCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

type Dashboard struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Agents      []AgentUtilization `json:"agents"`
	Bus         BusMetrics         `json:"bus"`
	Tasks       TaskCounts         `json:"tasks"`
	Recent      []TaskOutcome      `json:"recent"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
