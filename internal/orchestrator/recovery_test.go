package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"agentnet/internal/agent"
	"agentnet/internal/domain"
	"agentnet/internal/messaging/inproc"
	"agentnet/internal/registry"
)

func blockingOps(release <-chan struct{}) agent.Operations {
	return agent.Operations{"work": func(ctx context.Context, _ agent.Request) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}}
}

func sendHeartbeat(t *testing.T, h *harness, from string) {
	t.Helper()
	msg, err := domain.NewMessage(from, domain.OrchestratorID, domain.MessageTypeHeartbeat,
		domain.HeartbeatPayload{AgentID: from})
	if err != nil {
		t.Fatalf("build heartbeat: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.bus.Publish(msg).Await(ctx); err != nil {
		t.Fatalf("heartbeat from %s: %v", from, err)
	}
}

func TestResultsSurviveFullOrchestratorMailbox(t *testing.T) {
	h := newHarnessWith(t, Config{}, harnessOptions{bus: inproc.Config{MailboxSize: 2}})
	start := make(chan struct{})
	echo := agent.Builtin()["echo"]
	gated := agent.Operations{"echo": func(ctx context.Context, req agent.Request) (any, error) {
		select {
		case <-start:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return echo(ctx, req)
	}}

	const n = 12
	steps := make([]domain.StepDefinition, 0, n)
	for i := 0; i < n; i++ {
		h.addWorker(t, fmt.Sprintf("w%02d", i), 1, []string{"text"}, gated)
		steps = append(steps, domain.StepDefinition{
			ID:                   fmt.Sprintf("s%02d", i),
			Action:               "echo",
			RequiredCapabilities: []string{"text"},
			Input:                map[string]any{"n": i},
		})
	}
	taskID := h.submit(t, domain.TaskDefinition{Name: "burst", Steps: steps})

	h.svc.Tick()
	for _, s := range h.status(t, taskID).Steps {
		if !s.Status.Active() {
			t.Fatalf("step %s status=%s want assigned", s.StepID, s.Status)
		}
	}

	// One result blocks in the handler and two more fill the mailbox; the
	// rest are refused until the inbox frees up.
	h.svc.inboxMu.Lock()
	before := h.bus.Metrics().Failed
	close(start)
	deadline := time.Now().Add(3 * time.Second)
	for h.bus.Metrics().Failed < before+n-3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	refused := h.bus.Metrics().Failed - before
	h.svc.inboxMu.Unlock()
	if refused < n-3 {
		t.Fatalf("refused deliveries=%d want at least %d", refused, n-3)
	}

	snap := h.tickUntil(t, taskID, func(s domain.TaskSnapshot) bool { return s.Status.Terminal() })
	if snap.Status != domain.TaskStatusCompleted || snap.Progress != 100 {
		t.Fatalf("status=%s cause=%s progress=%v first error=%q", snap.Status, snap.Cause, snap.Progress, snap.FirstError)
	}
	for _, s := range snap.Steps {
		if s.Status != domain.StepStatusCompleted || s.RetryCount != 0 || len(s.Result) == 0 {
			t.Fatalf("step=%+v", s)
		}
	}
}

type explodingSelector struct {
	*registry.Registry
}

func (e explodingSelector) SelectCandidate(required []string) (string, bool) {
	if slices.Contains(required, "volatile") {
		panic("selector exploded")
	}
	return e.Registry.SelectCandidate(required)
}

func TestPanickingStepDoesNotStallOtherWork(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := newHarnessWith(t, Config{}, harnessOptions{
		logger: logger,
		wrap:   func(r *registry.Registry) Agents { return explodingSelector{r} },
	})
	h.addWorker(t, "w1", 1, []string{"x"}, agent.Builtin())
	h.addWorker(t, "w2", 1, []string{"x"}, agent.Builtin())

	mixed := h.submit(t, domain.TaskDefinition{Steps: []domain.StepDefinition{
		{ID: "bad", Action: "echo", RequiredCapabilities: []string{"volatile"}},
		{ID: "good", Action: "echo", RequiredCapabilities: []string{"x"}},
	}})
	plain := h.submit(t, domain.TaskDefinition{Steps: []domain.StepDefinition{
		{ID: "s", Action: "echo", RequiredCapabilities: []string{"x"}},
	}})

	h.tickUntil(t, plain, func(s domain.TaskSnapshot) bool { return s.Status == domain.TaskStatusCompleted })
	snap := h.tickUntil(t, mixed, func(s domain.TaskSnapshot) bool {
		return stepByID(t, s, "good").Status == domain.StepStatusCompleted
	})
	if snap.Status != domain.TaskStatusInProgress || snap.Progress != 50 {
		t.Fatalf("mixed task status=%s progress=%v", snap.Status, snap.Progress)
	}
	if s := stepByID(t, snap, "bad"); s.Status != domain.StepStatusPending || s.AssignedAgent != "" {
		t.Fatalf("bad step=%+v", s)
	}

	isolated := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && strings.Contains(e.Message, "selector exploded") {
			isolated++
			if e.Data["step_id"] != "bad" {
				t.Fatalf("isolated error fields=%v", e.Data)
			}
		}
	}
	if isolated == 0 {
		t.Fatalf("panic was not logged")
	}
}

func TestHeartbeatTimeoutRetriesHeldStep(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarnessWith(t, Config{Now: clock.Now}, harnessOptions{
		registry: registry.Config{HeartbeatTimeout: 10 * time.Second, Now: clock.Now},
	})
	release := make(chan struct{})
	defer close(release)
	h.addWorker(t, "sleepy", 1, []string{"x"}, blockingOps(release))

	taskID := h.submit(t, domain.TaskDefinition{
		Steps: []domain.StepDefinition{{ID: "s", Action: "work", RequiredCapabilities: []string{"x"}}},
	})
	h.tickUntil(t, taskID, func(snap domain.TaskSnapshot) bool {
		return stepByID(t, snap, "s").Status == domain.StepStatusInProgress
	})

	clock.Advance(11 * time.Second)
	h.svc.Tick()
	s := stepByID(t, h.status(t, taskID), "s")
	if s.Status != domain.StepStatusPending || s.RetryCount != 1 || s.Error != "agent lost: heartbeat timeout" {
		t.Fatalf("step after timeout=%+v", s)
	}
	if _, ok := h.agents.Get("sleepy"); ok {
		t.Fatalf("silent agent still registered")
	}

	h.addWorker(t, "fresh", 1, []string{"x"}, blockingOps(release))
	h.svc.Tick()
	if s := stepByID(t, h.status(t, taskID), "s"); !s.Status.Active() || s.AssignedAgent != "fresh" {
		t.Fatalf("step after retry=%+v", s)
	}
}

func TestSweptAgentIsReadmittedOnHeartbeat(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarnessWith(t, Config{Now: clock.Now}, harnessOptions{
		registry: registry.Config{HeartbeatTimeout: 10 * time.Second, Now: clock.Now},
	})
	release := make(chan struct{})
	defer close(release)
	h.addWorker(t, "sleepy", 1, []string{"x"}, blockingOps(release))
	h.addWorker(t, "leaving", 1, []string{"x"}, blockingOps(release))

	clock.Advance(11 * time.Second)
	h.svc.Tick()
	if len(h.agents.Snapshot()) != 0 {
		t.Fatalf("agents after sweep=%+v", h.agents.Snapshot())
	}

	sendHeartbeat(t, h, "sleepy")
	p, ok := h.agents.Get("sleepy")
	if !ok || p.CurrentLoad != 0 || !p.LastActivity.Equal(clock.Now()) {
		t.Fatalf("readmitted profile=%+v ok=%v", p, ok)
	}
	if !slices.Contains(h.audit.actions(), "agent_readmitted") {
		t.Fatalf("decisions=%v", h.audit.actions())
	}

	taskID := h.submit(t, domain.TaskDefinition{Steps: []domain.StepDefinition{{ID: "s", Action: "work", RequiredCapabilities: []string{"x"}}}})
	h.svc.Tick()
	if s := stepByID(t, h.status(t, taskID), "s"); s.AssignedAgent != "sleepy" {
		t.Fatalf("step=%+v want sleepy", s)
	}

	h.svc.DeregisterAgent("leaving")
	sendHeartbeat(t, h, "leaving")
	if _, ok := h.agents.Get("leaving"); ok {
		t.Fatalf("deregistered agent came back")
	}
}

func TestExpiredTaskIsNotDispatched(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarness(t, Config{Now: clock.Now})
	h.addWorker(t, "able", 1, []string{"x"}, agent.Builtin())

	taskID := h.submit(t, domain.TaskDefinition{
		TimeoutMS: 1000,
		Steps:     []domain.StepDefinition{{ID: "s", Action: "echo", RequiredCapabilities: []string{"x"}}},
	})
	clock.Advance(2 * time.Second)
	h.svc.Tick()

	snap := h.status(t, taskID)
	if snap.Status != domain.TaskStatusFailed || snap.Cause != domain.CauseTaskTimeout {
		t.Fatalf("status=%s cause=%s", snap.Status, snap.Cause)
	}
	if s := stepByID(t, snap, "s"); s.Status != domain.StepStatusCancelled || s.AssignedAgent != "" {
		t.Fatalf("step=%+v", s)
	}
	if slices.Contains(h.audit.actions(), "step_dispatched") {
		t.Fatalf("expired task was dispatched: %v", h.audit.actions())
	}
	if p, _ := h.agents.Get("able"); p.CurrentLoad != 0 || p.Completed+p.Failed != 0 {
		t.Fatalf("agent profile=%+v", p)
	}
}
