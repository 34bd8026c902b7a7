package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"agentnet/internal/domain"
	"agentnet/internal/messaging/inproc"
)

// Tick runs one scheduling pass: dispatch ready steps of tasks still inside
// their deadline, apply agent notifications, then settle task status and
// deadlines. It never panics; a failure while handling one step is logged
// and the pass continues.
func (s *Service) Tick() {
	now := s.cfg.Now().UTC()

	for _, agentID := range s.agents.Sweep() {
		s.logger.WithField("agent_id", agentID).Warn("agent heartbeat timed out")
		s.mu.Lock()
		s.failStepsHeldBy(agentID, "agent lost: heartbeat timeout")
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rt := range s.state.ordered() {
		if rt.task.Deadline != nil && now.After(*rt.task.Deadline) {
			continue
		}
		for _, step := range rt.task.Steps {
			if !s.ready(rt, step, now) {
				continue
			}
			s.guard(rt.task.ID, step.ID, func() { s.dispatch(rt, step, now) })
		}
	}

	for _, n := range s.drainInbox() {
		s.guard(n.result.TaskID, n.result.StepID, func() { s.apply(n, now) })
	}

	for _, rt := range s.state.ordered() {
		s.guard(rt.task.ID, "", func() { s.settle(rt, now) })
	}
}

func (s *Service) guard(taskID, stepID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{"task_id": taskID, "step_id": stepID}).
				Errorf("tick error isolated: %v", r)
		}
	}()
	fn()
}

func (s *Service) ready(rt *taskRuntime, step *domain.Step, now time.Time) bool {
	if step.Status != domain.StepStatusPending {
		return false
	}
	if !step.NotBefore.IsZero() && now.Before(step.NotBefore) {
		return false
	}
	for _, dep := range step.Dependencies {
		d := rt.task.Step(dep)
		if d == nil || d.Status != domain.StepStatusCompleted {
			return false
		}
	}
	return true
}

func (s *Service) dispatch(rt *taskRuntime, step *domain.Step, now time.Time) {
	log := s.logger.WithFields(logrus.Fields{"task_id": rt.task.ID, "step_id": step.ID})

	agentID, ok := s.agents.SelectCandidate(step.RequiredCapabilities)
	if !ok {
		log.Debugf("step stays pending: %v %v", domain.ErrCapabilityUnavailable, step.RequiredCapabilities)
		return
	}
	if err := s.agents.RecordDispatch(agentID); err != nil {
		log.Warnf("record dispatch error: %v", err)
		return
	}

	payload := domain.AssignmentPayload{
		TaskID:  rt.task.ID,
		StepID:  step.ID,
		Action:  step.Action,
		Input:   step.Input,
		Attempt: step.RetryCount + 1,
	}
	if len(step.Dependencies) > 0 {
		payload.DependencyResults = make(map[string]json.RawMessage, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			payload.DependencyResults[dep] = rt.task.Step(dep).Result
		}
	}
	msg, err := domain.NewMessage(domain.OrchestratorID, agentID, domain.MessageTypeTaskAssignment, payload,
		domain.WithPriority(rt.task.Priority),
		domain.WithCorrelationID(rt.task.ID),
		domain.WithClock(s.cfg.Now),
	)
	if err != nil {
		s.agents.Release(agentID)
		log.Errorf("build assignment error: %v", err)
		return
	}

	step.Status = domain.StepStatusAssigned
	step.AssignedAgent = agentID
	step.AssignmentID = msg.ID
	step.UpdatedAt = now
	s.state.byAssignment[msg.ID] = stepRef{taskID: rt.task.ID, stepID: step.ID}
	rt.dispatchedAt[step.ID] = now
	if rt.task.Status == domain.TaskStatusPending {
		rt.task.Status = domain.TaskStatusInProgress
		started := now
		rt.task.StartedAt = &started
	}

	s.logDecision(domain.DecisionLog{
		TaskID:  rt.task.ID,
		StepID:  step.ID,
		Actor:   domain.OrchestratorID,
		Action:  "step_dispatched",
		Reason:  "agent selected",
		Payload: mustJSON(map[string]any{"agent_id": agentID, "attempt": payload.Attempt, "message_id": msg.ID}),
	})
	log.WithField("agent_id", agentID).Debug("step dispatched")

	out := s.bus.Publish(msg)
	if err := out.Err(); err != nil {
		s.enqueue(notification{agentID: agentID, result: deliveryFailure(msg.ID, rt.task.ID, step.ID, err)})
		return
	}
	s.watchDelivery(out, agentID, msg.ID, rt.task.ID, step.ID)
}

// watchDelivery turns a handler-side rejection of an assignment into a step
// failure for the next tick.
func (s *Service) watchDelivery(out inproc.DeliveryOutcome, agentID, assignmentID, taskID, stepID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.DeliveryTimeout)
		defer cancel()
		err := out.Await(ctx)
		if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		s.enqueue(notification{agentID: agentID, result: deliveryFailure(assignmentID, taskID, stepID, err)})
	}()
}

func deliveryFailure(assignmentID, taskID, stepID string, err error) domain.ResultPayload {
	return domain.ResultPayload{
		AssignmentID: assignmentID,
		TaskID:       taskID,
		StepID:       stepID,
		Status:       domain.StepStatusFailed,
		Error:        trimText(err.Error(), 512),
	}
}

func (s *Service) apply(n notification, now time.Time) {
	res := n.result
	ref, ok := s.state.byAssignment[res.AssignmentID]
	if !ok {
		s.discard(n, "no active assignment")
		return
	}
	rt, ok := s.state.active[ref.taskID]
	if !ok {
		delete(s.state.byAssignment, res.AssignmentID)
		s.discard(n, "task no longer active")
		return
	}
	step := rt.task.Step(ref.stepID)
	if step == nil || step.AssignmentID != res.AssignmentID || !step.Status.Active() {
		delete(s.state.byAssignment, res.AssignmentID)
		s.discard(n, "step no longer held by this assignment")
		return
	}

	switch res.Status {
	case domain.StepStatusInProgress:
		if step.Status == domain.StepStatusAssigned {
			step.Status = domain.StepStatusInProgress
			step.UpdatedAt = now
		}
		return
	case domain.StepStatusCompleted, domain.StepStatusFailed:
	default:
		s.logger.WithField("assignment_id", res.AssignmentID).Warnf("ignoring result with status %q", res.Status)
		return
	}

	delete(s.state.byAssignment, res.AssignmentID)
	duration := time.Duration(res.DurationMS) * time.Millisecond
	if duration <= 0 {
		duration = now.Sub(rt.dispatchedAt[step.ID])
	}
	delete(rt.dispatchedAt, step.ID)
	success := res.Status == domain.StepStatusCompleted
	if err := s.agents.RecordCompletion(step.AssignedAgent, success, duration); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warnf("record completion error: %v", err)
	}

	step.AssignmentID = ""
	step.UpdatedAt = now
	if success {
		step.Status = domain.StepStatusCompleted
		step.Result = res.Result
		step.Error = ""
		s.logDecision(domain.DecisionLog{
			TaskID:  rt.task.ID,
			StepID:  step.ID,
			Actor:   step.AssignedAgent,
			Action:  "step_completed",
			Reason:  "agent reported success",
			Payload: mustJSON(map[string]any{"duration_ms": duration.Milliseconds()}),
		})
		return
	}

	step.Error = res.Error
	if rt.task.FirstError == "" {
		rt.task.FirstError = fmt.Sprintf("step %s: %s", step.ID, res.Error)
	}
	step.RetryCount++
	if step.RetryCount < step.MaxRetries {
		failedOn := step.AssignedAgent
		step.Status = domain.StepStatusPending
		step.AssignedAgent = ""
		step.NotBefore = time.Time{}
		if delay := s.backoff(step.RetryCount); delay > 0 {
			step.NotBefore = now.Add(delay)
		}
		s.logDecision(domain.DecisionLog{
			TaskID:  rt.task.ID,
			StepID:  step.ID,
			Actor:   domain.OrchestratorID,
			Action:  "step_retry",
			Reason:  trimText(res.Error, 300),
			Payload: mustJSON(map[string]any{"retry_count": step.RetryCount, "max_retries": step.MaxRetries, "agent_id": failedOn}),
		})
		return
	}

	step.Status = domain.StepStatusFailed
	s.logDecision(domain.DecisionLog{
		TaskID:  rt.task.ID,
		StepID:  step.ID,
		Actor:   domain.OrchestratorID,
		Action:  "step_failed",
		Reason:  trimText(res.Error, 300),
		Payload: mustJSON(map[string]any{"retry_count": step.RetryCount}),
	})
}

func (s *Service) backoff(retry int) time.Duration {
	if s.cfg.RetryBackoff <= 0 || retry <= 0 {
		return 0
	}
	shift := min(retry-1, 10)
	return s.cfg.RetryBackoff << shift
}

func (s *Service) discard(n notification, reason string) {
	if n.result.Status == domain.StepStatusInProgress {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"task_id":       n.result.TaskID,
		"step_id":       n.result.StepID,
		"agent_id":      n.agentID,
		"assignment_id": n.result.AssignmentID,
	}).Infof("late result discarded: %s", reason)
	s.logDecision(domain.DecisionLog{
		TaskID:  n.result.TaskID,
		StepID:  n.result.StepID,
		Actor:   domain.OrchestratorID,
		Action:  "late_result_discarded",
		Reason:  reason,
		Payload: mustJSON(map[string]any{"agent_id": n.agentID, "status": n.result.Status}),
	})
}

// settle recomputes progress and moves the task to a terminal status when
// its steps or its deadline say so.
func (s *Service) settle(rt *taskRuntime, now time.Time) {
	task := rt.task
	total := len(task.Steps)
	completed, exhausted := 0, 0
	for _, step := range task.Steps {
		switch step.Status {
		case domain.StepStatusCompleted:
			completed++
		case domain.StepStatusFailed:
			exhausted++
		}
	}
	task.Progress = float64(completed) / float64(total) * 100

	switch {
	case exhausted > 0:
		s.finishTask(rt, domain.TaskStatusFailed, domain.CauseStepFailure, task.FirstError, now)
	case completed == total:
		s.finishTask(rt, domain.TaskStatusCompleted, domain.CauseNone, "all steps completed", now)
	case task.Deadline != nil && now.After(*task.Deadline):
		s.finishTask(rt, domain.TaskStatusFailed, domain.CauseTaskTimeout, domain.ErrTaskTimeout.Error(), now)
	}
}

// finishTask cancels whatever is still open, archives the task and wakes
// anyone waiting on it.
func (s *Service) finishTask(rt *taskRuntime, status domain.TaskStatus, cause domain.FailureCause, reason string, now time.Time) {
	task := rt.task
	for _, step := range task.Steps {
		if step.Status.Terminal() {
			continue
		}
		if step.Status.Active() {
			s.agents.Release(step.AssignedAgent)
			s.sendCancel(step, reason)
		}
		step.Status = domain.StepStatusCancelled
		step.UpdatedAt = now
	}

	completed := 0
	for _, step := range task.Steps {
		if step.Status == domain.StepStatusCompleted {
			completed++
		}
	}
	task.Progress = float64(completed) / float64(len(task.Steps)) * 100
	task.Status = status
	task.Cause = cause
	finished := now
	task.FinishedAt = &finished

	snap := s.state.archive(rt)
	for _, ch := range s.waiters[task.ID] {
		close(ch)
	}
	delete(s.waiters, task.ID)

	s.logDecision(domain.DecisionLog{
		TaskID:  task.ID,
		Actor:   domain.OrchestratorID,
		Action:  "task_" + string(status),
		Reason:  trimText(reason, 300),
		Payload: mustJSON(map[string]any{"cause": cause, "progress": task.Progress}),
	})
	s.archive(snap)
	s.logger.WithFields(logrus.Fields{"task_id": task.ID, "status": status, "cause": cause}).Info("task finished")
}

func (s *Service) sendCancel(step *domain.Step, reason string) {
	msg, err := domain.NewMessage(domain.OrchestratorID, step.AssignedAgent, domain.MessageTypeCancel,
		domain.CancelPayload{TaskID: step.TaskID, StepID: step.ID, Reason: reason},
		domain.WithPriority(domain.PriorityCritical),
		domain.WithCorrelationID(step.AssignmentID),
		domain.WithClock(s.cfg.Now),
	)
	if err != nil {
		s.logger.Warnf("build cancel for step %s error: %v", step.ID, err)
		return
	}
	if err := s.bus.Publish(msg).Err(); err != nil {
		s.logger.WithField("step_id", step.ID).Debugf("cancel notice not delivered: %v", err)
	}
}

// failStepsHeldBy queues a failure for every step the agent holds. Caller
// holds s.mu.
func (s *Service) failStepsHeldBy(agentID, reason string) {
	for assignmentID, ref := range s.state.byAssignment {
		rt, ok := s.state.active[ref.taskID]
		if !ok {
			continue
		}
		step := rt.task.Step(ref.stepID)
		if step == nil || step.AssignedAgent != agentID {
			continue
		}
		s.enqueue(notification{agentID: agentID, result: domain.ResultPayload{
			AssignmentID: assignmentID,
			TaskID:       ref.taskID,
			StepID:       ref.stepID,
			Status:       domain.StepStatusFailed,
			Error:        reason,
		}})
	}
}
