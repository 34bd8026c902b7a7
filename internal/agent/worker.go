package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agentnet/internal/domain"
	"agentnet/internal/messaging/inproc"
)

type Bus interface {
	Register(agentID string, handler inproc.Handler) (bool, error)
	Unregister(agentID string) bool
	Publish(msg domain.Message) inproc.DeliveryOutcome
}

type Registrar interface {
	RegisterAgent(profile domain.AgentProfile) error
}

// Request is what an operation sees of a dispatched step.
type Request struct {
	TaskID            string
	StepID            string
	Action            string
	Attempt           int
	Input             json.RawMessage
	DependencyResults map[string]json.RawMessage
}

func (r Request) Decode(v any) error {
	if len(r.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Input, v); err != nil {
		return fmt.Errorf("decode %s input: %w", r.Action, err)
	}
	return nil
}

type OperationFunc func(ctx context.Context, req Request) (any, error)

// Operations binds action names to handlers. The table is fixed when the
// worker is built.
type Operations map[string]OperationFunc

func (o Operations) Names() []string {
	out := make([]string, 0, len(o))
	for name := range o {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type Config struct {
	HeartbeatInterval time.Duration
	// ResendDelay is the first pause before a terminal response is offered
	// again to a full orchestrator mailbox. It doubles up to ResendMaxDelay.
	ResendDelay    time.Duration
	ResendMaxDelay time.Duration
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.ResendDelay <= 0 {
		c.ResendDelay = 5 * time.Millisecond
	}
	if c.ResendMaxDelay < c.ResendDelay {
		c.ResendMaxDelay = max(250*time.Millisecond, c.ResendDelay)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Worker struct {
	profile   domain.AgentProfile
	ops       Operations
	bus       Bus
	registrar Registrar
	cfg       Config
	logger    logrus.FieldLogger

	runCtx context.Context
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]inflightOp
}

// inflightOp is a running attempt, keyed by its assignment message id.
type inflightOp struct {
	taskID string
	stepID string
	cancel context.CancelFunc
}

func NewWorker(profile domain.AgentProfile, ops Operations, bus Bus, registrar Registrar, cfg Config, logger logrus.FieldLogger) (*Worker, error) {
	if profile.AgentID == "" {
		return nil, fmt.Errorf("new worker: empty agent id")
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("new worker %s: no operations", profile.AgentID)
	}
	for name, fn := range ops {
		if name == "" || fn == nil {
			return nil, fmt.Errorf("new worker %s: invalid operation %q", profile.AgentID, name)
		}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		profile:   profile,
		ops:       ops,
		bus:       bus,
		registrar: registrar,
		cfg:       cfg.withDefaults(),
		logger:    logger.WithField("agent_id", profile.AgentID),
		runCtx:    context.Background(),
		inflight:  make(map[string]inflightOp),
	}, nil
}

func (w *Worker) ID() string {
	return w.profile.AgentID
}

// Start registers the worker on the bus and with the orchestrator, then
// heartbeats until ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.runCtx = ctx
	if _, err := w.bus.Register(w.profile.AgentID, w); err != nil {
		return fmt.Errorf("start worker %s: %w", w.profile.AgentID, err)
	}
	if w.registrar != nil {
		if err := w.registrar.RegisterAgent(w.profile); err != nil {
			w.bus.Unregister(w.profile.AgentID)
			return fmt.Errorf("start worker %s: %w", w.profile.AgentID, err)
		}
	}
	w.logger.WithField("operations", w.ops.Names()).Info("worker started")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.bus.Unregister(w.profile.AgentID)
				return
			case <-ticker.C:
				w.heartbeat()
			}
		}
	}()
	return nil
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) HandleMessage(_ context.Context, msg domain.Message) error {
	switch msg.Type {
	case domain.MessageTypeTaskAssignment:
		w.accept(msg)
		return nil
	case domain.MessageTypeCancel:
		var c domain.CancelPayload
		if err := msg.Decode(&c); err != nil {
			return err
		}
		if w.abandon(msg.CorrelationID, c.TaskID, c.StepID) {
			w.logger.WithFields(logrus.Fields{"task_id": c.TaskID, "step_id": c.StepID}).
				Infof("step abandoned: %s", c.Reason)
		}
		return nil
	default:
		w.logger.Debugf("ignoring %s from %s", msg.Type, msg.SenderID)
		return nil
	}
}

// accept answers every assignment exactly once with a terminal RESPONSE.
// Replies are sent from the attempt's own goroutine so a slow orchestrator
// mailbox never stalls this agent's inbox.
func (w *Worker) accept(msg domain.Message) {
	var a domain.AssignmentPayload
	decodeErr := msg.Decode(&a)
	base := domain.ResultPayload{TaskID: a.TaskID, StepID: a.StepID}

	op, supported := w.ops[a.Action]
	opCtx, cancel := context.WithCancel(w.runCtx)
	if decodeErr == nil && supported {
		w.mu.Lock()
		w.inflight[msg.ID] = inflightOp{taskID: a.TaskID, stepID: a.StepID, cancel: cancel}
		w.mu.Unlock()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()

		if decodeErr != nil {
			w.respond(msg.ID, domain.ResultPayload{Status: domain.StepStatusFailed, Error: decodeErr.Error()})
			return
		}
		if !supported {
			out := base
			out.Status = domain.StepStatusFailed
			out.Error = fmt.Sprintf("agent %s does not support action %q", w.profile.AgentID, a.Action)
			w.respond(msg.ID, out)
			return
		}

		ack := base
		ack.Status = domain.StepStatusInProgress
		w.acknowledge(msg.ID, ack)

		req := Request{
			TaskID:            a.TaskID,
			StepID:            a.StepID,
			Action:            a.Action,
			Attempt:           a.Attempt,
			Input:             a.Input,
			DependencyResults: a.DependencyResults,
		}
		started := w.cfg.Now()
		value, err := run(opCtx, op, req)
		elapsed := w.cfg.Now().Sub(started)

		w.mu.Lock()
		delete(w.inflight, msg.ID)
		w.mu.Unlock()

		out := base
		out.DurationMS = elapsed.Milliseconds()
		if err == nil {
			raw, mErr := json.Marshal(value)
			if mErr != nil {
				err = fmt.Errorf("encode result: %w", mErr)
			} else {
				out.Result = raw
			}
		}
		if err != nil {
			out.Status = domain.StepStatusFailed
			out.Error = err.Error()
		} else {
			out.Status = domain.StepStatusCompleted
		}
		w.respond(msg.ID, out)
	}()
}

func run(ctx context.Context, op OperationFunc, req Request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", req.Action, r)
		}
	}()
	return op(ctx, req)
}

// abandon cancels the attempt named by assignmentID. Without an id every
// attempt of the task step is cancelled.
func (w *Worker) abandon(assignmentID, taskID, stepID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if assignmentID != "" {
		if op, ok := w.inflight[assignmentID]; ok {
			op.cancel()
			return true
		}
	}
	found := false
	for _, op := range w.inflight {
		if op.taskID == taskID && op.stepID == stepID {
			op.cancel()
			found = true
		}
	}
	return found
}

// acknowledge is best effort: the orchestrator accepts a terminal result
// for a step it never saw acknowledged.
func (w *Worker) acknowledge(assignmentID string, res domain.ResultPayload) {
	msg, err := w.response(assignmentID, res)
	if err != nil {
		return
	}
	if err := w.bus.Publish(msg).Err(); err != nil {
		w.logger.WithField("step_id", res.StepID).Debugf("ack not delivered: %v", err)
	}
}

// respond delivers a terminal result, offering it again while the
// orchestrator mailbox is full. It gives up only when the worker stops or
// the bus refuses the message for good.
func (w *Worker) respond(assignmentID string, res domain.ResultPayload) {
	msg, err := w.response(assignmentID, res)
	if err != nil {
		return
	}
	delay := w.cfg.ResendDelay
	for attempt := 1; ; attempt++ {
		err := w.bus.Publish(msg).Err()
		if err == nil {
			if attempt > 1 {
				w.logger.WithField("step_id", res.StepID).Debugf("response delivered after %d attempts", attempt)
			}
			return
		}
		if !errors.Is(err, inproc.ErrAgentQueueFull) {
			w.logger.WithField("step_id", res.StepID).Warnf("response not delivered: %v", err)
			return
		}
		select {
		case <-w.runCtx.Done():
			w.logger.WithField("step_id", res.StepID).Warnf("response dropped on shutdown: %v", err)
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, w.cfg.ResendMaxDelay)
	}
}

func (w *Worker) response(assignmentID string, res domain.ResultPayload) (domain.Message, error) {
	res.AssignmentID = assignmentID
	msg, err := domain.NewMessage(w.profile.AgentID, domain.OrchestratorID, domain.MessageTypeResponse, res,
		domain.WithCorrelationID(assignmentID))
	if err != nil {
		w.logger.Errorf("build response error: %v", err)
	}
	return msg, err
}

func (w *Worker) heartbeat() {
	w.mu.Lock()
	inFlight := len(w.inflight)
	w.mu.Unlock()

	msg, err := domain.NewMessage(w.profile.AgentID, domain.OrchestratorID, domain.MessageTypeHeartbeat,
		domain.HeartbeatPayload{AgentID: w.profile.AgentID, InFlight: inFlight, SentAtMilli: w.cfg.Now().UnixMilli()},
		domain.WithTTL(w.cfg.HeartbeatInterval))
	if err != nil {
		return
	}
	if err := w.bus.Publish(msg).Err(); err != nil {
		w.logger.Debugf("heartbeat not delivered: %v", err)
	}
}
