package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agentnet/internal/domain"
	"agentnet/internal/messaging/inproc"
)

type Bus interface {
	Register(agentID string, handler inproc.Handler) (bool, error)
	Publish(msg domain.Message) inproc.DeliveryOutcome
	Metrics() domain.BusMetrics
}

type Agents interface {
	RegisterAgent(profile domain.AgentProfile) error
	Deregister(agentID string) bool
	Get(agentID string) (domain.AgentProfile, bool)
	Touch(agentID string) bool
	SelectCandidate(required []string) (string, bool)
	RecordDispatch(agentID string) error
	RecordCompletion(agentID string, success bool, duration time.Duration) error
	Release(agentID string)
	Sweep() []string
	Snapshot() []domain.AgentProfile
}

type Audit interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ArchiveTask(ctx context.Context, snapshot domain.TaskSnapshot) error
}

type Config struct {
	TickInterval      time.Duration
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	// RetryBackoff delays the first retry of a failed step; later retries
	// double it. Zero retries on the next tick.
	RetryBackoff    time.Duration
	HistorySize     int
	RecentOutcomes  int
	DeliveryTimeout time.Duration
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 256
	}
	if c.RecentOutcomes <= 0 {
		c.RecentOutcomes = 20
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Service struct {
	bus    Bus
	agents Agents
	audit  Audit
	cfg    Config
	logger logrus.FieldLogger

	wg      sync.WaitGroup
	baseCtx context.Context

	mu      sync.Mutex
	state   *State
	waiters map[string][]chan struct{}

	inboxMu sync.Mutex
	inbox   []notification

	// profiles remembers every agent announced through RegisterAgent so one
	// dropped by the heartbeat sweep can be readmitted when it is heard from.
	profilesMu sync.Mutex
	profiles   map[string]domain.AgentProfile
}

type notification struct {
	agentID string
	result  domain.ResultPayload
}

func New(bus Bus, agents Agents, audit Audit, cfg Config, logger logrus.FieldLogger) (*Service, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	state, err := newState(cfg.HistorySize)
	if err != nil {
		return nil, err
	}
	return &Service{
		bus:      bus,
		agents:   agents,
		audit:    audit,
		cfg:      cfg,
		logger:   logger.WithField("component", "orchestrator"),
		baseCtx:  context.Background(),
		state:    state,
		waiters:  make(map[string][]chan struct{}),
		profiles: make(map[string]domain.AgentProfile),
	}, nil
}

// Start attaches the orchestrator inbox to the bus and runs the scheduling
// loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.bus.Register(domain.OrchestratorID, inproc.HandlerFunc(s.handleInbox)); err != nil {
		return fmt.Errorf("register orchestrator inbox: %w", err)
	}
	s.baseCtx = ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tickLoop(ctx)
	}()
	return nil
}

func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

func (s *Service) RegisterAgent(profile domain.AgentProfile) error {
	if err := s.agents.RegisterAgent(profile); err != nil {
		return err
	}
	s.profilesMu.Lock()
	s.profiles[profile.AgentID] = profile
	s.profilesMu.Unlock()
	s.logDecision(domain.DecisionLog{
		TaskID:  "",
		Actor:   profile.AgentID,
		Action:  "agent_registered",
		Reason:  "agent announced capabilities",
		Payload: mustJSON(map[string]any{"capabilities": profile.Capabilities, "max_concurrent_tasks": profile.MaxConcurrentTasks}),
	})
	return nil
}

// DeregisterAgent removes the agent from scheduling. Steps it still holds
// fail on the next tick and are retried elsewhere.
func (s *Service) DeregisterAgent(agentID string) bool {
	s.profilesMu.Lock()
	delete(s.profiles, agentID)
	s.profilesMu.Unlock()
	if !s.agents.Deregister(agentID) {
		return false
	}
	s.mu.Lock()
	s.failStepsHeldBy(agentID, "agent deregistered")
	s.mu.Unlock()
	return true
}

// readmit registers a swept agent again once it shows signs of life. Agents
// removed through DeregisterAgent stay out.
func (s *Service) readmit(agentID string) bool {
	s.profilesMu.Lock()
	profile, ok := s.profiles[agentID]
	s.profilesMu.Unlock()
	if !ok {
		return false
	}
	profile.CurrentLoad = 0
	if err := s.agents.RegisterAgent(profile); err != nil {
		s.logger.WithField("agent_id", agentID).Warnf("readmit agent error: %v", err)
		return false
	}
	s.agents.Touch(agentID)
	s.logDecision(domain.DecisionLog{
		Actor:   agentID,
		Action:  "agent_readmitted",
		Reason:  "heard from after heartbeat timeout",
		Payload: mustJSON(map[string]any{"capabilities": profile.Capabilities}),
	})
	s.logger.WithField("agent_id", agentID).Info("agent readmitted")
	return true
}

func (s *Service) Submit(ctx context.Context, def domain.TaskDefinition) (string, error) {
	now := s.cfg.Now().UTC()
	task, err := domain.BuildTask(def, now, domain.BuildDefaults{
		MaxRetries: s.cfg.DefaultMaxRetries,
		Timeout:    s.cfg.DefaultTimeout,
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.state.known(task.ID) {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: task id %q already exists", domain.ErrInvalidDefinition, task.ID)
	}
	s.state.add(task)
	s.mu.Unlock()

	s.logDecision(domain.DecisionLog{
		TaskID:  task.ID,
		Actor:   domain.OrchestratorID,
		Action:  "task_submitted",
		Reason:  task.Name,
		Payload: mustJSON(map[string]any{"steps": len(task.Steps), "priority": task.Priority, "deadline": task.Deadline}),
	})
	s.logger.WithFields(logrus.Fields{"task_id": task.ID, "steps": len(task.Steps)}).Info("task submitted")
	return task.ID, nil
}

func (s *Service) Status(taskID string) (domain.TaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.state.lookup(taskID)
	if !ok {
		return domain.TaskSnapshot{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return snap, nil
}

// Cancel stops a task that is still running. It reports false when the task
// already reached a terminal status.
func (s *Service) Cancel(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.state.active[taskID]
	if !ok {
		if s.state.history.Contains(taskID) {
			return false, nil
		}
		return false, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	s.finishTask(rt, domain.TaskStatusCancelled, domain.CauseCancelled, "cancelled by caller", s.cfg.Now().UTC())
	return true, nil
}

// WaitTask blocks until the task is terminal and returns its final snapshot
// together with the error matching its failure cause.
func (s *Service) WaitTask(ctx context.Context, taskID string) (domain.TaskSnapshot, error) {
	s.mu.Lock()
	if snap, ok := s.state.history.Peek(taskID); ok {
		s.mu.Unlock()
		return snap, snap.Err()
	}
	if _, ok := s.state.active[taskID]; !ok {
		s.mu.Unlock()
		return domain.TaskSnapshot{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	ch := make(chan struct{})
	s.waiters[taskID] = append(s.waiters[taskID], ch)
	s.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return domain.TaskSnapshot{}, ctx.Err()
	}
	snap, err := s.Status(taskID)
	if err != nil {
		return snap, err
	}
	return snap, snap.Err()
}

// List returns active tasks in scheduling order followed by archived tasks,
// newest first.
func (s *Service) List() []domain.TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TaskSnapshot, 0, len(s.state.active)+s.state.history.Len())
	for _, rt := range s.state.ordered() {
		out = append(out, rt.task.Snapshot())
	}
	return append(out, s.state.recent(s.state.history.Len())...)
}

func (s *Service) Dashboard() domain.Dashboard {
	profiles := s.agents.Snapshot()
	agents := make([]domain.AgentUtilization, 0, len(profiles))
	for _, p := range profiles {
		util := 0.0
		if p.MaxConcurrentTasks > 0 {
			util = float64(p.CurrentLoad) / float64(p.MaxConcurrentTasks)
		}
		agents = append(agents, domain.AgentUtilization{
			AgentID:          p.AgentID,
			Capabilities:     p.Capabilities,
			CurrentLoad:      p.CurrentLoad,
			MaxConcurrent:    p.MaxConcurrentTasks,
			Utilization:      util,
			ReliabilityScore: p.ReliabilityScore,
			Completed:        p.Completed,
			Failed:           p.Failed,
			LastActivity:     p.LastActivity,
		})
	}

	s.mu.Lock()
	counts := s.state.counts()
	recent := s.state.recent(s.cfg.RecentOutcomes)
	s.mu.Unlock()

	outcomes := make([]domain.TaskOutcome, 0, len(recent))
	for _, snap := range recent {
		o := domain.TaskOutcome{
			TaskID:     snap.TaskID,
			Name:       snap.Name,
			Status:     snap.Status,
			Cause:      snap.Cause,
			FirstError: snap.FirstError,
		}
		if snap.FinishedAt != nil {
			o.FinishedAt = *snap.FinishedAt
		}
		outcomes = append(outcomes, o)
	}

	return domain.Dashboard{
		GeneratedAt: s.cfg.Now().UTC(),
		Agents:      agents,
		Bus:         s.bus.Metrics(),
		Tasks:       counts,
		Recent:      outcomes,
	}
}

func (s *Service) logDecision(entry domain.DecisionLog) {
	if s.audit == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.cfg.Now().UTC()
	}
	if err := s.audit.LogDecision(s.baseCtx, entry); err != nil {
		s.logger.Warnf("audit decision %s error: %v", entry.Action, err)
	}
}

func (s *Service) archive(snap domain.TaskSnapshot) {
	if s.audit == nil {
		return
	}
	if err := s.audit.ArchiveTask(s.baseCtx, snap); err != nil {
		s.logger.Warnf("archive task %s error: %v", snap.TaskID, err)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

func trimText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
