package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"agentnet/internal/domain"
)

var ErrAgentAtCapacity = errors.New("agent is at max concurrent tasks")

type Config struct {
	// ReliabilityWindow is the number of recent outcomes that carry roughly
	// equal weight in the reliability average.
	ReliabilityWindow int
	HeartbeatTimeout  time.Duration
	Now               func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ReliabilityWindow <= 0 {
		c.ReliabilityWindow = 10
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Registry is the capability index. Dispatch and completion both mutate load
// counters, so every method takes the lock.
type Registry struct {
	cfg   Config
	alpha float64

	mu     sync.RWMutex
	agents map[string]*entry
}

type entry struct {
	profile domain.AgentProfile
	caps    mapset.Set[string]
}

func New(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:    cfg,
		alpha:  2.0 / float64(cfg.ReliabilityWindow+1),
		agents: make(map[string]*entry),
	}
}

// RegisterAgent adds or replaces a profile. A replacement keeps the load and
// reliability already observed for that agent.
func (r *Registry) RegisterAgent(profile domain.AgentProfile) error {
	if profile.AgentID == "" {
		return fmt.Errorf("register agent: empty id")
	}
	if profile.MaxConcurrentTasks <= 0 {
		profile.MaxConcurrentTasks = 1
	}
	if profile.ReliabilityScore <= 0 || profile.ReliabilityScore > 1 {
		profile.ReliabilityScore = 1
	}
	profile.LastActivity = r.cfg.Now().UTC()

	caps := mapset.NewSet[string](profile.Capabilities...)
	profile.Capabilities = sortedTags(caps)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.agents[profile.AgentID]; ok {
		profile.CurrentLoad = prev.profile.CurrentLoad
		profile.ReliabilityScore = prev.profile.ReliabilityScore
		profile.Completed = prev.profile.Completed
		profile.Failed = prev.profile.Failed
		profile.AvgDurationMS = prev.profile.AvgDurationMS
	}
	r.agents[profile.AgentID] = &entry{profile: profile, caps: caps}
	return nil
}

func (r *Registry) Deregister(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return false
	}
	delete(r.agents, agentID)
	return true
}

func (r *Registry) Get(agentID string) (domain.AgentProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return domain.AgentProfile{}, false
	}
	return cloneProfile(e.profile), true
}

func (r *Registry) Touch(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return false
	}
	e.profile.LastActivity = r.cfg.Now().UTC()
	return true
}

func (r *Registry) RecordDispatch(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("record dispatch %s: %w", agentID, domain.ErrNotFound)
	}
	if e.profile.CurrentLoad >= e.profile.MaxConcurrentTasks {
		return fmt.Errorf("record dispatch %s: %w", agentID, ErrAgentAtCapacity)
	}
	e.profile.CurrentLoad++
	e.profile.LastActivity = r.cfg.Now().UTC()
	return nil
}

func (r *Registry) RecordCompletion(agentID string, success bool, duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("record completion %s: %w", agentID, domain.ErrNotFound)
	}
	p := &e.profile
	if p.CurrentLoad > 0 {
		p.CurrentLoad--
	}
	sample := 0.0
	if success {
		sample = 1.0
		p.Completed++
	} else {
		p.Failed++
	}
	p.ReliabilityScore = r.alpha*sample + (1-r.alpha)*p.ReliabilityScore

	n := float64(p.Completed + p.Failed)
	ms := float64(duration) / float64(time.Millisecond)
	p.AvgDurationMS += (ms - p.AvgDurationMS) / n
	p.LastActivity = r.cfg.Now().UTC()
	return nil
}

// Release frees a slot without recording an outcome.
func (r *Registry) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok && e.profile.CurrentLoad > 0 {
		e.profile.CurrentLoad--
	}
}

// SelectCandidate returns the least loaded live agent whose capabilities
// cover required. Ties go to the more reliable agent, then to the lower id.
func (r *Registry) SelectCandidate(required []string) (string, bool) {
	need := mapset.NewSet[string](required...)
	now := r.cfg.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for _, e := range r.agents {
		if !e.caps.IsSuperset(need) {
			continue
		}
		if e.profile.CurrentLoad >= e.profile.MaxConcurrentTasks {
			continue
		}
		if r.expired(e, now) {
			continue
		}
		if best == nil || better(e.profile, best.profile) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.profile.AgentID, true
}

// Sweep removes agents that have been silent longer than the heartbeat
// timeout and returns their ids.
func (r *Registry) Sweep() []string {
	if r.cfg.HeartbeatTimeout <= 0 {
		return nil
	}
	now := r.cfg.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, e := range r.agents {
		if r.expired(e, now) {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (r *Registry) Snapshot() []domain.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentProfile, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, cloneProfile(e.profile))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (r *Registry) expired(e *entry, now time.Time) bool {
	return r.cfg.HeartbeatTimeout > 0 && now.Sub(e.profile.LastActivity) > r.cfg.HeartbeatTimeout
}

func better(a, b domain.AgentProfile) bool {
	if a.CurrentLoad != b.CurrentLoad {
		return a.CurrentLoad < b.CurrentLoad
	}
	if a.ReliabilityScore != b.ReliabilityScore {
		return a.ReliabilityScore > b.ReliabilityScore
	}
	return a.AgentID < b.AgentID
}

func sortedTags(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

func cloneProfile(p domain.AgentProfile) domain.AgentProfile {
	p.Capabilities = append([]string(nil), p.Capabilities...)
	return p
}
