package orchestrator

import (
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"agentnet/internal/domain"
)

// State is everything the scheduling loop owns. It is only touched with
// Service.mu held.
type State struct {
	active       map[string]*taskRuntime
	history      *lru.Cache[string, domain.TaskSnapshot]
	byAssignment map[string]stepRef
	seq          uint64
	finished     domain.TaskCounts
}

type taskRuntime struct {
	task         *domain.Task
	seq          uint64
	dispatchedAt map[string]time.Time
}

type stepRef struct {
	taskID string
	stepID string
}

func newState(historySize int) (*State, error) {
	history, err := lru.New[string, domain.TaskSnapshot](historySize)
	if err != nil {
		return nil, fmt.Errorf("create task history: %w", err)
	}
	return &State{
		active:       make(map[string]*taskRuntime),
		history:      history,
		byAssignment: make(map[string]stepRef),
	}, nil
}

func (st *State) add(task *domain.Task) *taskRuntime {
	st.seq++
	rt := &taskRuntime{task: task, seq: st.seq, dispatchedAt: make(map[string]time.Time)}
	st.active[task.ID] = rt
	return rt
}

func (st *State) known(taskID string) bool {
	if _, ok := st.active[taskID]; ok {
		return true
	}
	return st.history.Contains(taskID)
}

// archive moves a terminal task into history. Lookups use Peek, so the
// history evicts strictly in insertion order.
func (st *State) archive(rt *taskRuntime) domain.TaskSnapshot {
	snap := rt.task.Snapshot()
	delete(st.active, rt.task.ID)
	for id, ref := range st.byAssignment {
		if ref.taskID == rt.task.ID {
			delete(st.byAssignment, id)
		}
	}
	st.history.Add(rt.task.ID, snap)
	switch snap.Status {
	case domain.TaskStatusCompleted:
		st.finished.Completed++
	case domain.TaskStatusFailed:
		st.finished.Failed++
	case domain.TaskStatusCancelled:
		st.finished.Cancelled++
	}
	return snap
}

func (st *State) lookup(taskID string) (domain.TaskSnapshot, bool) {
	if rt, ok := st.active[taskID]; ok {
		return rt.task.Snapshot(), true
	}
	return st.history.Peek(taskID)
}

// ordered returns active tasks by priority, highest first, then by
// submission order.
func (st *State) ordered() []*taskRuntime {
	out := make([]*taskRuntime, 0, len(st.active))
	for _, rt := range st.active {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].task.Priority != out[j].task.Priority {
			return out[i].task.Priority > out[j].task.Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// recent returns up to limit archived tasks, newest first.
func (st *State) recent(limit int) []domain.TaskSnapshot {
	keys := st.history.Keys()
	out := make([]domain.TaskSnapshot, 0, min(limit, len(keys)))
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		if snap, ok := st.history.Peek(keys[i]); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (st *State) counts() domain.TaskCounts {
	c := st.finished
	for _, rt := range st.active {
		switch rt.task.Status {
		case domain.TaskStatusPending:
			c.Pending++
		case domain.TaskStatusInProgress:
			c.InProgress++
		}
	}
	return c
}
