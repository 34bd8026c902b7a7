package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"agentnet/internal/domain"
)

// Sink receives audit events. Implementations may block on I/O; wrap them in
// Async before handing them to the orchestrator.
type Sink interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ArchiveTask(ctx context.Context, snapshot domain.TaskSnapshot) error
}

type Nop struct{}

func (Nop) LogDecision(context.Context, domain.DecisionLog) error   { return nil }
func (Nop) ArchiveTask(context.Context, domain.TaskSnapshot) error { return nil }

type Fanout []Sink

func (f Fanout) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.LogDecision(ctx, entry))
	}
	return errors.Join(errs...)
}

func (f Fanout) ArchiveTask(ctx context.Context, snapshot domain.TaskSnapshot) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.ArchiveTask(ctx, snapshot))
	}
	return errors.Join(errs...)
}

type event struct {
	decision *domain.DecisionLog
	snapshot *domain.TaskSnapshot
}

// Async forwards events to next from a single goroutine. Emitting never
// blocks: when the buffer is full the event is dropped and counted.
type Async struct {
	next    Sink
	logger  logrus.FieldLogger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	events  chan event
	done    chan struct{}
	dropped atomic.Int64
}

func NewAsync(next Sink, buffer int, logger logrus.FieldLogger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &Async{
		next:    next,
		logger:  logger.WithField("component", "sink"),
		timeout: 5 * time.Second,
		events:  make(chan event, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) LogDecision(_ context.Context, entry domain.DecisionLog) error {
	a.emit(event{decision: &entry})
	return nil
}

func (a *Async) ArchiveTask(_ context.Context, snapshot domain.TaskSnapshot) error {
	a.emit(event{snapshot: &snapshot})
	return nil
}

func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close drains queued events and stops the worker.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()
	<-a.done
}

func (a *Async) emit(ev event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- ev:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.logger.Warnf("sink buffer full; dropped %d events so far", n)
		}
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		var err error
		switch {
		case ev.decision != nil:
			err = a.next.LogDecision(ctx, *ev.decision)
		case ev.snapshot != nil:
			err = a.next.ArchiveTask(ctx, *ev.snapshot)
		}
		cancel()
		if err != nil {
			a.logger.Warnf("sink write error: %v", err)
		}
	}
}
