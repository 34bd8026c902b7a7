package inproc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agentnet/internal/domain"
)

var (
	ErrAgentNotRegistered     = errors.New("agent is not registered in bus")
	ErrAgentAlreadyRegistered = errors.New("agent is already registered in bus")
	ErrAgentQueueFull         = errors.New("agent queue is full")
	ErrMessageExpired         = errors.New("message ttl expired before delivery")
	ErrMessageDenied          = errors.New("message denied by policy")
	ErrBusClosed              = errors.New("bus is closed")
)

type Handler interface {
	HandleMessage(ctx context.Context, msg domain.Message) error
}

type HandlerFunc func(ctx context.Context, msg domain.Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg domain.Message) error {
	return f(ctx, msg)
}

type Admitter interface {
	CanMessage(msg domain.Message) (bool, string)
}

type Config struct {
	MailboxSize int
	// StrictRegistration rejects a second Register for the same id instead of
	// accepting it with a warning.
	StrictRegistration bool
	Admitter           Admitter
	Now                func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Bus struct {
	cfg    Config
	logger logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	closed    bool

	metricsMu    sync.Mutex
	sent         int64
	delivered    int64
	failed       int64
	avgLatencyMS float64
	latencyN     int64
}

type mailbox struct {
	agentID string
	handler Handler
	queue   chan envelope

	mu      sync.Mutex
	retired bool
}

type envelope struct {
	msg        domain.Message
	enqueuedAt time.Time
	receipt    *Receipt
}

func New(cfg Config, logger logrus.FieldLogger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:       cfg.withDefaults(),
		logger:    logger.WithField("component", "bus"),
		ctx:       ctx,
		cancel:    cancel,
		mailboxes: make(map[string]*mailbox),
	}
}

func (b *Bus) Register(agentID string, handler Handler) (bool, error) {
	if agentID == "" || agentID == domain.BroadcastRecipient {
		return false, fmt.Errorf("register agent %q: invalid id", agentID)
	}
	if handler == nil {
		return false, fmt.Errorf("register agent %q: nil handler", agentID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrBusClosed
	}
	if _, ok := b.mailboxes[agentID]; ok {
		if b.cfg.StrictRegistration {
			return false, fmt.Errorf("register agent %q: %w", agentID, ErrAgentAlreadyRegistered)
		}
		b.logger.WithField("agent_id", agentID).Warn("agent re-registered; keeping existing handler")
		return true, nil
	}

	mb := &mailbox{
		agentID: agentID,
		handler: handler,
		queue:   make(chan envelope, b.cfg.MailboxSize),
	}
	b.mailboxes[agentID] = mb
	b.wg.Add(1)
	go b.serve(mb)
	return true, nil
}

func (b *Bus) Unregister(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	mb, ok := b.mailboxes[agentID]
	if !ok {
		return false
	}
	delete(b.mailboxes, agentID)
	mb.retire()
	return true
}

func (b *Bus) Registered() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Publish enqueues msg for its recipient, or for every registered agent
// except the sender when msg is a broadcast. It never blocks on handlers;
// use DeliveryOutcome.Await to wait for processing.
func (b *Bus) Publish(msg domain.Message) DeliveryOutcome {
	out := DeliveryOutcome{MessageID: msg.ID}
	now := b.cfg.Now()

	reject := func(recipient string, err error) {
		b.count(1, 0, 1)
		out.addFailure(recipient, err)
		b.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"type":       msg.Type,
			"sender":     msg.SenderID,
			"recipient":  recipient,
		}).Warnf("delivery failed: %v", err)
	}

	if err := msg.Validate(); err != nil {
		reject(msg.RecipientID, err)
		return out
	}
	if b.cfg.Admitter != nil {
		if ok, reason := b.cfg.Admitter.CanMessage(msg); !ok {
			reject(msg.RecipientID, fmt.Errorf("%w: %s", ErrMessageDenied, reason))
			return out
		}
	}
	if msg.Expired(now) {
		reject(msg.RecipientID, ErrMessageExpired)
		return out
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		reject(msg.RecipientID, ErrBusClosed)
		return out
	}

	var targets []*mailbox
	if msg.IsBroadcast() {
		ids := make([]string, 0, len(b.mailboxes))
		for id := range b.mailboxes {
			if id != msg.SenderID {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for _, id := range ids {
			targets = append(targets, b.mailboxes[id])
		}
	} else {
		mb, ok := b.mailboxes[msg.RecipientID]
		if !ok {
			reject(msg.RecipientID, ErrAgentNotRegistered)
			return out
		}
		targets = append(targets, mb)
	}

	for _, mb := range targets {
		receipt := newReceipt(mb.agentID)
		select {
		case mb.queue <- envelope{msg: msg, enqueuedAt: now, receipt: receipt}:
			b.count(1, 0, 0)
			out.Recipients = append(out.Recipients, mb.agentID)
			out.receipts = append(out.receipts, receipt)
		default:
			reject(mb.agentID, ErrAgentQueueFull)
		}
	}
	return out
}

func (b *Bus) Metrics() domain.BusMetrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return domain.BusMetrics{
		Sent:         b.sent,
		Delivered:    b.delivered,
		Failed:       b.failed,
		AvgLatencyMS: b.avgLatencyMS,
	}
}

// Close retires every mailbox and waits for in-flight handlers to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, mb := range b.mailboxes {
		delete(b.mailboxes, id)
		mb.retire()
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

func (b *Bus) serve(mb *mailbox) {
	defer b.wg.Done()
	for env := range mb.queue {
		b.deliver(mb, env)
	}
}

func (b *Bus) deliver(mb *mailbox, env envelope) {
	log := b.logger.WithFields(logrus.Fields{
		"agent_id":   mb.agentID,
		"message_id": env.msg.ID,
		"type":       env.msg.Type,
	})

	var err error
	switch {
	case mb.isRetired():
		err = ErrAgentNotRegistered
	case env.msg.Expired(b.cfg.Now()):
		err = ErrMessageExpired
	default:
		err = invoke(b.ctx, mb.handler, env.msg)
	}

	if err != nil {
		b.count(0, 0, 1)
		log.Warnf("delivery failed: %v", err)
		env.receipt.finish(fmt.Errorf("%w: agent %s: %w", domain.ErrDeliveryFailure, mb.agentID, err))
		return
	}

	latency := b.cfg.Now().Sub(env.enqueuedAt)
	b.metricsMu.Lock()
	b.delivered++
	b.latencyN++
	b.avgLatencyMS += (float64(latency)/float64(time.Millisecond) - b.avgLatencyMS) / float64(b.latencyN)
	b.metricsMu.Unlock()
	env.receipt.finish(nil)
}

func invoke(ctx context.Context, h Handler, msg domain.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleMessage(ctx, msg)
}

func (b *Bus) count(sent, delivered, failed int64) {
	b.metricsMu.Lock()
	b.sent += sent
	b.delivered += delivered
	b.failed += failed
	b.metricsMu.Unlock()
}

// retire must be called with the bus write lock held so no Publish is
// mid-send on the queue.
func (mb *mailbox) retire() {
	mb.mu.Lock()
	mb.retired = true
	mb.mu.Unlock()
	close(mb.queue)
}

func (mb *mailbox) isRetired() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.retired
}
