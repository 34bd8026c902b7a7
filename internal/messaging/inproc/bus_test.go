package inproc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"agentnet/internal/domain"
	"agentnet/internal/policy"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) HandleMessage(_ context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msg.ID)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustMessage(t *testing.T, from, to string, opts ...domain.MessageOption) domain.Message {
	t.Helper()
	msg, err := domain.NewMessage(from, to, domain.MessageTypeNotification, map[string]string{"from": from}, opts...)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return msg
}

func awaitOK(t *testing.T, out DeliveryOutcome) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := out.Await(ctx); err != nil {
		t.Fatalf("await delivery: %v", err)
	}
}

func TestPublishPreservesPerRecipientOrder(t *testing.T) {
	bus := New(Config{MailboxSize: 128}, quietLogger())
	defer bus.Close()

	rec := &recorder{}
	if ok, err := bus.Register("worker", rec); !ok || err != nil {
		t.Fatalf("register ok=%v err=%v", ok, err)
	}

	var want []string
	var last DeliveryOutcome
	for i := 0; i < 50; i++ {
		msg := mustMessage(t, "sender", "worker")
		want = append(want, msg.ID)
		last = bus.Publish(msg)
		if last.Enqueued() != 1 {
			t.Fatalf("publish %d enqueued=%d err=%v", i, last.Enqueued(), last.Err())
		}
	}
	awaitOK(t, last)

	if diff := cmp.Diff(want, rec.ids()); diff != "" {
		t.Fatalf("delivery order mismatch (-want +got):\n%s", diff)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	bus := New(Config{}, quietLogger())
	defer bus.Close()

	recs := map[string]*recorder{"a": {}, "b": {}, "c": {}}
	for id, rec := range recs {
		if _, err := bus.Register(id, rec); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	out := bus.Publish(mustMessage(t, "a", domain.BroadcastRecipient))
	awaitOK(t, out)

	if diff := cmp.Diff([]string{"b", "c"}, out.Recipients); diff != "" {
		t.Fatalf("recipients mismatch (-want +got):\n%s", diff)
	}
	if n := len(recs["a"].ids()); n != 0 {
		t.Fatalf("sender received its own broadcast %d times", n)
	}
	metrics := bus.Metrics()
	if metrics.Delivered != 2 || metrics.Failed != 0 || metrics.Sent != 2 {
		t.Fatalf("metrics=%+v want sent=2 delivered=2 failed=0", metrics)
	}
}

func TestUnknownRecipientIsRecordedNotRaised(t *testing.T) {
	bus := New(Config{}, quietLogger())
	defer bus.Close()

	out := bus.Publish(mustMessage(t, "a", "ghost"))
	if out.Enqueued() != 0 {
		t.Fatalf("enqueued=%d want=0", out.Enqueued())
	}
	if !errors.Is(out.Err(), ErrAgentNotRegistered) || !errors.Is(out.Err(), domain.ErrDeliveryFailure) {
		t.Fatalf("outcome err=%v", out.Err())
	}
	if m := bus.Metrics(); m.Failed != 1 || m.Sent != 1 {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestHandlerFailuresAreContained(t *testing.T) {
	bus := New(Config{}, quietLogger())
	defer bus.Close()

	calls := 0
	_, _ = bus.Register("flaky", HandlerFunc(func(_ context.Context, msg domain.Message) error {
		calls++
		switch calls {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		}
		return nil
	}))

	ctx := context.Background()
	if err := bus.Publish(mustMessage(t, "x", "flaky")).Await(ctx); !errors.Is(err, domain.ErrDeliveryFailure) {
		t.Fatalf("error handler: err=%v", err)
	}
	if err := bus.Publish(mustMessage(t, "x", "flaky")).Await(ctx); err == nil {
		t.Fatalf("panicking handler should fail delivery")
	}
	if err := bus.Publish(mustMessage(t, "x", "flaky")).Await(ctx); err != nil {
		t.Fatalf("healthy handler after failures: %v", err)
	}

	m := bus.Metrics()
	if m.Sent != 3 || m.Delivered != 1 || m.Failed != 2 {
		t.Fatalf("metrics=%+v want sent=3 delivered=1 failed=2", m)
	}
}

func TestRegistrationModes(t *testing.T) {
	lenient := New(Config{}, quietLogger())
	defer lenient.Close()
	if ok, _ := lenient.Register("a", &recorder{}); !ok {
		t.Fatalf("first register failed")
	}
	if ok, err := lenient.Register("a", &recorder{}); !ok || err != nil {
		t.Fatalf("lenient re-register ok=%v err=%v", ok, err)
	}
	_, _ = lenient.Register("b", &recorder{})
	if diff := cmp.Diff([]string{"a", "b"}, lenient.Registered()); diff != "" {
		t.Fatalf("registered mismatch (-want +got):\n%s", diff)
	}
	lenient.Unregister("a")
	if diff := cmp.Diff([]string{"b"}, lenient.Registered()); diff != "" {
		t.Fatalf("registered after unregister (-want +got):\n%s", diff)
	}

	strict := New(Config{StrictRegistration: true}, quietLogger())
	defer strict.Close()
	_, _ = strict.Register("a", &recorder{})
	if ok, err := strict.Register("a", &recorder{}); ok || !errors.Is(err, ErrAgentAlreadyRegistered) {
		t.Fatalf("strict re-register ok=%v err=%v", ok, err)
	}
	if ok, _ := strict.Register(domain.BroadcastRecipient, &recorder{}); ok {
		t.Fatalf("broadcast id must be reserved")
	}
}

func TestQueueFullAndExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	bus := New(Config{MailboxSize: 1, Now: clock.Now}, quietLogger())
	defer bus.Close()

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	_, _ = bus.Register("slow", HandlerFunc(func(_ context.Context, _ domain.Message) error {
		started <- struct{}{}
		<-release
		return nil
	}))

	first := bus.Publish(mustMessage(t, "x", "slow", domain.WithClock(clock.Now)))
	<-started

	second := bus.Publish(mustMessage(t, "x", "slow", domain.WithClock(clock.Now), domain.WithTTL(time.Second)))
	if second.Enqueued() != 1 {
		t.Fatalf("second message not enqueued: %v", second.Err())
	}
	third := bus.Publish(mustMessage(t, "x", "slow", domain.WithClock(clock.Now)))
	if !errors.Is(third.Err(), ErrAgentQueueFull) {
		t.Fatalf("third err=%v want ErrAgentQueueFull", third.Err())
	}

	clock.Advance(2 * time.Second)
	close(release)

	awaitOK(t, first)
	if err := second.Await(context.Background()); !errors.Is(err, ErrMessageExpired) {
		t.Fatalf("expired message err=%v", err)
	}
}

func TestPolicyDenial(t *testing.T) {
	bus := New(Config{Admitter: policy.Default()}, quietLogger())
	defer bus.Close()
	_, _ = bus.Register("worker", &recorder{})

	msg, err := domain.NewMessage("intruder", "worker", domain.MessageTypeTaskAssignment, nil)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	out := bus.Publish(msg)
	if !errors.Is(out.Err(), ErrMessageDenied) {
		t.Fatalf("err=%v want ErrMessageDenied", out.Err())
	}
}

func TestUnregisterFailsQueuedMessages(t *testing.T) {
	bus := New(Config{MailboxSize: 4}, quietLogger())
	defer bus.Close()

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	_, _ = bus.Register("w", HandlerFunc(func(_ context.Context, _ domain.Message) error {
		started <- struct{}{}
		<-release
		return nil
	}))

	first := bus.Publish(mustMessage(t, "x", "w"))
	<-started
	queued := bus.Publish(mustMessage(t, "x", "w"))

	if !bus.Unregister("w") {
		t.Fatalf("unregister returned false")
	}
	close(release)

	awaitOK(t, first)
	if err := queued.Await(context.Background()); !errors.Is(err, ErrAgentNotRegistered) {
		t.Fatalf("queued err=%v want ErrAgentNotRegistered", err)
	}
	if bus.Unregister("w") {
		t.Fatalf("second unregister should report false")
	}
}
