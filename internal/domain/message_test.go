package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewMessageTTL(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := func() time.Time { return created }

	msg, err := NewMessage("a", "b", MessageTypeRequest, map[string]string{"k": "v"},
		WithTTL(time.Second), WithClock(clock), WithPriority(PriorityHigh), WithCorrelationID("c-1"))
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if msg.ID == "" || msg.CorrelationID != "c-1" || msg.Priority != PriorityHigh {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	if msg.Expired(created) {
		t.Fatalf("message expired at creation")
	}
	if !msg.Expired(created.Add(time.Second)) {
		t.Fatalf("message should expire once ttl elapses")
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	for _, ttl := range []time.Duration{0, -time.Second} {
		if _, err := NewMessage("a", "b", MessageTypeRequest, nil, WithTTL(ttl)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("ttl=%s err=%v want ErrInvalidMessage", ttl, err)
		}
	}
}

func TestNewMessageCopiesPayload(t *testing.T) {
	raw := json.RawMessage(`{"n":1}`)
	msg, err := NewMessage("a", BroadcastRecipient, MessageTypeNotification, raw)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	raw[2] = 'x'
	if string(msg.Payload) != `{"n":1}` {
		t.Fatalf("payload mutated through caller slice: %s", msg.Payload)
	}
	if !msg.IsBroadcast() {
		t.Fatalf("expected broadcast")
	}

	var out struct {
		N int `json:"n"`
	}
	if err := msg.Decode(&out); err != nil || out.N != 1 {
		t.Fatalf("decode=%+v err=%v", out, err)
	}
}

func TestNewMessageRequiresAddressing(t *testing.T) {
	if _, err := NewMessage("", "b", MessageTypeRequest, nil); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("missing sender err=%v", err)
	}
	if _, err := NewMessage("a", " ", MessageTypeRequest, nil); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("missing recipient err=%v", err)
	}
	if _, err := NewMessage("a", "b", MessageTypeRequest, []byte("not json")); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("invalid payload err=%v", err)
	}
}
