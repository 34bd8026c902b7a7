package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"agentnet/internal/domain"
)

func TestEncodeKeysByTask(t *testing.T) {
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	msg, err := encode(Record{Kind: "decision", TaskID: "t-9", Decision: &domain.DecisionLog{TaskID: "t-9", Action: "step_dispatched"}}, now)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(msg.Key) != "t-9" {
		t.Fatalf("key=%q want t-9", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "decision" {
		t.Fatalf("headers=%+v", msg.Headers)
	}

	var rec Record
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if rec.Decision == nil || rec.Decision.Action != "step_dispatched" || !rec.SentAt.Equal(now) {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestNewRequiresBrokers(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}
