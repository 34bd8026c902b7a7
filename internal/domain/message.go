package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageTypeTaskAssignment MessageType = "TASK_ASSIGNMENT"
	MessageTypeResponse       MessageType = "RESPONSE"
	MessageTypeCancel         MessageType = "CANCEL"
	MessageTypeHeartbeat      MessageType = "HEARTBEAT"
	MessageTypeNotification   MessageType = "NOTIFICATION"
	MessageTypeRequest        MessageType = "REQUEST"
)

// Message is the envelope passed over the bus. Treat it as a value; the
// constructor copies the payload so later edits by the caller do not leak in.
type Message struct {
	ID            string          `json:"id"`
	SenderID      string          `json:"sender_id"`
	RecipientID   string          `json:"recipient_id"`
	Type          MessageType     `json:"type"`
	Priority      Priority        `json:"priority"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

type MessageOption func(*messageOptions)

type messageOptions struct {
	priority      Priority
	ttl           time.Duration
	ttlSet        bool
	correlationID string
	now           func() time.Time
}

func WithPriority(p Priority) MessageOption {
	return func(o *messageOptions) { o.priority = p }
}

func WithTTL(ttl time.Duration) MessageOption {
	return func(o *messageOptions) {
		o.ttl = ttl
		o.ttlSet = true
	}
}

func WithCorrelationID(id string) MessageOption {
	return func(o *messageOptions) { o.correlationID = id }
}

func WithClock(now func() time.Time) MessageOption {
	return func(o *messageOptions) { o.now = now }
}

// NewMessage builds an envelope. payload may be raw JSON bytes or any value
// that encodes to JSON.
func NewMessage(sender, recipient string, msgType MessageType, payload any, opts ...MessageOption) (Message, error) {
	o := messageOptions{priority: PriorityNormal, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	sender = strings.TrimSpace(sender)
	recipient = strings.TrimSpace(recipient)
	if sender == "" {
		return Message{}, fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if recipient == "" {
		return Message{}, fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	if msgType == "" {
		return Message{}, fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	if o.ttlSet && o.ttl <= 0 {
		return Message{}, fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidMessage, o.ttl)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Message{}, fmt.Errorf("%w: encode payload: %v", ErrInvalidMessage, err)
	}

	now := o.now().UTC()
	msg := Message{
		ID:            uuid.NewString(),
		SenderID:      sender,
		RecipientID:   recipient,
		Type:          msgType,
		Priority:      o.priority,
		Payload:       raw,
		CreatedAt:     now,
		CorrelationID: o.correlationID,
	}
	if o.ttlSet {
		expires := now.Add(o.ttl)
		msg.ExpiresAt = &expires
	}
	return msg, nil
}

func (m Message) IsBroadcast() bool {
	return m.RecipientID == BroadcastRecipient
}

func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Validate checks the fields every envelope must carry. Messages built by
// NewMessage always pass.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidMessage)
	case m.SenderID == "":
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	case m.RecipientID == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	case m.Type == "":
		return fmt.Errorf("%w: type is required", ErrInvalidMessage)
	case m.ExpiresAt != nil && !m.ExpiresAt.After(m.CreatedAt):
		return fmt.Errorf("%w: expiry must follow creation", ErrInvalidMessage)
	}
	return nil
}

func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload bytes are not valid JSON")
		}
		return append(json.RawMessage(nil), v...), nil
	default:
		return json.Marshal(v)
	}
}
