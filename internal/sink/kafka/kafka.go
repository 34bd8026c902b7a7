package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"agentnet/internal/domain"
)

type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Sink publishes audit events to a topic keyed by task id so that one
// task's events stay on one partition.
type Sink struct {
	writer *kafka.Writer
}

type Record struct {
	Kind     string               `json:"kind"`
	TaskID   string               `json:"task_id"`
	Decision *domain.DecisionLog  `json:"decision,omitempty"`
	Task     *domain.TaskSnapshot `json:"task,omitempty"`
	SentAt   time.Time            `json:"sent_at"`
}

func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers configured")
	}
	if cfg.Topic == "" {
		cfg.Topic = "agentnet.events"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &Sink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: kafka.RequireOne,
		},
	}, nil
}

func (s *Sink) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	return s.write(ctx, Record{Kind: "decision", TaskID: entry.TaskID, Decision: &entry})
}

func (s *Sink) ArchiveTask(ctx context.Context, snapshot domain.TaskSnapshot) error {
	return s.write(ctx, Record{Kind: "task_archived", TaskID: snapshot.TaskID, Task: &snapshot})
}

func (s *Sink) Close() error {
	return s.writer.Close()
}

func (s *Sink) write(ctx context.Context, rec Record) error {
	msg, err := encode(rec, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event to kafka: %w", rec.Kind, err)
	}
	return nil
}

func encode(rec Record, now time.Time) (kafka.Message, error) {
	rec.SentAt = now
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s event: %w", rec.Kind, err)
	}
	return kafka.Message{
		Key:   []byte(rec.TaskID),
		Value: value,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
		},
	}, nil
}
