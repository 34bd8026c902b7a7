package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"agentnet/internal/domain"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	MaxLen   int64
	TaskTTL  time.Duration
}

// Sink keeps a capped list of recent decisions and the last archived
// snapshot per task, for dashboards that cannot reach the sqlite file.
type Sink struct {
	client  *redis.Client
	prefix  string
	maxLen  int64
	taskTTL time.Duration
}

func New(ctx context.Context, cfg Config) (*Sink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg), nil
}

func NewWithClient(client *redis.Client, cfg Config) *Sink {
	if cfg.Prefix == "" {
		cfg.Prefix = "agentnet"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 1000
	}
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = 24 * time.Hour
	}
	return &Sink{client: client, prefix: cfg.Prefix, maxLen: cfg.MaxLen, taskTTL: cfg.TaskTTL}
}

func (s *Sink) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.decisionsKey(), data)
	pipe.LTrim(ctx, s.decisionsKey(), 0, s.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push decision to redis: %w", err)
	}
	return nil
}

func (s *Sink) ArchiveTask(ctx context.Context, snapshot domain.TaskSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal task snapshot: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.taskKey(snapshot.TaskID), data, s.taskTTL)
	pipe.LPush(ctx, s.outcomesKey(), snapshot.TaskID)
	pipe.LTrim(ctx, s.outcomesKey(), 0, s.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive task %s to redis: %w", snapshot.TaskID, err)
	}
	return nil
}

func (s *Sink) Close() error {
	return s.client.Close()
}

func (s *Sink) decisionsKey() string { return s.prefix + ":decisions" }
func (s *Sink) outcomesKey() string  { return s.prefix + ":outcomes" }
func (s *Sink) taskKey(id string) string {
	return s.prefix + ":task:" + id
}
