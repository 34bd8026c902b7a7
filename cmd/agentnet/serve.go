package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentnet/internal/agent"
	"agentnet/internal/api"
	"agentnet/internal/config"
	"agentnet/internal/domain"
	"agentnet/internal/llm"
	"agentnet/internal/logging"
	"agentnet/internal/messaging/inproc"
	"agentnet/internal/orchestrator"
	"agentnet/internal/policy"
	"agentnet/internal/registry"
	"agentnet/internal/sink"
	kafkasink "agentnet/internal/sink/kafka"
	redissink "agentnet/internal/sink/redis"
	sqlitestore "agentnet/internal/store/sqlite"
)

var (
	listenAddr string
	dbPathFlag string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator, the bus, the configured agents and the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "http listen address override")
	serveCmd.Flags().StringVar(&dbPathFlag, "db", "", "sqlite audit database path override")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dbPathFlag != "" {
		cfg.Sinks.SQLite.Path = dbPathFlag
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks, err := openSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sinks.Close()

	var admitter inproc.Admitter
	if cfg.Bus.EnforcePolicy {
		admitter = policy.Default()
	}
	bus := inproc.New(inproc.Config{
		MailboxSize:        cfg.Bus.MailboxSize,
		StrictRegistration: cfg.Bus.StrictRegistration,
		Admitter:           admitter,
	}, logger)
	defer bus.Close()

	agents := registry.New(registry.Config{
		ReliabilityWindow: cfg.Registry.ReliabilityWindow,
		HeartbeatTimeout:  config.Millis(cfg.Registry.HeartbeatTimeoutMS, 0),
	})

	orch, err := orchestrator.New(bus, agents, sinks.audit, orchestrator.Config{
		TickInterval:      config.Millis(cfg.Orchestrator.TickIntervalMS, 250*time.Millisecond),
		DefaultTimeout:    config.Millis(cfg.Orchestrator.DefaultTimeoutMS, 5*time.Minute),
		DefaultMaxRetries: cfg.Orchestrator.DefaultMaxRetries,
		RetryBackoff:      config.Millis(cfg.Orchestrator.RetryBackoffMS, 0),
		HistorySize:       cfg.Orchestrator.HistorySize,
		RecentOutcomes:    cfg.Orchestrator.RecentOutcomes,
		DeliveryTimeout:   config.Millis(cfg.Orchestrator.DeliveryTimeoutMS, 10*time.Second),
	}, logger)
	if err != nil {
		return err
	}

	gen, err := newGenerator(cfg.LLM, logger)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	if err := orch.Start(gctx); err != nil {
		return err
	}

	workers := make([]*agent.Worker, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		w, err := newWorker(ac, gen, bus, orch, logger)
		if err != nil {
			return err
		}
		if err := w.Start(gctx); err != nil {
			return err
		}
		workers = append(workers, w)
	}

	var archive api.Archive
	if sinks.store != nil {
		archive = sinks.store
	}
	addr := firstNonEmpty(listenAddr, cfg.Server.Addr, ":8091")
	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(orch, archive, api.ConfigView{Path: cfg.Path, Raw: cfg.Raw}, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Millis(cfg.Server.ShutdownTimeoutMS, 5*time.Second))
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.WithFields(logrus.Fields{
		"addr":     addr,
		"agents":   len(workers),
		"llm":      cfg.LLM.Provider,
		"config":   cfg.Path,
		"sqlite":   sinks.store != nil,
		"policy":   cfg.Bus.EnforcePolicy,
		"mailboxq": cfg.Bus.MailboxSize,
		"inboxes":  bus.Registered(),
	}).Info("agentnet started")

	err = group.Wait()
	orch.Wait()
	for _, w := range workers {
		w.Wait()
		logger.WithField("agent_id", w.ID()).Debug("worker stopped")
	}
	logger.Info("agentnet stopped")
	return err
}

func newWorker(ac config.AgentConfig, gen llm.Fallback, bus *inproc.Bus, orch *orchestrator.Service, logger logrus.FieldLogger) (*agent.Worker, error) {
	ops := agent.Builtin()
	if ac.Kind == "content" {
		for name, fn := range agent.ContentOperations(gen) {
			ops[name] = fn
		}
	}
	maxTasks := ac.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = 1
	}
	return agent.NewWorker(
		domain.AgentProfile{AgentID: ac.ID, Capabilities: ac.Capabilities, MaxConcurrentTasks: maxTasks},
		ops, bus, orch,
		agent.Config{HeartbeatInterval: config.Millis(ac.HeartbeatIntervalMS, config.DefaultHeartbeatIntervalMS*time.Millisecond)},
		logger,
	)
}

// newGenerator always returns a Fallback so content agents degrade to the
// template when the model is unavailable or not configured.
func newGenerator(cfg config.LLMConfig, logger logrus.FieldLogger) (llm.Fallback, error) {
	tmpl := llm.Template{Format: cfg.TemplateFormat, MaxWords: cfg.TemplateMaxWords}
	gen := llm.Fallback{Secondary: tmpl, Logger: logger}
	if cfg.Provider != "anthropic" {
		return gen, nil
	}
	key, err := config.Secrets{}.APIKey(cfg)
	if err != nil {
		if errors.Is(err, config.ErrSecretMissing) {
			logger.WithError(err).Warn("anthropic provider configured without a key; using template generator")
			return gen, nil
		}
		return gen, err
	}
	primary, err := llm.NewAnthropic(llm.AnthropicConfig{
		APIKey:            key,
		Model:             cfg.Model,
		MaxTokens:         cfg.MaxTokens,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Timeout:           config.Millis(cfg.TimeoutMS, time.Minute),
	})
	if err != nil {
		return gen, err
	}
	gen.Primary = primary
	return gen, nil
}

type sinkSet struct {
	audit  orchestrator.Audit
	store  *sqlitestore.Store
	async  *sink.Async
	closes []func() error
}

func (s *sinkSet) Close() {
	if s.async != nil {
		s.async.Close()
	}
	for i := len(s.closes) - 1; i >= 0; i-- {
		_ = s.closes[i]()
	}
}

// openSinks builds the audit pipeline: every enabled backend behind one
// Fanout, wrapped in Async so the scheduling loop never waits on I/O.
func openSinks(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*sinkSet, error) {
	set := &sinkSet{}
	var targets sink.Fanout

	if cfg.Sinks.SQLite.Enabled {
		path := filepath.Clean(cfg.Sinks.SQLite.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		store, err := sqlitestore.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		set.closes = append(set.closes, store.Close)
		if err := store.Migrate(ctx); err != nil {
			set.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		set.store = store
		targets = append(targets, store)
	}

	if cfg.Sinks.Kafka.Enabled {
		k, err := kafkasink.New(kafkasink.Config{
			Brokers:      cfg.Sinks.Kafka.Brokers,
			Topic:        cfg.Sinks.Kafka.Topic,
			BatchTimeout: config.Millis(cfg.Sinks.Kafka.BatchTimeoutMS, 10*time.Millisecond),
		})
		if err != nil {
			set.Close()
			return nil, err
		}
		set.closes = append(set.closes, k.Close)
		targets = append(targets, k)
	}

	if cfg.Sinks.Redis.Enabled {
		r, err := redissink.New(ctx, redissink.Config{
			Addr:     cfg.Sinks.Redis.Addr,
			Password: cfg.Sinks.Redis.Password,
			DB:       cfg.Sinks.Redis.DB,
			Prefix:   cfg.Sinks.Redis.Prefix,
			MaxLen:   cfg.Sinks.Redis.MaxLen,
			TaskTTL:  config.Millis(cfg.Sinks.Redis.TaskTTLMS, 24*time.Hour),
		})
		if err != nil {
			set.Close()
			return nil, err
		}
		set.closes = append(set.closes, r.Close)
		targets = append(targets, r)
	}

	if len(targets) == 0 {
		set.audit = sink.Nop{}
		return set, nil
	}
	set.async = sink.NewAsync(targets, cfg.Sinks.AsyncBuffer, logger)
	set.audit = set.async
	return set, nil
}
