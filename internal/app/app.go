// Package app wires the stores, model client and workflow shared by the
// server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ashureev/mqol-labs/internal/config"
	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/ashureev/mqol-labs/internal/interventions"
	"github.com/ashureev/mqol-labs/internal/llm"
	"github.com/ashureev/mqol-labs/internal/questionbank"
	"github.com/ashureev/mqol-labs/internal/session"
	"github.com/ashureev/mqol-labs/internal/store"
	"github.com/ashureev/mqol-labs/internal/telemetry"
	"github.com/ashureev/mqol-labs/internal/transcript"
	"github.com/ashureev/mqol-labs/internal/workflow"
)

// Version is stamped into traces and printed by the CLI.
var Version = "dev"

// Options tune New.
type Options struct {
	// Channel tags transcript entries, e.g. "http" or "cli".
	Channel string
	Logger  *slog.Logger
	// Emitter receives every event in addition to the hub.
	Emitter events.Emitter
}

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config  *config.Config
	Repo    store.Repository
	LLM     llm.Client
	Bank    *questionbank.Source
	Catalog *interventions.Catalog
	Hub     *events.Hub
	Engine  *workflow.Engine
	Service *session.Service

	logger  *slog.Logger
	cancel  context.CancelFunc
	closers []func(context.Context) error
}

// New builds the application from cfg. On error, everything opened so far
// is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	a := &App{Config: cfg, logger: logger, cancel: cancel}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, Version, cfg.Telemetry.Insecure)
	if err != nil {
		return nil, err
	}
	a.onClose(shutdown)

	repo, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.Path, cfg.DB.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Repo = repo
	a.onClose(func(context.Context) error { return repo.Close() })
	if err := repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "driver", cfg.DB.Driver)

	client, err := llm.New(ctx, llm.Config{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey(),
		BaseURL:     cfg.LLM.BaseURL,
		GatewayAddr: cfg.LLM.GatewayAddr,
		Timeout:     cfg.LLM.Timeout,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.LLM = client
	if c, ok := client.(io.Closer); ok {
		a.onClose(func(context.Context) error { return c.Close() })
	}

	a.Bank = questionbank.NewSource(cfg.Bank.Path, logger)
	if cfg.Bank.Watch {
		if err := a.Bank.Watch(bgCtx, 0); err != nil {
			logger.Warn("Question bank watch disabled", "error", err)
		}
	}
	a.Catalog = interventions.Load(cfg.CatalogPath, logger)

	a.Hub = events.NewHub(cfg.SSE.ReplaySize, 0, logger)
	emitter := events.Multi(a.Hub, opts.Emitter)
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			logger.Warn("NATS unavailable, events stay in process", "error", err)
		} else {
			a.onClose(func(context.Context) error { return nc.Drain() })
			emitter = events.Multi(emitter, events.NewNATSSink(nc, cfg.NATS.SubjectPrefix))
		}
	}

	engine, err := workflow.NewEngine(workflow.Deps{
		LLM:     client,
		Bank:    a.Bank,
		Catalog: a.Catalog,
		Emitter: emitter,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	a.Engine = engine

	tl, err := transcript.New(transcript.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init transcript: %w", err)
	}

	svc, err := session.New(session.Options{
		Repo:       repo,
		Engine:     engine,
		Emitter:    emitter,
		Pruner:     a.Hub,
		Transcript: tl,
		Workflow: workflow.SessionConfig{
			PlannerPerDim:         cfg.Workflow.PlannerPerDim,
			MaxIntentRounds:       cfg.Workflow.MaxIntentRounds,
			IntentThreshold:       cfg.Workflow.IntentThreshold,
			CompletenessThreshold: cfg.Workflow.CompletenessThreshold,
		},
		Logger:  logger,
		Channel: opts.Channel,
	})
	if err != nil {
		_ = tl.Close()
		return nil, err
	}
	a.Service = svc
	a.onClose(func(context.Context) error { return svc.Close() })

	return a, nil
}

// StartReaper pauses idle sessions in the background until ctx is done.
func (a *App) StartReaper(ctx context.Context) {
	a.Service.StartReaper(ctx, session.DefaultReapInterval, a.Config.SessionTTL)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close stops background work and releases resources in reverse order of
// acquisition.
func (a *App) Close(ctx context.Context) error {
	a.cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ShutdownTimeout bounds Close during process exit.
const ShutdownTimeout = 10 * time.Second
