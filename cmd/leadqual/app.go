package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/leadqual/internal/config"
	"github.com/ashureev/leadqual/internal/dialogue"
	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/engine"
	"github.com/ashureev/leadqual/internal/events"
	"github.com/ashureev/leadqual/internal/followup"
	"github.com/ashureev/leadqual/internal/generator"
	"github.com/ashureev/leadqual/internal/session"
	"github.com/ashureev/leadqual/internal/store"
	"github.com/ashureev/leadqual/internal/transcript"
)

// app holds every long-lived component of a running service.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	repo      store.Repository
	sessions  *session.Store
	engine    *engine.Engine
	bus       *events.Bus
	scheduler *followup.Scheduler
	outbox    followup.Outbox
	redis     *followup.RedisOutbox
	gen       dialogue.Generator
	log       *transcript.Logger

	outboxKind string
}

// buildApp wires the conversation engine and its collaborators. notifier may
// be nil; when set it receives follow-ups for connected leads.
//
//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func buildApp(ctx context.Context, cfg *config.Config, notifier followup.Notifier, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if cfg.Persistent() {
		repo, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("initialize database: %w", err)
		}
		a.repo = repo
		if err := repo.Ping(ctx); err != nil {
			return nil, fmt.Errorf("database health check: %w", err)
		}
		logger.Info("Database connected", "path", cfg.DBPath)
	}

	gen, err := generator.New(ctx, generator.Config{
		Provider:       cfg.Generator.Provider,
		Model:          cfg.Generator.Model,
		APIKey:         cfg.Generator.APIKey,
		BaseURL:        cfg.Generator.BaseURL,
		Address:        cfg.Generator.Address,
		MaxTokens:      cfg.Generator.MaxTokens,
		ConnectTimeout: cfg.Generator.Timeout,
	}, logger)
	if err != nil {
		// Generation only rephrases; the service runs on templates without it.
		logger.Warn("Generator unavailable, using template replies", "provider", cfg.Generator.Provider, "error", err)
	}
	a.gen = gen

	if cfg.Redis.URL != "" {
		ro, err := followup.NewRedisOutbox(ctx, cfg.Redis.URL, cfg.Redis.TLSInsecure)
		if err != nil {
			return nil, fmt.Errorf("connect follow-up outbox: %w", err)
		}
		a.redis, a.outbox, a.outboxKind = ro, ro, "redis"
	} else {
		a.outbox, a.outboxKind = followup.NewMemoryOutbox(), "memory"
	}

	a.log, err = transcript.New(transcript.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize transcript logger: %w", err)
	}

	a.sessions = session.NewStore(a.repo, session.Options{Logger: logger})
	a.bus = events.NewBus(logger)

	machine := dialogue.NewMachine(dialogue.NewExtractor(cfg.Extraction.MinAge, cfg.Extraction.MaxAge))
	composer := dialogue.NewComposer(dialogue.ComposerConfig{
		Generator: gen,
		Timeout:   cfg.Generator.Timeout,
		MinAge:    cfg.Extraction.MinAge,
		MaxAge:    cfg.Extraction.MaxAge,
		Logger:    logger,
	})

	var recommender engine.Recommender = engine.CatalogRecommender{}
	if gen != nil {
		recommender = engine.GeneratorRecommender{Generator: gen, Timeout: cfg.Generator.Timeout, Logger: logger}
	}

	ecfg := engine.Config{
		Store:       a.sessions,
		Machine:     machine,
		Composer:    composer,
		Outbox:      a.outbox,
		Events:      a.bus,
		Recommender: recommender,
		Logger:      logger,
	}
	if a.repo != nil {
		ecfg.Repo = a.repo
	}
	if a.log != nil {
		ecfg.Transcript = a.log
	}
	if a.engine, err = engine.New(ecfg); err != nil {
		return nil, err
	}

	if cfg.Events.Recommendations {
		err := a.bus.OnLeadConfirmed(ctx, func(ctx context.Context, p domain.LeadProfile) error {
			_, err := a.engine.Recommend(ctx, p)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	if err := a.bus.OnFollowUp(ctx, a.engine.RecordFollowUp); err != nil {
		return nil, err
	}

	opts := []followup.Option{followup.WithPublisher(a.bus), followup.WithLogger(logger)}
	if a.repo != nil {
		opts = append(opts, followup.WithRepository(a.repo))
	}
	if notifier != nil {
		opts = append(opts, followup.WithNotifier(notifier))
	}
	a.scheduler = followup.New(followup.Config{
		WarmUp:              cfg.FollowUp.WarmUp,
		Interval:            cfg.FollowUp.Interval,
		InactivityThreshold: cfg.FollowUp.InactivityThreshold,
		MaxFollowUps:        cfg.FollowUp.MaxFollowUps,
		CleanupInterval:     cfg.FollowUp.CleanupInterval,
		RetentionWindow:     cfg.FollowUp.RetentionWindow,
	}, a.sessions, composer, a.outbox, opts...)

	ok = true
	return a, nil
}

// generatorName is reported by the health endpoint.
func (a *app) generatorName() string {
	if a.gen == nil {
		return generator.ProviderNone
	}
	return a.cfg.Generator.Provider
}

// Close releases components in reverse start order. The session store is
// closed before the repository so pending writes can flush.
func (a *app) Close() {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.sessions != nil {
		errs = append(errs, a.sessions.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	if c, ok := a.gen.(generator.Closer); ok {
		c.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("Shutdown finished with errors", "error", err)
	}
}
