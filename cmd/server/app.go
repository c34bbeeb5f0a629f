package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/aiqueue/internal/breaker"
	"github.com/phrazzld/aiqueue/internal/cache"
	"github.com/phrazzld/aiqueue/internal/config"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/events"
	"github.com/phrazzld/aiqueue/internal/platform/gemini"
	"github.com/phrazzld/aiqueue/internal/platform/redisstore"
	"github.com/phrazzld/aiqueue/internal/queue"
	"github.com/phrazzld/aiqueue/internal/redact"
	"github.com/phrazzld/aiqueue/internal/retry"
)

// geminiBreaker names the breaker guarding calls to the model API.
const geminiBreaker = "gemini"

// application holds the process-wide dependencies and closes them in order
// on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	store    *redisstore.Client
	cache    *cache.Cache
	breakers *breaker.Registry
	retries  *retry.Manager
	emitter  *events.InMemoryEventEmitter
	queues   *queue.Manager
}

// newApplication builds every component without contacting Redis or the
// model API; the queue manager connects on first use.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	logger.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"redis_enabled", cfg.Redis.Enabled,
		"llm_enabled", cfg.LLM.Enabled)

	app := &application{
		config: cfg,
		logger: logger,
		store:  redisstore.New(cfg.Redis, logger),
	}

	var err error
	app.cache, err = cache.New(cfg.Cache, app.store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	app.breakers = breaker.NewRegistry(cfg.Breaker, logger, nil)
	app.breakers.OnStateChange(func(name string, from, to breaker.State) {
		if to == breaker.StateOpen {
			logger.Warn("dependency unavailable, calls are short-circuited", "breaker", name)
		}
	})

	app.retries = retry.NewManager(logger)

	app.emitter = events.NewInMemoryEventEmitter(logger)
	app.emitter.RegisterHandler(newJobEventLogger(logger))

	app.queues = queue.NewManager(cfg.Queue, queue.Deps{
		Store:    app.store,
		Cache:    app.cache,
		Breakers: app.breakers,
		Retries:  app.retries,
		Policy:   retry.PolicyFromConfig(cfg.Retry),
		Events:   app.emitter,
		Logger:   logger,
	})

	if err := app.registerHandlers(ctx); err != nil {
		return nil, err
	}

	logger.Info("Application initialized successfully")
	return app, nil
}

// registerHandlers binds the model-backed handlers. Without LLM
// configuration no handler is registered and submissions to the analysis
// queues are rejected as unknown.
func (app *application) registerHandlers(ctx context.Context) error {
	if !app.config.LLM.Enabled {
		app.logger.Warn("LLM disabled, analysis queues have no handlers")
		return nil
	}

	analyzer, err := gemini.New(ctx, app.config.LLM, app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Gemini analyzer: %w", err)
	}

	app.breakers.Register(breaker.ConfigFrom(geminiBreaker, app.config.Breaker))
	opts := []queue.HandlerOption{
		queue.WithCacheType(domain.CacheAIAnalysis),
		queue.WithBreaker(geminiBreaker),
		queue.WithRetryPolicy(retry.AIServicePolicy()),
	}

	if err := queue.Handle(app.queues, analyzer.AnalyzeSkin, opts...); err != nil {
		return fmt.Errorf("failed to register skin analysis handler: %w", err)
	}
	if err := queue.Handle(app.queues, analyzer.DetectFaces, opts...); err != nil {
		return fmt.Errorf("failed to register face detection handler: %w", err)
	}

	app.logger.Info("analysis handlers registered", "model", app.config.LLM.ModelName)
	return nil
}

// cleanup stops the workers, waits for background cache writes and closes
// the durable store.
func (app *application) cleanup(ctx context.Context) error {
	var errs []error
	if err := app.queues.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop queue manager: %w", err))
	}
	app.cache.Flush()
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close durable store: %w", err))
	}
	return errors.Join(errs...)
}

// newJobEventLogger reports terminal and abnormal job transitions. Errors
// come from handlers and upstream services, so they are redacted.
func newJobEventLogger(logger *slog.Logger) events.EventHandler {
	log := logger.With("component", "job_events")
	return events.HandlerFunc(func(ctx context.Context, ev *events.JobEvent) error {
		attrs := []any{
			"event_id", ev.ID,
			"job_id", ev.JobID,
			"queue_type", string(ev.QueueType),
			"attempt", ev.Attempt,
		}
		switch ev.Type {
		case events.JobFailed, events.JobStalled:
			log.WarnContext(ctx, "job "+string(ev.Type), append(attrs, "error", redact.String(ev.Error))...)
		case events.JobRetrying:
			log.InfoContext(ctx, "job retrying", append(attrs, "error", redact.String(ev.Error))...)
		default:
			log.DebugContext(ctx, "job "+string(ev.Type), attrs...)
		}
		return nil
	})
}
