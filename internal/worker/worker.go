package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/forge/internal/camunda"
	"github.com/seantiz/forge/internal/handler"
	"github.com/seantiz/forge/internal/store"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultAsyncResponseTimeout = 20 * time.Second
	DefaultShutdownGrace        = 10 * time.Second
	DefaultBackoffMax           = 30 * time.Second
)

// EngineClient is the engine API the worker drives. *camunda.Client
// implements it.
type EngineClient interface {
	EngineReporter
	FetchAndLock(ctx context.Context, req camunda.FetchRequest) ([]camunda.LockedTask, error)
	WorkerID() string
}

var _ EngineClient = (*camunda.Client)(nil)

// Config holds the worker loop settings.
type Config struct {
	// MaxTasks caps the tasks requested per fetch.
	MaxTasks int
	// PoolSize is the number of concurrent handler invocations. Zero means
	// MaxTasks.
	PoolSize             int
	AsyncResponseTimeout time.Duration
	UsePriority          bool
	// FetchInterval is the minimum spacing between fetch requests.
	FetchInterval time.Duration
	BackoffMax    time.Duration
	ShutdownGrace time.Duration
}

// Worker polls the engine and feeds leases to the dispatcher.
type Worker struct {
	cfg        Config
	client     EngineClient
	registry   *handler.Registry
	journal    store.Store
	broker     *EventBroker
	dispatcher *Dispatcher
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
	running    atomic.Bool
}

// New creates a worker. Subscriptions may still be added to reg until Run
// freezes it.
func New(cfg Config, client EngineClient, reg *handler.Registry, journal store.Store, logger *slog.Logger) (*Worker, error) {
	if cfg.MaxTasks <= 0 {
		return nil, fmt.Errorf("max tasks must be positive, got %d", cfg.MaxTasks)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = cfg.MaxTasks
	}
	if cfg.AsyncResponseTimeout <= 0 {
		cfg.AsyncResponseTimeout = DefaultAsyncResponseTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}

	limit := rate.Inf
	if cfg.FetchInterval > 0 {
		limit = rate.Every(cfg.FetchInterval)
	}

	broker := NewEventBroker()
	reporter := NewReporter(client, logger)
	return &Worker{
		cfg:        cfg,
		client:     client,
		registry:   reg,
		journal:    journal,
		broker:     broker,
		dispatcher: NewDispatcher(cfg.PoolSize, reg, reporter, journal, broker, logger),
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Broker returns the lease event broker for SSE subscription.
func (w *Worker) Broker() *EventBroker {
	return w.broker
}

// Registry returns the worker's subscription registry.
func (w *Worker) Registry() *handler.Registry {
	return w.registry
}

// ID returns the worker id the engine sees.
func (w *Worker) ID() string {
	return w.client.WorkerID()
}

// InFlight returns the number of leases being handled.
func (w *Worker) InFlight() int {
	return w.dispatcher.InFlight()
}

// PoolSize returns the concurrency bound.
func (w *Worker) PoolSize() int {
	return w.dispatcher.Size()
}

// Running reports whether the poll loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Run freezes the registry and polls until ctx is cancelled. It then stops
// fetching, gives in-flight handlers the shutdown grace period and abandons
// what is left. Fetch errors are never fatal. Run returns a
// *handler.ConfigurationError when no subscription is registered.
func (w *Worker) Run(ctx context.Context) error {
	w.registry.Freeze()
	if w.registry.Len() == 0 {
		return &handler.ConfigurationError{Err: handler.ErrNoSubscriptions}
	}
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("worker already running")
	}
	defer w.running.Store(false)

	w.logger.Info("worker started",
		"worker_id", w.client.WorkerID(),
		"topics", w.registry.Topics(),
		"max_tasks", w.cfg.MaxTasks,
		"pool_size", w.dispatcher.Size(),
	)

	w.poll(ctx)

	w.logger.Info("worker stopping", "in_flight", w.dispatcher.InFlight())
	w.dispatcher.Shutdown(w.cfg.ShutdownGrace)
	w.broker.Close()
	w.logger.Info("worker stopped")
	return nil
}
