package engine

import (
	"log/slog"
	"time"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/hook"
	"github.com/expertping/idex.nucleus/middleware"
	"github.com/expertping/idex.nucleus/queue"
)

// Option configures an Engine.
type Option func(*Engine)

// WithName sets the engine name stamped into origin metadata.
func WithName(name string) Option {
	return func(e *Engine) { e.cfg.Name = name }
}

// WithDefaultQueue sets the queue associated with stored action
// configurations and subscribed to at startup.
func WithDefaultQueue(queueName string) Option {
	return func(e *Engine) { e.cfg.DefaultQueue = queueName }
}

// WithRedisAddr sets the host:port of the shared store.
func WithRedisAddr(addr string) Option {
	return func(e *Engine) { e.cfg.RedisAddr = addr }
}

// WithRedisDB selects the store database.
func WithRedisDB(db int) Option {
	return func(e *Engine) { e.cfg.RedisDB = db }
}

// WithLogger sets the structured logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEnvironment overrides the environment read from NUCLEUS_ENV.
func WithEnvironment(env nucleus.Environment) Option {
	return func(e *Engine) { e.cfg.Environment = env }
}

// WithActionTTL overrides the action hash lifetime.
func WithActionTTL(d time.Duration) Option {
	return func(e *Engine) { e.cfg.ActionTTL = d }
}

// WithEventTTL overrides the event hash lifetime and retention window.
func WithEventTTL(d time.Duration) Option {
	return func(e *Engine) { e.cfg.EventTTL = d }
}

// WithHook registers a lifecycle hook with the engine.
func WithHook(h hook.Hook) Option {
	return func(e *Engine) {
		if e.hooks == nil {
			e.hooks = hook.NewRegistry(slog.Default())
		}
		e.hooks.Register(h)
	}
}

// WithMiddleware appends middleware to the default execution chain
// (recover, tracing, metrics, logging).
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) { e.userMws = append(e.userMws, mws...) }
}

// WithQueueLimits gates local execution per queue: concurrency caps,
// sustained admission rates, and per-origin-user bounds. Claimed
// actions refused by the gate are returned to their queue for the
// rest of the pool. Queues without a limit are never gated.
func WithQueueLimits(limits ...queue.Limit) Option {
	return func(e *Engine) {
		if e.gate == nil {
			e.gate = queue.NewGate(limits...)
			return
		}
		for _, l := range limits {
			e.gate.SetLimit(l)
		}
	}
}

// WithMetadataIngestor injects the external metadata ingestor used by
// Autodiscover.
func WithMetadataIngestor(i MetadataIngestor) Option {
	return func(e *Engine) { e.ingestor = i }
}

// WithAutodiscovery runs the metadata ingestor against the directory
// during initialization.
func WithAutodiscovery(directory string) Option {
	return func(e *Engine) { e.cfg.AutodiscoveryDirectory = directory }
}

// WithAutoRetrievePendingActions installs the pending-action
// subscription for the default queue during initialization.
func WithAutoRetrievePendingActions() Option {
	return func(e *Engine) { e.cfg.AutoRetrievePendingActions = true }
}
