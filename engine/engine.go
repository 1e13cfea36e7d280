// Package engine wires all nucleus subsystems together: the store
// client and its derived connections, the dispatcher, the handler and
// hook registries, and the public operations. It sits above every
// subsystem package and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/action"
	"github.com/expertping/idex.nucleus/dispatcher"
	"github.com/expertping/idex.nucleus/event"
	"github.com/expertping/idex.nucleus/hook"
	"github.com/expertping/idex.nucleus/id"
	"github.com/expertping/idex.nucleus/middleware"
	"github.com/expertping/idex.nucleus/queue"
	"github.com/expertping/idex.nucleus/signature"
	redisstore "github.com/expertping/idex.nucleus/store/redis"
	"github.com/expertping/idex.nucleus/template"
)

// Engine is one process-instance of the nucleus runtime. Many engines
// share a store and cooperate as a pool.
//
// Construction returns immediately; initialization runs in the
// background. Every store-touching operation awaits readiness
// internally, and AwaitReady exposes it to callers that want to fail
// fast.
type Engine struct {
	engineID string
	cfg      nucleus.Config
	logger   *slog.Logger

	handlers *action.Registry
	hooks    *hook.Registry
	gate     *queue.Gate
	ingestor MetadataIngestor
	userMws  []middleware.Middleware

	// The four primary connections. Derived subscription connections
	// hang off their per-role caches.
	actionClient   *redisstore.Client
	engineClient   *redisstore.Client
	eventClient    *redisstore.Client
	eventSubClient *redisstore.Client

	store      *redisstore.Store
	eventStore *redisstore.Store
	d          *dispatcher.Dispatcher

	readyCh  chan struct{}
	readyErr error

	mu        sync.Mutex
	queueSubs map[string]bool
	destroyed bool
}

// New creates an Engine and starts its initialization in the
// background: the four primary connections are opened in parallel, the
// store configuration is verified, the default queue is registered,
// and optional autodiscovery and queue subscription are performed.
func New(opts ...Option) *Engine {
	e := &Engine{
		engineID:  id.NewEngineID().String(),
		cfg:       nucleus.DefaultConfig(),
		handlers:  action.NewRegistry(),
		readyCh:   make(chan struct{}),
		queueSubs: make(map[string]bool),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = defaultLogger(e.cfg.Environment)
	}
	if e.hooks == nil {
		e.hooks = hook.NewRegistry(e.logger)
	}

	redisOpts := &goredis.Options{Addr: e.cfg.RedisAddr, DB: e.cfg.RedisDB}
	e.actionClient = redisstore.New(redisOpts, redisstore.WithLogger(e.logger))
	e.engineClient = redisstore.New(redisOpts, redisstore.WithLogger(e.logger))
	e.eventClient = redisstore.New(redisOpts, redisstore.WithLogger(e.logger))
	e.eventSubClient = redisstore.New(redisOpts, redisstore.WithLogger(e.logger))

	storeOpts := []redisstore.StoreOption{
		redisstore.WithStoreLogger(e.logger),
		redisstore.WithActionTTL(e.cfg.ActionTTL),
		redisstore.WithEventTTL(e.cfg.EventTTL),
	}
	e.store = redisstore.NewStore(e.actionClient, e.cfg.DefaultQueue, storeOpts...)
	e.eventStore = redisstore.NewStore(e.eventClient, e.cfg.DefaultQueue, storeOpts...)

	evaluator := template.NewEvaluator(template.WithResourceModeler(e.resourceModel))

	mws := []middleware.Middleware{
		middleware.Recover(e.logger),
		middleware.Tracing(),
		middleware.Metrics(),
		middleware.Logging(e.logger),
	}
	mws = append(mws, e.userMws...)

	dOpts := []dispatcher.Option{
		dispatcher.WithLogger(e.logger),
		dispatcher.WithTemplateEvaluator(evaluator),
		dispatcher.WithHooks(e.hooks),
		dispatcher.WithMiddleware(mws...),
		dispatcher.WithEngineID(e.engineID),
	}
	if e.gate != nil {
		dOpts = append(dOpts, dispatcher.WithQueueGate(e.gate))
	}
	e.d = dispatcher.New(e.store, e.handlers, dOpts...)

	go e.initialize()
	return e
}

// ID returns this engine instance's identifier, stamped into the
// origin metadata of everything it publishes.
func (e *Engine) ID() string { return e.engineID }

// Handlers returns the in-memory handler registry.
func (e *Engine) Handlers() *action.Registry { return e.handlers }

// Hooks returns the lifecycle hook registry.
func (e *Engine) Hooks() *hook.Registry { return e.hooks }

// RegisterHandler associates a handler with an action name. Available
// before readiness.
func (e *Engine) RegisterHandler(name string, h action.HandlerFunc) {
	e.handlers.Register(name, h)
}

// initialize opens the primary connections in parallel, verifies the
// store, registers the default queue, and performs the optional
// startup work. Its outcome is observed through AwaitReady.
func (e *Engine) initialize() {
	defer close(e.readyCh)

	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range []*redisstore.Client{
		e.actionClient, e.engineClient, e.eventClient, e.eventSubClient,
	} {
		g.Go(func() error { return c.Ping(gctx) })
	}
	if err := g.Wait(); err != nil {
		e.readyErr = fmt.Errorf("nucleus/engine: open store connections: %w", err)
		return
	}

	if err := e.verifyStoreConfiguration(ctx); err != nil {
		e.readyErr = err
		return
	}

	if err := e.store.RegisterQueue(ctx, e.cfg.DefaultQueue); err != nil {
		e.readyErr = err
		return
	}

	if dir := e.cfg.AutodiscoveryDirectory; dir != "" {
		if err := e.autodiscover(ctx, dir); err != nil {
			e.readyErr = err
			return
		}
	}

	if e.cfg.AutoRetrievePendingActions {
		if err := e.subscribeToActionQueueUpdate(ctx, e.cfg.DefaultQueue); err != nil {
			e.readyErr = err
			return
		}
	}

	e.logger.Info("engine ready",
		slog.String("engine_id", e.engineID),
		slog.String("engine_name", e.cfg.Name),
		slog.String("default_queue", e.cfg.DefaultQueue),
	)
}

// AwaitReady blocks until initialization finished or ctx expires, and
// reports the initialization outcome.
func (e *Engine) AwaitReady(ctx context.Context) error {
	select {
	case <-e.readyCh:
		return e.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy closes every primary and derived connection. The engine is
// unusable afterwards.
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	e.mu.Unlock()

	e.hooks.EmitShutdown(ctx)

	var firstErr error
	for _, c := range []*redisstore.Client{
		e.actionClient, e.engineClient, e.eventClient, e.eventSubClient,
	} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.logger.Info("engine destroyed", slog.String("engine_id", e.engineID))
	return firstErr
}

func (e *Engine) ready(ctx context.Context) error {
	e.mu.Lock()
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return nucleus.ErrEngineDestroyed
	}
	return e.AwaitReady(ctx)
}

// ── Public operations ──

// PublishActionToQueueByName enqueues an already-constructed action
// onto a registered queue. When a configuration is already stored for
// the action name and it does not extend an extendable configuration,
// the message is checked against its signatures and schema before the
// enqueue, so obviously mistyped publishes fail at the publisher
// instead of at a distant consumer. Extending actions are checked only
// at execution time.
func (e *Engine) PublishActionToQueueByName(ctx context.Context, queueName string, a *action.Action) error {
	if err := e.ready(ctx); err != nil {
		return err
	}

	if cfg, err := e.store.ActionConfiguration(ctx, a.Name); err == nil && cfg.ActionNameToExtend == "" {
		candidates := [][]string{cfg.Signature}
		if cfg.AlternativeSignature != nil {
			candidates = append(candidates, cfg.AlternativeSignature)
		}
		if _, err := signature.Resolve(candidates, a.OriginalMessage, a.Meta.UserID, cfg.ArgumentsByName); err != nil {
			return err
		}
	}

	return e.d.Enqueue(ctx, queueName, a)
}

// PublishActionByNameAndHandleResponse constructs an action for the
// named configuration, publishes it to the action's registered queue,
// and blocks until the distant (or local) consumer drives it to a
// terminal status. It resolves with the handler's final message or
// rejects with the wrapped failure.
func (e *Engine) PublishActionByNameAndHandleResponse(
	ctx context.Context,
	name string,
	message map[string]any,
	originUserID string,
) (map[string]any, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}

	queueName, err := e.store.QueueNameForAction(ctx, name)
	if err != nil {
		return nil, err
	}

	a := action.New(name, message, action.LocalOrigin(e.engineID, e.cfg.Name, originUserID))
	return e.d.PublishAndAwait(ctx, queueName, a)
}

// PublishEventToChannelByName publishes an event on a named channel.
func (e *Engine) PublishEventToChannelByName(ctx context.Context, channel string, evt *event.Event) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	if err := e.eventStore.PublishEvent(ctx, channel, evt); err != nil {
		return err
	}
	e.hooks.EmitEventPublished(ctx, channel, evt)
	return nil
}

// SubscribeToEventChannelByName delivers every event published on the
// channel to the handler. Delivery runs on the event-subscriber
// connection's dispatch goroutine.
func (e *Engine) SubscribeToEventChannelByName(ctx context.Context, channel string, h func(*event.Event)) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	return e.eventSubClient.Subscribe(ctx, "EventSubscriber", channel, func(_, payload string) {
		evt, err := event.UnmarshalWire([]byte(payload))
		if err != nil {
			e.logger.Warn("drop malformed event",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
			return
		}
		h(evt)
	})
}

// UnsubscribeFromEventChannelByName stops delivery for the channel.
func (e *Engine) UnsubscribeFromEventChannelByName(ctx context.Context, channel string) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	return e.eventSubClient.Unsubscribe(ctx, "EventSubscriber", channel)
}

// SubscribeToActionQueueUpdate installs the auto-retrieve loop for a
// queue: every keyspace notification for the queue list schedules a
// pending-action retrieval. Installation is idempotent.
func (e *Engine) SubscribeToActionQueueUpdate(ctx context.Context, queueName string) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	return e.subscribeToActionQueueUpdate(ctx, queueName)
}

func (e *Engine) subscribeToActionQueueUpdate(ctx context.Context, queueName string) error {
	e.mu.Lock()
	if e.queueSubs[queueName] {
		e.mu.Unlock()
		return nil
	}
	e.queueSubs[queueName] = true
	e.mu.Unlock()

	channel := e.actionClient.KeyspaceChannel(queueName)
	role := redisstore.QueueSubscriberRole(queueName)

	return e.actionClient.Subscribe(ctx, role, channel, func(_, command string) {
		// Only pushes create pending work; expiry and pops do not.
		if command != "lpush" && command != "rpush" {
			return
		}
		go func() {
			// Claim failures are swallowed: the subscription fires
			// again on the next enqueue.
			_ = e.d.RetrievePendingAction(context.Background(), queueName) //nolint:errcheck // logged inside
		}()
	})
}

// RetrievePendingAction performs a one-shot dequeue-and-execute
// against the queue.
func (e *Engine) RetrievePendingAction(ctx context.Context, queueName string) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	return e.d.RetrievePendingAction(ctx, queueName)
}

// ExecuteAction runs the dispatcher state machine on a rehydrated
// action.
func (e *Engine) ExecuteAction(ctx context.Context, a *action.Action) (*action.Action, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	return e.d.Execute(ctx, a)
}

// StoreActionConfiguration persists one action configuration and
// associates it with the engine's default queue.
func (e *Engine) StoreActionConfiguration(ctx context.Context, cfg *action.Configuration) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	return e.store.StoreActionConfiguration(ctx, cfg)
}

// StoreActionConfigurations persists a batch.
func (e *Engine) StoreActionConfigurations(ctx context.Context, cfgs []*action.Configuration) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	return e.store.StoreActionConfigurations(ctx, cfgs)
}

// StoreExtendableActionConfiguration persists one extendable action
// configuration.
func (e *Engine) StoreExtendableActionConfiguration(ctx context.Context, cfg *action.ExtendableConfiguration) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	return e.store.StoreExtendableActionConfiguration(ctx, cfg)
}

// StoreExtendableActionConfigurations persists a batch.
func (e *Engine) StoreExtendableActionConfigurations(ctx context.Context, cfgs []*action.ExtendableConfiguration) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	return e.store.StoreExtendableActionConfigurations(ctx, cfgs)
}

// StoreResourceStructure persists one resource structure.
func (e *Engine) StoreResourceStructure(ctx context.Context, rs *action.ResourceStructure) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	return e.store.StoreResourceStructure(ctx, rs)
}

// StoreResourceStructures persists a batch.
func (e *Engine) StoreResourceStructures(ctx context.Context, structures []*action.ResourceStructure) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	return e.store.StoreResourceStructures(ctx, structures)
}

// resourceModel backs the template namespace function: it loads the
// resource structure for the type and shapes an empty model from its
// properties.
func (e *Engine) resourceModel(resourceType string) (any, error) {
	rs, err := e.store.ResourceStructure(context.Background(), resourceType)
	if err != nil {
		return nil, err
	}
	model := map[string]any{"resource_type": rs.ResourceType}
	for name := range rs.PropertiesByArgumentName {
		model[name] = nil
	}
	return model, nil
}

// defaultLogger maps the environment to diagnostic verbosity.
func defaultLogger(env nucleus.Environment) *slog.Logger {
	var level slog.Level
	switch env {
	case nucleus.EnvDevelopment:
		level = slog.LevelDebug
	case nucleus.EnvTesting:
		level = slog.LevelWarn
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
