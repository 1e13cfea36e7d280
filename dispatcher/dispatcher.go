// Package dispatcher implements the action state machine: enqueue,
// claim, execute, status persistence, status event publication, and
// request/response correlation over keyspace notifications.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/action"
	"github.com/expertping/idex.nucleus/event"
	"github.com/expertping/idex.nucleus/hook"
	"github.com/expertping/idex.nucleus/middleware"
	"github.com/expertping/idex.nucleus/queue"
	"github.com/expertping/idex.nucleus/signature"
	redisstore "github.com/expertping/idex.nucleus/store/redis"
	"github.com/expertping/idex.nucleus/template"
)

// StatusUpdatedEventName names the event published on the per-action
// channel after every terminal transition.
const StatusUpdatedEventName = "ActionStatusUpdated"

// Dispatcher runs actions through their lifecycle. It is shared by the
// publishing side (enqueue, await) and the consuming side (claim,
// execute) of an engine.
type Dispatcher struct {
	store     *redisstore.Store
	handlers  *action.Registry
	templates *template.Evaluator
	hooks     *hook.Registry
	gate      *queue.Gate
	mw        middleware.Middleware
	engineID  string
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTemplateEvaluator sets the evaluator used for extendable actions.
func WithTemplateEvaluator(e *template.Evaluator) Option {
	return func(d *Dispatcher) { d.templates = e }
}

// WithHooks sets the lifecycle hook registry.
func WithHooks(r *hook.Registry) Option {
	return func(d *Dispatcher) { d.hooks = r }
}

// WithQueueGate sets the admission gate consulted between claiming an
// action and executing it. A nil gate admits everything.
func WithQueueGate(g *queue.Gate) Option {
	return func(d *Dispatcher) { d.gate = g }
}

// WithMiddleware sets the middleware chain wrapped around handler
// execution.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Dispatcher) { d.mw = middleware.Chain(mws...) }
}

// WithEngineID stamps status events with the publishing engine.
func WithEngineID(id string) Option {
	return func(d *Dispatcher) { d.engineID = id }
}

// New creates a Dispatcher over the given store and handler registry.
func New(store *redisstore.Store, handlers *action.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		handlers:  handlers,
		templates: template.NewEvaluator(),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.hooks == nil {
		d.hooks = hook.NewRegistry(d.logger)
	}
	if d.mw == nil {
		d.mw = middleware.Chain()
	}
	return d
}

// Enqueue transitions the action to Pending and atomically writes its
// hash, pushes its key onto the queue, and arms the hash TTL. The
// queue must be a registered member of the queue set.
func (d *Dispatcher) Enqueue(ctx context.Context, queueName string, a *action.Action) error {
	registered, err := d.store.IsQueueRegistered(ctx, queueName)
	if err != nil {
		return fmt.Errorf("nucleus/dispatcher: check queue %q: %w", queueName, err)
	}
	if !registered {
		return fmt.Errorf("%w: queue %q is not registered", nucleus.ErrUndefinedContext, queueName)
	}

	if err := a.UpdateStatus(action.StatusPending); err != nil {
		return err
	}
	if err := d.store.EnqueueAction(ctx, queueName, a); err != nil {
		return err
	}

	d.hooks.EmitActionEnqueued(ctx, a, queueName)
	return nil
}

// PublishAndAwait enqueues the action and blocks until a terminal
// status is observed over the action hash's keyspace notifications.
//
// The subscription is established before the enqueue. This ordering is
// required: the consumer may write the terminal status before a late
// subscriber attaches, and the notification would be lost.
func (d *Dispatcher) PublishAndAwait(ctx context.Context, queueName string, a *action.Action) (map[string]any, error) {
	key := a.Key()
	client := d.store.Client()
	channel := client.KeyspaceChannel(key)

	type outcome struct {
		final map[string]any
		err   error
	}
	done := make(chan outcome, 1)

	onNotify := func(_, command string) {
		if command != "hset" && command != "hmset" {
			return
		}
		// Status and final message must come from the same hash read.
		status, fields, err := d.store.ReadActionOutcome(context.Background(), key)
		if err != nil || !status.IsTerminal() {
			return
		}

		var final map[string]any
		if raw := fields["final_message"]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &final) //nolint:errcheck // best-effort parse from trusted store data
		}

		o := outcome{final: final}
		if status == action.StatusFailed {
			o.err = failureFromFinalMessage(a.Name, final)
		}
		select {
		case done <- o:
		default:
		}
	}

	if err := client.Subscribe(ctx, redisstore.RoleActionSubscriber, channel, onNotify); err != nil {
		return nil, fmt.Errorf("nucleus/dispatcher: subscribe %s: %w", channel, err)
	}
	defer func() {
		if err := client.Unsubscribe(context.Background(), redisstore.RoleActionSubscriber, channel); err != nil {
			d.logger.Warn("unsubscribe action channel",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := d.Enqueue(ctx, queueName, a); err != nil {
		return nil, err
	}

	// The hash TTL bounds how long a terminal write can still arrive.
	timer := time.NewTimer(d.store.ActionTTL())
	defer timer.Stop()

	select {
	case o := <-done:
		return o.final, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("nucleus/dispatcher: action %s expired before reaching a terminal status", key)
	}
}

// RetrievePendingAction claims one action from the queue with a
// blocking pop on the queue's dedicated handler connection and
// dispatches execution asynchronously, so the connection returns to
// the pool immediately. Claim failures are logged and returned; the
// engine's queue subscription discards them, since it re-fires on the
// next enqueue.
func (d *Dispatcher) RetrievePendingAction(ctx context.Context, queueName string) error {
	a, err := d.store.ClaimPendingAction(ctx, queueName)
	if err != nil {
		d.logger.Error("claim pending action",
			slog.String("queue", queueName),
			slog.String("error", err.Error()),
		)
		return err
	}

	permit, admitted := d.gate.Admit(queueName, a.Meta.UserID)
	if !admitted {
		// Over the local limit; hand the action back so the resulting
		// notification wakes the rest of the pool.
		if reqErr := d.store.RequeueActionKey(ctx, queueName, a.Key()); reqErr != nil {
			d.logger.Error("requeue refused action",
				slog.String("queue", queueName),
				slog.String("action_id", a.ID.String()),
				slog.String("error", reqErr.Error()),
			)
		}
		return nil
	}

	go func() {
		defer permit.Release()
		if _, execErr := d.Execute(context.Background(), a); execErr != nil {
			d.logger.Error("action execution failed",
				slog.String("queue", queueName),
				slog.String("action_id", a.ID.String()),
				slog.String("error", execErr.Error()),
			)
		}
	}()
	return nil
}

// Execute runs the state machine on a rehydrated action: Processing is
// persisted, the effective configuration is resolved, the handler runs
// through the middleware chain, and the terminal status plus final
// message are persisted and announced before any error is returned to
// the local caller. Distant waiters observe failures through the
// store, never through this return value.
func (d *Dispatcher) Execute(ctx context.Context, a *action.Action) (*action.Action, error) {
	cfg, err := d.store.ActionConfiguration(ctx, a.Name)
	if err != nil {
		return a, d.fail(ctx, a, err)
	}

	if err := a.UpdateStatus(action.StatusProcessing); err != nil {
		return a, err
	}
	if err := d.store.WriteAction(ctx, a); err != nil {
		return a, err
	}
	d.hooks.EmitActionStarted(ctx, a)

	candidates, schema, effMessage, err := d.effectiveConfiguration(ctx, cfg, a)
	if err != nil {
		return a, d.fail(ctx, a, err)
	}

	resolved, err := signature.Resolve(candidates, effMessage, a.Meta.UserID, schema)
	if err != nil {
		return a, d.fail(ctx, a, err)
	}

	handler, ok := d.handlers.Get(a.Name)
	if !ok {
		return a, d.fail(ctx, a,
			fmt.Errorf("%w: no handler registered for action %q", nucleus.ErrUndefinedContext, a.Name))
	}

	call := &action.Call{
		Action:       a,
		Message:      effMessage,
		Signature:    resolved.Signature,
		Arguments:    resolved.Arguments,
		OriginUserID: a.Meta.UserID,
	}

	start := time.Now()
	final, err := d.mw(ctx, call, func(ctx context.Context) (map[string]any, error) {
		return handler(ctx, call)
	})
	if err != nil {
		if !nucleus.IsDomainError(err) {
			err = fmt.Errorf("nucleus: external handler failure: %w", err)
		}
		return a, d.fail(ctx, a, err)
	}

	if err := a.UpdateStatus(action.StatusCompleted); err != nil {
		return a, err
	}
	a.UpdateMessage(final)
	if err := d.store.WriteAction(ctx, a); err != nil {
		return a, err
	}
	d.publishStatusEvent(ctx, a)
	d.hooks.EmitActionCompleted(ctx, a, time.Since(start))

	if cfg.EventName != "" {
		e := event.New(cfg.EventName, final, d.engineID)
		if pubErr := d.store.PublishEvent(ctx, cfg.EventName, e); pubErr != nil {
			d.logger.Warn("publish configured event",
				slog.String("event_name", cfg.EventName),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	return a, nil
}

// effectiveConfiguration resolves the candidate signatures, argument
// schema, and effective message, chaining through the parent
// extendable configuration when one is named.
func (d *Dispatcher) effectiveConfiguration(
	ctx context.Context,
	cfg *action.Configuration,
	a *action.Action,
) ([][]string, map[string]string, map[string]any, error) {
	if cfg.ActionNameToExtend == "" {
		candidates := [][]string{cfg.Signature}
		if cfg.AlternativeSignature != nil {
			candidates = append(candidates, cfg.AlternativeSignature)
		}
		return candidates, cfg.ArgumentsByName, a.OriginalMessage, nil
	}

	parent, err := d.store.ExtendableActionConfiguration(ctx, cfg.ActionNameToExtend)
	if err != nil {
		return nil, nil, nil, err
	}

	// Templates see the action message overlaid with the origin user.
	evalCtx := make(map[string]any, len(a.OriginalMessage)+1)
	evalCtx[signature.ArgOriginUserID] = a.Meta.UserID
	for k, v := range a.OriginalMessage {
		evalCtx[k] = v
	}

	// Extended signature list: own pair first, evaluated extendable
	// alternatives last.
	candidates := [][]string{cfg.Signature}
	if cfg.AlternativeSignature != nil {
		candidates = append(candidates, cfg.AlternativeSignature)
	}
	if len(parent.ExtendableAlternativeSignature) > 0 {
		evaluated := make([]string, 0, len(parent.ExtendableAlternativeSignature))
		for _, tmpl := range parent.ExtendableAlternativeSignature {
			name, evalErr := d.templates.EvaluateString(tmpl, evalCtx)
			if evalErr != nil {
				return nil, nil, nil, evalErr
			}
			evaluated = append(evaluated, name)
		}
		candidates = append(candidates, evaluated)
	}

	// Effective message: origin user, then evaluated defaults, then the
	// caller's message. The caller always wins.
	effMessage := map[string]any{
		signature.ArgOriginUserID: a.Meta.UserID,
	}
	for name, tmpl := range parent.ArgumentDefaults {
		value, evalErr := d.templates.Evaluate(tmpl, evalCtx)
		if evalErr != nil {
			return nil, nil, nil, evalErr
		}
		effMessage[name] = value
	}
	for k, v := range a.OriginalMessage {
		effMessage[k] = v
	}

	// Schema merge: the concrete action's descriptors override the
	// parent's.
	schema := make(map[string]string, len(parent.ArgumentsByName)+len(cfg.ArgumentsByName))
	for k, v := range parent.ArgumentsByName {
		schema[k] = v
	}
	for k, v := range cfg.ArgumentsByName {
		schema[k] = v
	}

	return candidates, schema, effMessage, nil
}

// fail persists the failure into the action hash before returning it,
// so distant waiters observe the terminal status via pub/sub rather
// than timing out.
func (d *Dispatcher) fail(ctx context.Context, a *action.Action, cause error) error {
	if !a.Status.IsTerminal() && a.Status.CanTransition(action.StatusFailed) {
		if err := a.UpdateStatus(action.StatusFailed); err != nil {
			d.logger.Error("transition to failed",
				slog.String("action_id", a.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		a.UpdateMessage(map[string]any{"error": cause.Error()})
		if err := d.store.WriteAction(ctx, a); err != nil {
			d.logger.Error("persist failed action",
				slog.String("action_id", a.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		d.publishStatusEvent(ctx, a)
	}
	d.hooks.EmitActionFailed(ctx, a, cause)
	return cause
}

// publishStatusEvent announces a terminal transition on the per-action
// channel Action:<id>.
func (d *Dispatcher) publishStatusEvent(ctx context.Context, a *action.Action) {
	channel := "Action:" + a.ID.String()
	e := event.New(StatusUpdatedEventName, map[string]any{
		"action_id":            a.ID.String(),
		"action_name":          a.Name,
		"action_status":        string(a.Status),
		"action_final_message": a.FinalMessage,
	}, d.engineID)

	if err := d.store.PublishEvent(ctx, channel, e); err != nil {
		d.logger.Warn("publish status event",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// failureFromFinalMessage rebuilds the consumer-side error for the
// publishing caller from the persisted final message. The error kind
// survives the store round trip through its sentinel text.
func failureFromFinalMessage(name string, final map[string]any) error {
	msg, ok := final["error"].(string)
	if !ok || msg == "" {
		return fmt.Errorf("nucleus/dispatcher: action %q failed", name)
	}

	for _, kind := range []error{
		nucleus.ErrUnexpectedValueType,
		nucleus.ErrUndefinedValue,
		nucleus.ErrUndefinedContext,
	} {
		if strings.Contains(msg, kind.Error()) {
			return fmt.Errorf("%w: action %q failed: %s", kind, name, msg)
		}
	}
	return fmt.Errorf("nucleus/dispatcher: action %q failed: %s", name, msg)
}
