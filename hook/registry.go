package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/expertping/idex.nucleus/action"
	"github.com/expertping/idex.nucleus/event"
)

// Named entry types pair a hook implementation with the hook name
// captured at registration time. This avoids type-asserting back to
// Hook inside the emit methods.
type actionEnqueuedEntry struct {
	name string
	hook ActionEnqueued
}

type actionStartedEntry struct {
	name string
	hook ActionStarted
}

type actionCompletedEntry struct {
	name string
	hook ActionCompleted
}

type actionFailedEntry struct {
	name string
	hook ActionFailed
}

type eventPublishedEntry struct {
	name string
	hook EventPublished
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered hooks and dispatches lifecycle events to
// them. It type-caches hooks at registration time so emit calls
// iterate only over hooks that implement the relevant interface.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	// Type-cached slices for each lifecycle hook.
	actionEnqueued  []actionEnqueuedEntry
	actionStarted   []actionStartedEntry
	actionCompleted []actionCompletedEntry
	actionFailed    []actionFailedEntry
	eventPublished  []eventPublishedEntry
	shutdown        []shutdownEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a hook and type-asserts it into all applicable caches.
// Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if e, ok := h.(ActionEnqueued); ok {
		r.actionEnqueued = append(r.actionEnqueued, actionEnqueuedEntry{name, e})
	}
	if e, ok := h.(ActionStarted); ok {
		r.actionStarted = append(r.actionStarted, actionStartedEntry{name, e})
	}
	if e, ok := h.(ActionCompleted); ok {
		r.actionCompleted = append(r.actionCompleted, actionCompletedEntry{name, e})
	}
	if e, ok := h.(ActionFailed); ok {
		r.actionFailed = append(r.actionFailed, actionFailedEntry{name, e})
	}
	if e, ok := h.(EventPublished); ok {
		r.eventPublished = append(r.eventPublished, eventPublishedEntry{name, e})
	}
	if e, ok := h.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, e})
	}
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook { return r.hooks }

// EmitActionEnqueued notifies all hooks that implement ActionEnqueued.
func (r *Registry) EmitActionEnqueued(ctx context.Context, a *action.Action, queue string) {
	for _, e := range r.actionEnqueued {
		if err := e.hook.OnActionEnqueued(ctx, a, queue); err != nil {
			r.logHookError("OnActionEnqueued", e.name, err)
		}
	}
}

// EmitActionStarted notifies all hooks that implement ActionStarted.
func (r *Registry) EmitActionStarted(ctx context.Context, a *action.Action) {
	for _, e := range r.actionStarted {
		if err := e.hook.OnActionStarted(ctx, a); err != nil {
			r.logHookError("OnActionStarted", e.name, err)
		}
	}
}

// EmitActionCompleted notifies all hooks that implement ActionCompleted.
func (r *Registry) EmitActionCompleted(ctx context.Context, a *action.Action, elapsed time.Duration) {
	for _, e := range r.actionCompleted {
		if err := e.hook.OnActionCompleted(ctx, a, elapsed); err != nil {
			r.logHookError("OnActionCompleted", e.name, err)
		}
	}
}

// EmitActionFailed notifies all hooks that implement ActionFailed.
func (r *Registry) EmitActionFailed(ctx context.Context, a *action.Action, actionErr error) {
	for _, e := range r.actionFailed {
		if err := e.hook.OnActionFailed(ctx, a, actionErr); err != nil {
			r.logHookError("OnActionFailed", e.name, err)
		}
	}
}

// EmitEventPublished notifies all hooks that implement EventPublished.
func (r *Registry) EmitEventPublished(ctx context.Context, channel string, evt *event.Event) {
	for _, e := range r.eventPublished {
		if err := e.hook.OnEventPublished(ctx, channel, evt); err != nil {
			r.logHookError("OnEventPublished", e.name, err)
		}
	}
}

// EmitShutdown notifies all hooks that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a hook failure. Hook errors never propagate to
// the action lifecycle.
func (r *Registry) logHookError(hookName, name string, err error) {
	r.logger.Warn("hook error",
		slog.String("hook", hookName),
		slog.String("name", name),
		slog.String("error", err.Error()),
	)
}
