// Package hook defines the lifecycle hook system for nucleus.
// Hooks are notified of lifecycle events (action enqueued, completed,
// failed, event published) and can react to them.
//
// Each lifecycle hook is a separate interface so implementations opt
// in only to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/expertping/idex.nucleus/action"
	"github.com/expertping/idex.nucleus/event"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ActionEnqueued is called after an action is successfully enqueued.
type ActionEnqueued interface {
	OnActionEnqueued(ctx context.Context, a *action.Action, queue string) error
}

// ActionStarted is called when this engine begins executing an action.
type ActionStarted interface {
	OnActionStarted(ctx context.Context, a *action.Action) error
}

// ActionCompleted is called after an action finishes successfully.
type ActionCompleted interface {
	OnActionCompleted(ctx context.Context, a *action.Action, elapsed time.Duration) error
}

// ActionFailed is called when an action fails.
type ActionFailed interface {
	OnActionFailed(ctx context.Context, a *action.Action, err error) error
}

// EventPublished is called after an event is published to a channel.
type EventPublished interface {
	OnEventPublished(ctx context.Context, channel string, e *event.Event) error
}

// Shutdown is called during engine destruction.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
