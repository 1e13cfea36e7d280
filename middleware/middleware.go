// Package middleware wraps action handler execution with
// cross-cutting behavior.
//
// Middleware runs after the dispatcher has resolved the call: it sees
// the rehydrated action, the effective message produced by the
// extendable-configuration overlay, and the positional arguments the
// signature resolver picked. Because the final message flows back
// through the chain, middleware can observe or replace what gets
// persisted as the action's result, not just veto execution.
package middleware

import (
	"context"

	"github.com/expertping/idex.nucleus/action"
)

// Handler produces the final message for one resolved call.
type Handler func(ctx context.Context) (map[string]any, error)

// Middleware wraps a Handler around one resolved call. Returning
// without calling next short-circuits the chain; whatever final
// message it returns is what the dispatcher persists.
type Middleware func(ctx context.Context, call *action.Call, next Handler) (map[string]any, error)

// Chain composes middleware so the first one listed is the outermost
// wrapper. The chain walks forward through the list until it reaches
// the terminal handler.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, call *action.Call, next Handler) (map[string]any, error) {
		var run func(ctx context.Context, i int) (map[string]any, error)
		run = func(ctx context.Context, i int) (map[string]any, error) {
			if i >= len(mws) {
				return next(ctx)
			}
			return mws[i](ctx, call, func(ctx context.Context) (map[string]any, error) {
				return run(ctx, i+1)
			})
		}
		return run(ctx, 0)
	}
}

// outcomeOf maps a handler result onto the terminal half of the action
// status graph. The dispatcher makes the authoritative transition; the
// observability middleware in this package only labels executions
// with it.
func outcomeOf(err error) action.Status {
	if err != nil {
		return action.StatusFailed
	}
	return action.StatusCompleted
}
