package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/expertping/idex.nucleus/action"
)

// Recover converts handler panics into ordinary failures so a
// panicking handler still drives its action to the Failed status and
// unblocks the distant waiter, instead of killing the claim goroutine
// and leaving the action hash stuck in Processing until its TTL.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, call *action.Call, next Handler) (final map[string]any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("action handler panicked",
					slog.String("action_name", call.Action.Name),
					slog.String("action_id", call.Action.ID.String()),
					slog.Any("signature", call.Signature),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				// Drop whatever partial message the handler produced;
				// the failure is the result.
				final = nil
				retErr = fmt.Errorf("nucleus: panic in action %s handler: %v", call.Action.Name, r)
			}
		}()
		return next(ctx)
	}
}
