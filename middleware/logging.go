package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/expertping/idex.nucleus/action"
)

// Logging logs the execution span of one call: how long the action sat
// queued (the gap between its creation and the Processing transition
// the dispatcher just persisted), which signature the resolver picked,
// and which terminal status the outcome maps to.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, call *action.Call, next Handler) (map[string]any, error) {
		a := call.Action
		logger.Info("action handler starting",
			slog.String("action_name", a.Name),
			slog.String("action_id", a.ID.String()),
			slog.String("origin_user_id", call.OriginUserID),
			slog.Any("signature", call.Signature),
			slog.Duration("queued", a.Meta.UpdatedAt.Sub(a.Meta.CreatedAt)),
		)

		start := time.Now()
		final, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("action handler failed",
				slog.String("action_name", a.Name),
				slog.String("action_id", a.ID.String()),
				slog.String("action_status", string(outcomeOf(err))),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("action handler finished",
				slog.String("action_name", a.Name),
				slog.String("action_id", a.ID.String()),
				slog.String("action_status", string(outcomeOf(err))),
				slog.Duration("elapsed", elapsed),
				slog.Int("final_message_keys", len(final)),
			)
		}

		return final, err
	}
}
