package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/action"
)

// EnqueueAction atomically writes the action hash, left-pushes its key
// onto the queue list, and arms the hash TTL. The LPUSH fires the
// keyspace notification consumers wake up on.
func (s *Store) EnqueueAction(ctx context.Context, queue string, a *action.Action) error {
	key := a.Key()
	fields := a.ToMap()

	err := s.client.Atomic(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, flatten(fields)...)
		pipe.LPush(ctx, queue, key)
		pipe.PExpire(ctx, key, s.actionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("nucleus/redis: enqueue action %s onto %q: %w", key, queue, err)
	}
	return nil
}

// WriteAction persists the action's current state and refreshes the
// hash TTL, which is measured from the last write.
func (s *Store) WriteAction(ctx context.Context, a *action.Action) error {
	key := a.Key()
	fields := a.ToMap()

	err := s.client.Atomic(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, flatten(fields)...)
		pipe.PExpire(ctx, key, s.actionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("nucleus/redis: write action %s: %w", key, err)
	}
	return nil
}

// ReadAction rehydrates an action from its hash.
func (s *Store) ReadAction(ctx context.Context, key string) (*action.Action, error) {
	vals, err := s.client.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("nucleus/redis: read action %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: action hash %s is empty or expired", nucleus.ErrUndefinedValue, key)
	}
	return action.FromMap(vals)
}

// ReadActionOutcome reads the status and final message in a single
// hash fetch. Correlation subscribers must observe both fields from
// the same read.
func (s *Store) ReadActionOutcome(ctx context.Context, key string) (action.Status, map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, key)
	if err != nil {
		return "", nil, fmt.Errorf("nucleus/redis: read action outcome %s: %w", key, err)
	}
	if len(vals) == 0 {
		return "", nil, fmt.Errorf("%w: action hash %s is empty or expired", nucleus.ErrUndefinedValue, key)
	}
	return action.Status(vals["status"]), vals, nil
}

// ClaimPendingAction blocks on the queue's dedicated handler
// connection until an action key can be popped, then rehydrates it.
// BRPOP guarantees at-most-one claimant per enqueued key.
func (s *Store) ClaimPendingAction(ctx context.Context, queue string) (*action.Action, error) {
	key, err := s.client.BRPop(ctx, QueueHandlerRole(queue), queue, 0)
	if err != nil {
		return nil, fmt.Errorf("nucleus/redis: claim from %q: %w", queue, err)
	}
	return s.ReadAction(ctx, key)
}

// RequeueActionKey returns a claimed key to its queue, used when the
// local engine cannot execute it right now.
func (s *Store) RequeueActionKey(ctx context.Context, queue, key string) error {
	if err := s.client.LPush(ctx, queue, key); err != nil {
		return fmt.Errorf("nucleus/redis: requeue %s onto %q: %w", key, queue, err)
	}
	return nil
}
