package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/expertping/idex.nucleus/event"
)

// PublishEvent writes the event hash with its TTL, indexes the key in
// the channel's retention sorted set (score = expiry timestamp), trims
// entries that have already expired, and publishes the wire form on
// the channel.
//
// Scores use wall-clock time; engines sharing a store are expected to
// run synchronized clocks.
func (s *Store) PublishEvent(ctx context.Context, channel string, e *event.Event) error {
	wire, err := e.MarshalWire()
	if err != nil {
		return fmt.Errorf("nucleus/redis: publish event %s: %w", e.Key(), err)
	}

	key := e.Key()
	now := time.Now().UTC()
	expiry := float64(now.Add(s.eventTTL).UnixMilli())

	err = s.client.Atomic(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, flatten(e.ToMap())...)
		pipe.PExpire(ctx, key, s.eventTTL)
		pipe.ZAdd(ctx, channel, goredis.Z{Score: expiry, Member: key})
		pipe.ZRemRangeByScore(ctx, channel, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		pipe.Publish(ctx, channel, wire)
		return nil
	})
	if err != nil {
		return fmt.Errorf("nucleus/redis: publish event %s on %q: %w", key, channel, err)
	}
	return nil
}

// ReadEvent rehydrates an event from its hash.
func (s *Store) ReadEvent(ctx context.Context, key string) (*event.Event, error) {
	vals, err := s.client.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("nucleus/redis: read event %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("nucleus/redis: event hash %s is empty or expired", key)
	}
	return event.FromMap(vals)
}
