package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// MessageHandler receives one pub/sub message. For keyspace
// notification channels the payload is the store command name (hset,
// lpush, ...).
type MessageHandler func(channel, payload string)

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is a thin adapter over go-redis. It owns one primary
// connection plus a cache of derived connections keyed by role; a
// derived connection may sit in a blocking pop or pub/sub state
// without starving the primary.
type Client struct {
	rdb    *goredis.Client
	opts   *goredis.Options
	logger *slog.Logger

	mu      sync.Mutex
	derived map[string]*derivedConn
	closed  bool
}

// derivedConn is one cached duplicate connection. When used for
// pub/sub it carries the PubSub state and the per-channel handlers.
type derivedConn struct {
	client *goredis.Client

	hmu      sync.RWMutex
	pubsub   *goredis.PubSub
	handlers map[string]MessageHandler
}

// New creates a Client from go-redis options. The options are retained
// for connection duplication.
func New(opts *goredis.Options, cOpts ...Option) *Client {
	c := &Client{
		rdb:     goredis.NewClient(opts),
		opts:    opts,
		logger:  slog.Default(),
		derived: make(map[string]*derivedConn),
	}
	for _, o := range cOpts {
		o(c)
	}
	return c
}

// Ping verifies the primary connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// DB returns the selected store database number.
func (c *Client) DB() int { return c.opts.DB }

// KeyspaceChannel returns the keyspace notification channel for a key:
// __keyspace@<db>__:<key>.
func (c *Client) KeyspaceChannel(key string) string {
	return fmt.Sprintf("__keyspace@%d__:%s", c.opts.DB, key)
}

// ── Plain commands on the primary connection ──

func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	return c.rdb.HSet(ctx, key, flatten(fields)...).Err()
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SAdd(ctx, key, args...).Err()
}

func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return c.rdb.SIsMember(ctx, key, member).Result()
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.rdb.LPush(ctx, key, args...).Err()
}

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err()
}

func (c *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return c.rdb.ZRemRangeByScore(ctx, key, min, max).Err()
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

func (c *Client) PExpire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.PExpire(ctx, key, ttl).Err()
}

// Atomic runs fn inside a MULTI/EXEC transaction pipeline.
func (c *Client) Atomic(ctx context.Context, fn func(pipe goredis.Pipeliner) error) error {
	_, err := c.rdb.TxPipelined(ctx, fn)
	return err
}

// RunScript evaluates a server-side script, using EVALSHA with EVAL
// fallback.
func (c *Client) RunScript(ctx context.Context, script *goredis.Script, keys []string, args ...any) (any, error) {
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// ConfigGet reads one server configuration parameter.
func (c *Client) ConfigGet(ctx context.Context, parameter string) (string, error) {
	m, err := c.rdb.ConfigGet(ctx, parameter).Result()
	if err != nil {
		return "", err
	}
	return m[parameter], nil
}

// ── Derived connections ──

// Duplicate returns the cached derived connection for the role,
// creating it on first use. The derived connection shares the primary's
// options but is independent: it can hold a blocking call.
func (c *Client) Duplicate(role string) *goredis.Client {
	return c.derivedFor(role).client
}

func (c *Client) derivedFor(role string) *derivedConn {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.derived[role]; ok {
		return d
	}
	d := &derivedConn{
		client:   goredis.NewClient(c.opts),
		handlers: make(map[string]MessageHandler),
	}
	c.derived[role] = d
	return d
}

// BRPop performs a blocking right-pop on the role's derived connection
// and returns the popped element.
func (c *Client) BRPop(ctx context.Context, role, key string, timeout time.Duration) (string, error) {
	vals, err := c.Duplicate(role).BRPop(ctx, timeout, key).Result()
	if err != nil {
		return "", err
	}
	// BRPOP replies [key, element].
	if len(vals) != 2 {
		return "", fmt.Errorf("nucleus/redis: brpop %s: unexpected reply %v", key, vals)
	}
	return vals[1], nil
}

// Subscribe attaches a handler to a channel on the role's derived
// connection. The first subscription on a role puts its connection in
// pub/sub state and starts the dispatch loop; later subscriptions on
// the same role reuse it. Handlers run on the dispatch goroutine and
// must not block.
func (c *Client) Subscribe(ctx context.Context, role, channel string, h MessageHandler) error {
	d := c.derivedFor(role)

	d.hmu.Lock()
	defer d.hmu.Unlock()

	d.handlers[channel] = h

	if d.pubsub == nil {
		d.pubsub = d.client.Subscribe(ctx, channel)
		// Consume the subscription confirmation before handing the
		// connection to the dispatch loop. A caller that enqueues work
		// right after Subscribe returns must already be attached, or
		// the wakeup for an early terminal write is lost.
		if _, err := d.pubsub.Receive(ctx); err != nil {
			_ = d.pubsub.Close() //nolint:errcheck // the subscribe error is the one worth reporting
			d.pubsub = nil
			delete(d.handlers, channel)
			return fmt.Errorf("nucleus/redis: subscribe %s: %w", channel, err)
		}
		go c.dispatch(d)
		return nil
	}
	return d.pubsub.Subscribe(ctx, channel)
}

// Unsubscribe detaches the channel's handler on the role's derived
// connection.
func (c *Client) Unsubscribe(ctx context.Context, role, channel string) error {
	d := c.derivedFor(role)

	d.hmu.Lock()
	defer d.hmu.Unlock()

	delete(d.handlers, channel)
	if d.pubsub == nil {
		return nil
	}
	return d.pubsub.Unsubscribe(ctx, channel)
}

// dispatch fans messages from one role's PubSub out to the per-channel
// handlers. It exits when the PubSub is closed.
func (c *Client) dispatch(d *derivedConn) {
	for msg := range d.pubsub.Channel() {
		d.hmu.RLock()
		h := d.handlers[msg.Channel]
		d.hmu.RUnlock()

		if h == nil {
			continue
		}
		h(msg.Channel, msg.Payload)
	}
}

// Close closes the primary and every derived connection. Derived
// pub/sub states are closed first so their dispatch loops terminate.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	for role, d := range c.derived {
		d.hmu.Lock()
		if d.pubsub != nil {
			if err := d.pubsub.Close(); err != nil {
				c.logger.Warn("close pubsub", slog.String("role", role), slog.String("error", err.Error()))
			}
		}
		d.hmu.Unlock()
		if err := d.client.Close(); err != nil {
			c.logger.Warn("close derived connection", slog.String("role", role), slog.String("error", err.Error()))
		}
	}
	return c.rdb.Close()
}

func flatten(fields map[string]string) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
