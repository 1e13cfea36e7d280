//go:build integration

package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/action"
	"github.com/expertping/idex.nucleus/event"
)

// startRedis runs a Redis container and returns its host:port address.
func startRedis(t *testing.T, keyspaceEvents string) string {
	t.Helper()

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := testcontainers.TerminateContainer(container); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	addr := strings.TrimPrefix(uri, "redis://")

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	defer rdb.Close()
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", keyspaceEvents).Err(); err != nil {
		t.Fatalf("config set notify-keyspace-events: %v", err)
	}

	return addr
}

func newEngine(t *testing.T, addr string, opts ...Option) *Engine {
	t.Helper()

	opts = append([]Option{
		WithRedisAddr(addr),
		WithName("integration-engine"),
		WithEnvironment(nucleus.EnvTesting),
	}, opts...)

	eng := New(opts...)
	t.Cleanup(func() {
		if err := eng.Destroy(context.Background()); err != nil {
			t.Logf("destroy: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.AwaitReady(ctx); err != nil {
		t.Fatalf("await ready: %v", err)
	}
	return eng
}

// TestIntegration_PublishAndHandleResponse drives the full correlation
// protocol over real keyspace notifications: the queue subscription
// wakes the consumer, BRPOP claims the action, and the terminal hash
// write resolves the waiting publisher.
func TestIntegration_PublishAndHandleResponse(t *testing.T) {
	addr := startRedis(t, "AKE")
	eng := newEngine(t, addr, WithAutoRetrievePendingActions())
	ctx := context.Background()

	if err := eng.StoreActionConfiguration(ctx, &action.Configuration{
		ActionName:  "ExecuteSimpleDummy",
		Signature:   []string{},
		ContextName: "Self",
		MethodName:  "executeSimpleDummy",
	}); err != nil {
		t.Fatalf("store configuration: %v", err)
	}
	eng.RegisterHandler("ExecuteSimpleDummy", func(_ context.Context, _ *action.Call) (map[string]any, error) {
		return map[string]any{"AID": "x"}, nil
	})

	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	final, err := eng.PublishActionByNameAndHandleResponse(callCtx, "ExecuteSimpleDummy", map[string]any{}, "u1")
	if err != nil {
		t.Fatalf("publish and handle response: %v", err)
	}
	if final["AID"] != "x" {
		t.Errorf("final = %v, want AID=x", final)
	}
}

// TestIntegration_TwoEngines has one engine publish and a second,
// separate engine consume through the shared store.
func TestIntegration_TwoEngines(t *testing.T) {
	addr := startRedis(t, "AKE")
	consumer := newEngine(t, addr, WithAutoRetrievePendingActions())
	publisher := newEngine(t, addr)
	ctx := context.Background()

	if err := consumer.StoreActionConfiguration(ctx, &action.Configuration{
		ActionName:      "ExecuteSimpleDummyWithArguments",
		Signature:       []string{"AID1", "AID2"},
		ArgumentsByName: map[string]string{"AID1": "string", "AID2": "string"},
		ContextName:     "Self",
		MethodName:      "executeSimpleDummyWithArguments",
	}); err != nil {
		t.Fatalf("store configuration: %v", err)
	}
	consumer.RegisterHandler("ExecuteSimpleDummyWithArguments", func(_ context.Context, call *action.Call) (map[string]any, error) {
		return map[string]any{"AID1": call.Arguments[0], "AID2": call.Arguments[1]}, nil
	})

	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	final, err := publisher.PublishActionByNameAndHandleResponse(callCtx,
		"ExecuteSimpleDummyWithArguments", map[string]any{"AID1": "a", "AID2": "b"}, "u1")
	if err != nil {
		t.Fatalf("publish and handle response: %v", err)
	}
	if final["AID1"] != "a" || final["AID2"] != "b" {
		t.Errorf("final = %v", final)
	}
}

// TestIntegration_EventChannel covers handler-published events: a
// concurrent subscriber receives the event, its hash exists, and the
// retention index is trimmed.
func TestIntegration_EventChannel(t *testing.T) {
	addr := startRedis(t, "AKE")
	eng := newEngine(t, addr)
	ctx := context.Background()

	received := make(chan *event.Event, 1)
	if err := eng.SubscribeToEventChannelByName(ctx, "room", func(e *event.Event) {
		select {
		case received <- e:
		default:
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	evt := event.New("room", map[string]any{"text": "hi"}, eng.ID())
	if err := eng.PublishEventToChannelByName(ctx, "room", evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID.String() != evt.ID.String() {
			t.Errorf("received id = %s, want %s", got.ID, evt.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	defer rdb.Close()

	exists, err := rdb.Exists(ctx, evt.Key()).Result()
	if err != nil || exists != 1 {
		t.Errorf("event hash exists = %d (%v), want 1", exists, err)
	}

	score, err := rdb.ZScore(ctx, "room", evt.Key()).Result()
	if err != nil {
		t.Fatalf("zscore: %v", err)
	}
	want := float64(time.Now().UTC().Add(5 * time.Minute).UnixMilli())
	if diff := want - score; diff < 0 || diff > float64((10 * time.Second).Milliseconds()) {
		t.Errorf("retention score = %f, want about publish-time + 5m", score)
	}
}

// TestIntegration_VerificationFailure brings the engine up against a
// store with keyspace notifications disabled and expects the
// misconfiguration exit path.
func TestIntegration_VerificationFailure(t *testing.T) {
	addr := startRedis(t, "")

	exitCode := make(chan int, 1)
	prevExit := osExit
	osExit = func(code int) {
		select {
		case exitCode <- code:
		default:
		}
	}
	defer func() { osExit = prevExit }()

	eng := New(
		WithRedisAddr(addr),
		WithName("misconfigured"),
		WithEnvironment(nucleus.EnvTesting),
	)
	t.Cleanup(func() { _ = eng.Destroy(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = eng.AwaitReady(ctx)

	select {
	case code := <-exitCode:
		if code != ExitCodeMisconfiguredKeyspace {
			t.Errorf("exit code = %d, want %d", code, ExitCodeMisconfiguredKeyspace)
		}
	default:
		t.Fatal("verification did not trigger the misconfiguration exit")
	}
}

// TestIntegration_SentinelSkipsSecondVerification confirms the
// check-and-set sentinel lets exactly one engine verify per window.
func TestIntegration_SentinelSkipsSecondVerification(t *testing.T) {
	addr := startRedis(t, "AKE")

	newEngine(t, addr)

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	ttl, err := rdb.PTTL(ctx, "RedisConnectionVerified").Result()
	if err != nil {
		t.Fatalf("pttl: %v", err)
	}
	if ttl <= 0 || ttl > sentinelTTL {
		t.Errorf("sentinel ttl = %v, want (0, %v]", ttl, sentinelTTL)
	}

	// Disabling notifications now would fail verification, but the
	// second engine must skip it because the sentinel is held.
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", "").Err(); err != nil {
		t.Fatalf("config set: %v", err)
	}
	newEngine(t, addr)
}
