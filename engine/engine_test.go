package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/action"
	"github.com/expertping/idex.nucleus/engine"
	"github.com/expertping/idex.nucleus/event"
)

// setupEngine brings up an engine against miniredis. The verification
// sentinel is pre-seeded: miniredis does not implement CONFIG, and a
// seeded sentinel is exactly what a second engine of the same
// generation observes.
func setupEngine(t *testing.T, opts ...engine.Option) (*miniredis.Miniredis, *engine.Engine) {
	t.Helper()

	mr := miniredis.RunT(t)
	if err := mr.Set("RedisConnectionVerified", "seed"); err != nil {
		t.Fatalf("seed sentinel: %v", err)
	}

	opts = append([]engine.Option{
		engine.WithRedisAddr(mr.Addr()),
		engine.WithName("test-engine"),
		engine.WithEnvironment(nucleus.EnvTesting),
	}, opts...)

	eng := engine.New(opts...)
	t.Cleanup(func() {
		if err := eng.Destroy(context.Background()); err != nil {
			t.Logf("destroy: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.AwaitReady(ctx); err != nil {
		t.Fatalf("await ready: %v", err)
	}
	return mr, eng
}

func TestAwaitReady_RegistersDefaultQueue(t *testing.T) {
	mr, _ := setupEngine(t)

	members, err := mr.Members("ActionQueueNameSet")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	found := false
	for _, m := range members {
		if m == "Default" {
			found = true
		}
	}
	if !found {
		t.Errorf("queue set = %v, want Default registered", members)
	}
}

func TestPublishRetrieveExecute_RoundTrip(t *testing.T) {
	mr, eng := setupEngine(t)
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

	a := action.New("ExecuteSimpleDummy", map[string]any{},
		action.LocalOrigin(eng.ID(), "test-engine", "u1"))
	if err := eng.PublishActionToQueueByName(ctx, "Default", a); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := eng.RetrievePendingAction(ctx, "Default"); err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for mr.HGet(a.Key(), "status") != "Completed" {
		select {
		case <-deadline:
			t.Fatalf("status = %q, never reached Completed", mr.HGet(a.Key(), "status"))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPublishActionByNameAndHandleResponse(t *testing.T) {
	mr, eng := setupEngine(t)
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

	// Consumer side: a blocking retrieve waiting for the enqueue.
	go func() {
		_ = eng.RetrievePendingAction(ctx, "Default")
	}()

	// miniredis emits no keyspace notifications; relay the terminal
	// hash write by hand the way a real store would.
	go func() {
		for {
			for _, key := range mr.Keys() {
				if !strings.HasPrefix(key, "Action:ExecuteSimpleDummy:") {
					continue
				}
				if mr.HGet(key, "status") == "Completed" {
					mr.Publish("__keyspace@0__:"+key, "hset")
					return
				}
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	final, err := eng.PublishActionByNameAndHandleResponse(ctx, "ExecuteSimpleDummy", map[string]any{}, "u1")
	if err != nil {
		t.Fatalf("publish and handle response: %v", err)
	}
	if final["AID"] != "x" {
		t.Errorf("final = %v, want AID=x", final)
	}
}

func TestPublishActionToQueue_TypeErrorAtPublisher(t *testing.T) {
	_, eng := setupEngine(t)
	ctx := context.Background()

	if err := eng.StoreActionConfiguration(ctx, &action.Configuration{
		ActionName:      "ExecuteSimpleDummyWithArguments",
		Signature:       []string{"AID1"},
		ArgumentsByName: map[string]string{"AID1": "string"},
		ContextName:     "Self",
		MethodName:      "executeSimpleDummyWithArguments",
	}); err != nil {
		t.Fatalf("store configuration: %v", err)
	}

	a := action.New("ExecuteSimpleDummyWithArguments", map[string]any{"AID1": float64(1)},
		action.LocalOrigin(eng.ID(), "test-engine", "u1"))
	err := eng.PublishActionToQueueByName(ctx, "Default", a)
	if !errors.Is(err, nucleus.ErrUnexpectedValueType) {
		t.Fatalf("err = %v, want ErrUnexpectedValueType before the enqueue", err)
	}
}

func TestPublishActionByName_UnknownAction(t *testing.T) {
	_, eng := setupEngine(t)

	_, err := eng.PublishActionByNameAndHandleResponse(context.Background(), "Nope", nil, "u1")
	if !errors.Is(err, nucleus.ErrUndefinedContext) {
		t.Fatalf("err = %v, want ErrUndefinedContext", err)
	}
}

func TestEventChannel_PublishAndSubscribe(t *testing.T) {
	_, eng := setupEngine(t)
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
	time.Sleep(50 * time.Millisecond)

	evt := event.New("room", map[string]any{"text": "hi"}, eng.ID())
	if err := eng.PublishEventToChannelByName(ctx, "room", evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID.String() != evt.ID.String() {
			t.Errorf("received id = %s, want %s", got.ID, evt.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}

	if err := eng.UnsubscribeFromEventChannelByName(ctx, "room"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}

func TestSubscribeToActionQueueUpdate_Idempotent(t *testing.T) {
	mr, eng := setupEngine(t)
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
		return map[string]any{}, nil
	})

	// Installing twice must leave a single active subscription.
	if err := eng.SubscribeToActionQueueUpdate(ctx, "Default"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := eng.SubscribeToActionQueueUpdate(ctx, "Default"); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	a := action.New("ExecuteSimpleDummy", nil,
		action.LocalOrigin(eng.ID(), "test-engine", "u1"))
	if err := eng.PublishActionToQueueByName(ctx, "Default", a); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Relay the queue-list keyspace notification once.
	mr.Publish("__keyspace@0__:Default", "lpush")

	deadline := time.After(2 * time.Second)
	for mr.HGet(a.Key(), "status") != "Completed" {
		select {
		case <-deadline:
			t.Fatalf("status = %q, never reached Completed", mr.HGet(a.Key(), "status"))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type fakeIngestor struct {
	md *engine.Metadata
}

func (f *fakeIngestor) Ingest(_ context.Context, _ string) (*engine.Metadata, error) {
	return f.md, nil
}

func TestAutodiscover_StoresHarvestedMetadata(t *testing.T) {
	mr, eng := setupEngine(t, engine.WithMetadataIngestor(&fakeIngestor{md: &engine.Metadata{
		Actions: []*action.Configuration{
			{ActionName: "Harvested", ContextName: "Self", MethodName: "harvested"},
		},
		Resources: []*action.ResourceStructure{
			{ResourceType: "Dummy", ContextName: "Self"},
		},
	}}))

	if err := eng.Autodiscover(context.Background(), "./handlers"); err != nil {
		t.Fatalf("autodiscover: %v", err)
	}

	// The harvested action is associated with the default queue.
	if got := mr.HGet("ActionQueueNameByActionName", "Harvested"); got != "Default" {
		t.Errorf("queue for Harvested = %q, want Default", got)
	}
	if mr.HGet("ResourceStructureByResourceType", "Dummy") == "" {
		t.Error("resource structure Dummy not stored")
	}

	// Unharvested names still fail resolution.
	_, err := eng.PublishActionByNameAndHandleResponse(
		context.Background(), "MissingStill", nil, "u1")
	if !errors.Is(err, nucleus.ErrUndefinedContext) {
		t.Fatalf("unharvested action err = %v, want ErrUndefinedContext", err)
	}
}

func TestAutodiscover_NoIngestor(t *testing.T) {
	_, eng := setupEngine(t)

	err := eng.Autodiscover(context.Background(), "./handlers")
	if !errors.Is(err, nucleus.ErrUndefinedContext) {
		t.Fatalf("err = %v, want ErrUndefinedContext", err)
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	_, eng := setupEngine(t)
	ctx := context.Background()

	if err := eng.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := eng.Destroy(ctx); err != nil {
		t.Fatalf("second destroy: %v", err)
	}

	if err := eng.PublishActionToQueueByName(ctx, "Default", action.New("X", nil,
		action.LocalOrigin(eng.ID(), "test-engine", "u1"))); !errors.Is(err, nucleus.ErrEngineDestroyed) {
		t.Fatalf("err = %v, want ErrEngineDestroyed", err)
	}
}
