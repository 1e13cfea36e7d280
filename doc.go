// Package nucleus provides a distributed action engine for Go. Named
// actions are routed to registered handlers, executed on a cooperating
// pool of engine processes, and their results are correlated back to
// the caller through a shared keyspace-notifying Redis store.
//
// Nucleus is designed as a library, not a service. Import it, point it
// at a Redis store configured with keyspace events "AKE", register
// handlers, and publish actions.
//
// # Quick Start
//
//	eng := engine.New(
//	    engine.WithRedisAddr("localhost:6379"),
//	    engine.WithName("my-engine"),
//	)
//	if err := eng.AwaitReady(ctx); err != nil { ... }
//
// # Architecture
//
// Any engine may enqueue an action; any engine subscribed to the target
// queue may dequeue and execute it. The per-queue Redis list is the
// synchronization point: BRPOP guarantees at-most-one consumer per
// enqueued action key. Results travel back over keyspace notifications
// on the per-action hash, so the producer never polls.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package nucleus
