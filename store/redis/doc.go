// Package redis implements the nucleus store over a Redis-compatible
// keyspace-notifying server. Actions and events are stored as Hashes,
// queues are Lists consumed with BRPOP, the registry tables are Hashes
// and a Set, and event retention uses a per-channel Sorted Set.
//
// The Client is a thin adapter over go-redis with one addition the
// engine depends on: connection duplication. A connection sitting in a
// blocking pop or in pub/sub subscribe state cannot service other
// commands, so every blocking role ("ActionSubscriber",
// "<queue>Handler", "<queue>Subscriber") gets its own derived
// connection, cached by role and closed with the client.
package redis
