package redis

import (
	"log/slog"
	"time"
)

// Store layers entity persistence and the registry tables over the
// Client.
type Store struct {
	client       *Client
	defaultQueue string
	actionTTL    time.Duration
	eventTTL     time.Duration
	logger       *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets a custom logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithActionTTL overrides the action hash lifetime (default one hour
// from last write).
func WithActionTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.actionTTL = d }
}

// WithEventTTL overrides the event hash lifetime and retention window
// (default five minutes).
func WithEventTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.eventTTL = d }
}

// NewStore creates a Store. Action configurations stored through it
// are associated with defaultQueue.
func NewStore(client *Client, defaultQueue string, opts ...StoreOption) *Store {
	s := &Store{
		client:       client,
		defaultQueue: defaultQueue,
		actionTTL:    time.Hour,
		eventTTL:     5 * time.Minute,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying store client.
func (s *Store) Client() *Client { return s.client }

// DefaultQueue returns the queue associated with stored action
// configurations.
func (s *Store) DefaultQueue() string { return s.defaultQueue }

// ActionTTL returns the configured action hash lifetime.
func (s *Store) ActionTTL() time.Duration { return s.actionTTL }
