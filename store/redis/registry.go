package redis

import (
	"context"
	"fmt"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/action"
)

// The registry tables are shared across all engines; writes are
// last-writer-wins per field.

// StoreActionConfiguration persists one action configuration and
// associates the action name with this engine's default queue.
func (s *Store) StoreActionConfiguration(ctx context.Context, cfg *action.Configuration) error {
	encoded, err := action.EncodeConfiguration(cfg)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, actionConfigurationTable, map[string]string{cfg.ActionName: encoded}); err != nil {
		return fmt.Errorf("nucleus/redis: store action configuration %q: %w", cfg.ActionName, err)
	}
	if err := s.client.HSet(ctx, actionQueueNameTable, map[string]string{cfg.ActionName: s.defaultQueue}); err != nil {
		return fmt.Errorf("nucleus/redis: associate action %q with queue: %w", cfg.ActionName, err)
	}
	return nil
}

// StoreActionConfigurations fans a batch out to StoreActionConfiguration.
func (s *Store) StoreActionConfigurations(ctx context.Context, cfgs []*action.Configuration) error {
	for _, cfg := range cfgs {
		if err := s.StoreActionConfiguration(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// ActionConfiguration loads the configuration for an action name.
func (s *Store) ActionConfiguration(ctx context.Context, name string) (*action.Configuration, error) {
	raw, ok, err := s.client.HGet(ctx, actionConfigurationTable, name)
	if err != nil {
		return nil, fmt.Errorf("nucleus/redis: load action configuration %q: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no action configuration for %q", nucleus.ErrUndefinedContext, name)
	}
	return action.DecodeConfiguration(raw)
}

// StoreExtendableActionConfiguration persists one extendable action
// configuration and associates the name with the default queue.
func (s *Store) StoreExtendableActionConfiguration(ctx context.Context, cfg *action.ExtendableConfiguration) error {
	encoded, err := action.EncodeConfiguration(cfg)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, extendableConfigurationTable, map[string]string{cfg.ActionName: encoded}); err != nil {
		return fmt.Errorf("nucleus/redis: store extendable configuration %q: %w", cfg.ActionName, err)
	}
	if err := s.client.HSet(ctx, actionQueueNameTable, map[string]string{cfg.ActionName: s.defaultQueue}); err != nil {
		return fmt.Errorf("nucleus/redis: associate action %q with queue: %w", cfg.ActionName, err)
	}
	return nil
}

// StoreExtendableActionConfigurations fans a batch out.
func (s *Store) StoreExtendableActionConfigurations(ctx context.Context, cfgs []*action.ExtendableConfiguration) error {
	for _, cfg := range cfgs {
		if err := s.StoreExtendableActionConfiguration(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// ExtendableActionConfiguration loads the extendable configuration for
// an action name.
func (s *Store) ExtendableActionConfiguration(ctx context.Context, name string) (*action.ExtendableConfiguration, error) {
	raw, ok, err := s.client.HGet(ctx, extendableConfigurationTable, name)
	if err != nil {
		return nil, fmt.Errorf("nucleus/redis: load extendable configuration %q: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no extendable configuration for %q", nucleus.ErrUndefinedContext, name)
	}
	return action.DecodeExtendableConfiguration(raw)
}

// StoreResourceStructure persists one resource structure.
func (s *Store) StoreResourceStructure(ctx context.Context, rs *action.ResourceStructure) error {
	encoded, err := action.EncodeConfiguration(rs)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, resourceStructureTable, map[string]string{rs.ResourceType: encoded}); err != nil {
		return fmt.Errorf("nucleus/redis: store resource structure %q: %w", rs.ResourceType, err)
	}
	return nil
}

// StoreResourceStructures fans a batch out.
func (s *Store) StoreResourceStructures(ctx context.Context, structures []*action.ResourceStructure) error {
	for _, rs := range structures {
		if err := s.StoreResourceStructure(ctx, rs); err != nil {
			return err
		}
	}
	return nil
}

// ResourceStructure loads the structure for a resource type.
func (s *Store) ResourceStructure(ctx context.Context, resourceType string) (*action.ResourceStructure, error) {
	raw, ok, err := s.client.HGet(ctx, resourceStructureTable, resourceType)
	if err != nil {
		return nil, fmt.Errorf("nucleus/redis: load resource structure %q: %w", resourceType, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no resource structure for %q", nucleus.ErrUndefinedContext, resourceType)
	}
	return action.DecodeResourceStructure(raw)
}

// RegisterQueue adds a queue to the registered set. Actions may only
// be enqueued onto registered queues.
func (s *Store) RegisterQueue(ctx context.Context, queue string) error {
	if err := s.client.SAdd(ctx, actionQueueNameSet, queue); err != nil {
		return fmt.Errorf("nucleus/redis: register queue %q: %w", queue, err)
	}
	return nil
}

// IsQueueRegistered reports whether the queue is a registered member.
func (s *Store) IsQueueRegistered(ctx context.Context, queue string) (bool, error) {
	return s.client.SIsMember(ctx, actionQueueNameSet, queue)
}

// QueueNames returns every registered queue.
func (s *Store) QueueNames(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, actionQueueNameSet)
}

// QueueNameForAction resolves the queue an action name is published to.
func (s *Store) QueueNameForAction(ctx context.Context, name string) (string, error) {
	queue, ok, err := s.client.HGet(ctx, actionQueueNameTable, name)
	if err != nil {
		return "", fmt.Errorf("nucleus/redis: resolve queue for %q: %w", name, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: no queue registered for action %q", nucleus.ErrUndefinedContext, name)
	}
	return queue, nil
}
