package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned for an unknown resource id.
var ErrNotFound = errors.New("session not found")

// Factory builds a Client for a resource id.
type Factory func(resourceID string) (*Client, error)

// ConfigFactory returns a Factory that clones base for each resource.
func ConfigFactory(base Config, logger *slog.Logger) Factory {
	return func(resourceID string) (*Client, error) {
		cfg := base
		cfg.Endpoint.ResourceID = resourceID
		return New(cfg, logger)
	}
}

// Registry owns the open clients, keyed by resource id.
type Registry struct {
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry creates an empty Registry.
func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory: factory,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Open returns the client for resourceID, creating it on first use.
// The client is not connected.
func (r *Registry) Open(resourceID string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[resourceID]; ok {
		return c, nil
	}
	c, err := r.factory(resourceID)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", resourceID, err)
	}
	r.clients[resourceID] = c
	r.logger.Debug("session opened", "session", resourceID)
	return c, nil
}

// Get returns the client for resourceID.
func (r *Registry) Get(resourceID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[resourceID]
	return c, ok
}

// Len returns the number of open clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close closes and forgets the client for resourceID.
func (r *Registry) Close(ctx context.Context, resourceID string) error {
	r.mu.Lock()
	c, ok := r.clients[resourceID]
	delete(r.clients, resourceID)
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return c.Close(ctx)
}

// CloseAll closes every client concurrently and empties the registry.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	// One failed close must not cancel the others.
	var g errgroup.Group
	for id, c := range clients {
		g.Go(func() error {
			if err := c.Close(ctx); err != nil {
				return fmt.Errorf("close session %s: %w", id, err)
			}
			return nil
		})
	}

	err := g.Wait()
	r.logger.Info("sessions closed", "count", len(clients))
	return err
}
