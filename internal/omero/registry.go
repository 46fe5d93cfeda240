package omero

import (
	"context"
	"log/slog"
	"sync"

	"github.com/omero-tools/omerows/internal/logging"
)

// Registry tracks at most one Client per OMERO server. It replaces ambient
// global state: callers that need to share connections are handed a Registry
// and own its lifetime.
//
// Clients are keyed by normalized server URI. Because client identity also
// includes the username, which changes on login, callers indexing clients by
// Identity must re-index after every login.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
	opts    []Option
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. opts are applied to every client
// the registry creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		opts:    opts,
		logger:  logging.Registry(),
	}
}

// GetOrCreate returns the client for the given server, creating it (and
// running endpoint discovery) on first use. Concurrent calls for the same
// server yield the same client.
func (r *Registry) GetOrCreate(ctx context.Context, rawURI string) (*Client, error) {
	serverURI, err := NormalizeServerURI(rawURI)
	if err != nil {
		return nil, err
	}
	key := serverURI.String()

	r.mu.Lock()
	if c, ok := r.clients[key]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	// Discovery runs outside the lock; it can take several round trips.
	c, err := Connect(ctx, key, r.opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clients[key]; ok {
		// Another caller won the race; keep theirs.
		return existing, nil
	}
	r.clients[key] = c
	r.logger.Debug("client registered", "server", key, "client_id", c.InstanceID())
	return c, nil
}

// Get returns the client for the given server, if one exists.
func (r *Registry) Get(rawURI string) (*Client, bool) {
	serverURI, err := NormalizeServerURI(rawURI)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[serverURI.String()]
	return c, ok
}

// All returns a snapshot of every registered client.
func (r *Registry) All() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Remove discards the client for the given server. The caller decides when a
// client is disposable; the registry does not log it out first.
func (r *Registry) Remove(rawURI string) bool {
	serverURI, err := NormalizeServerURI(rawURI)
	if err != nil {
		return false
	}
	key := serverURI.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[key]; !ok {
		return false
	}
	delete(r.clients, key)
	r.logger.Debug("client removed", "server", key)
	return true
}
