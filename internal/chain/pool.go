package chain

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/devblac/event-relay/internal/model"
)

// DialFunc opens a client for a set of endpoints.
type DialFunc func(ctx context.Context, urls []string, opts Options) (Client, error)

// Pool lazily opens and caches one client per project. Dials run outside the lock and are
// deduplicated per project, so a hanging endpoint only blocks callers of its own project.
type Pool struct {
	opts  Options
	dial  DialFunc
	group singleflight.Group

	mu      sync.Mutex
	clients map[string]Client
}

// NewPool builds a pool dialing real RPC endpoints.
func NewPool(opts Options) *Pool {
	return NewPoolWithDialer(opts, func(ctx context.Context, urls []string, opts Options) (Client, error) {
		return Dial(ctx, urls, opts)
	})
}

// NewPoolWithDialer builds a pool with a custom dialer.
func NewPoolWithDialer(opts Options, dial DialFunc) *Pool {
	return &Pool{opts: opts, dial: dial, clients: map[string]Client{}}
}

// Client returns the project's client, dialing it on first use.
func (p *Pool) Client(ctx context.Context, project model.Project) (Client, error) {
	if c, ok := p.cached(project.ID); ok {
		return c, nil
	}
	v, err, _ := p.group.Do(project.ID, func() (any, error) {
		if c, ok := p.cached(project.ID); ok {
			return c, nil
		}
		opts := p.opts
		if project.RequestsPerSecond > 0 {
			opts.RequestsPerSecond = project.RequestsPerSecond
		}
		c, err := p.dial(ctx, project.RPCURLs, opts)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", project.ID, err)
		}
		p.mu.Lock()
		p.clients[project.ID] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

func (p *Pool) cached(id string) (Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	return c, ok
}

// Clients returns a snapshot of the opened clients keyed by project id.
func (p *Pool) Clients() map[string]Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Client, len(p.clients))
	for id, c := range p.clients {
		out[id] = c
	}
	return out
}

// Close closes every opened client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		c.Close()
		delete(p.clients, id)
	}
}
