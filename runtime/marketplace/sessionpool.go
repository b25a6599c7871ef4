package marketplace

import (
	"context"
	"fmt"
	"sync"

	"goa.design/ccos/pkg/value"
)

// Handler is the small capability interface every provider variant
// implements, per spec.md section 9: the Marketplace dispatches a call to
// the Handler registered for the capability id, never through a class
// hierarchy, and every handler exposes the same Execute method regardless
// of variant. Handlers that hold a session also implement SessionLifecycle.
type Handler interface {
	// Execute invokes the capability with the given argument vector and
	// optional call metadata, returning a result Value or a typed error.
	Execute(ctx context.Context, manifest CapabilityManifest, args []value.Value, metadata value.Value) (value.Value, error)
}

// SessionLifecycle is implemented by Handlers that maintain a persistent
// connection (MCP servers, A2A agents) and need explicit open/close hooks
// independent of a single Execute call.
type SessionLifecycle interface {
	// Open establishes the underlying connection, called lazily on first
	// use and again after a reconnect.
	Open(ctx context.Context) error
	// Close tears down the underlying connection.
	Close(ctx context.Context) error
	// Healthy reports whether the session is usable without attempting a
	// round trip.
	Healthy() bool
}

// SessionPool maintains per-server connections for session-managed
// capabilities (MCP) with idempotent reconnect: calling Get for a server
// that is already open returns the existing handler; a closed or unhealthy
// session is transparently reopened.
type SessionPool struct {
	mu       sync.Mutex
	sessions map[string]Handler
	factory  map[string]func() (Handler, error)
}

// NewSessionPool constructs an empty SessionPool.
func NewSessionPool() *SessionPool {
	return &SessionPool{
		sessions: make(map[string]Handler),
		factory:  make(map[string]func() (Handler, error)),
	}
}

// RegisterFactory associates a server key (typically the MCP server URL or
// A2A endpoint) with a constructor used to lazily open new sessions.
func (p *SessionPool) RegisterFactory(serverKey string, factory func() (Handler, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factory[serverKey] = factory
}

// Get returns the live Handler for serverKey, opening (or reopening) the
// underlying session as needed. Reconnect is idempotent: concurrent callers
// observing an unhealthy session will race to reopen it, but only one
// Handler instance is ultimately stored.
func (p *SessionPool) Get(ctx context.Context, serverKey string) (Handler, error) {
	p.mu.Lock()
	existing, ok := p.sessions[serverKey]
	factory, hasFactory := p.factory[serverKey]
	p.mu.Unlock()

	if ok {
		if lifecycle, isLifecycle := existing.(SessionLifecycle); isLifecycle {
			if lifecycle.Healthy() {
				return existing, nil
			}
		} else {
			return existing, nil
		}
	}

	if !hasFactory {
		return nil, fmt.Errorf("marketplace: no session factory registered for %q", serverKey)
	}

	handler, err := factory()
	if err != nil {
		return nil, fmt.Errorf("marketplace: open session %q: %w", serverKey, err)
	}
	if lifecycle, isLifecycle := handler.(SessionLifecycle); isLifecycle {
		if err := lifecycle.Open(ctx); err != nil {
			return nil, fmt.Errorf("marketplace: open session %q: %w", serverKey, err)
		}
	}

	p.mu.Lock()
	p.sessions[serverKey] = handler
	p.mu.Unlock()
	return handler, nil
}

// CloseAll tears down every open session, used on substrate shutdown.
func (p *SessionPool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	sessions := make([]Handler, 0, len(p.sessions))
	for _, h := range p.sessions {
		sessions = append(sessions, h)
	}
	p.sessions = make(map[string]Handler)
	p.mu.Unlock()

	for _, h := range sessions {
		if lifecycle, ok := h.(SessionLifecycle); ok {
			_ = lifecycle.Close(ctx)
		}
	}
}
