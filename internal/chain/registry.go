package chain

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Dialer opens a connection to one network.
type Dialer func(ctx context.Context, n Network) (Conn, error)

// Registry hands out one Conn per network, dialled on first use. Concurrent
// first use dials once; a failed dial is not cached.
type Registry struct {
	dial   Dialer
	onDial func(n Network, err error)

	mu    sync.RWMutex
	conns map[int64]Conn
	group singleflight.Group
}

// NewRegistry returns a registry using dial. onDial, if non-nil, observes
// every dial outcome.
func NewRegistry(dial Dialer, onDial func(n Network, err error)) *Registry {
	return &Registry{dial: dial, onDial: onDial, conns: make(map[int64]Conn)}
}

// Get returns the connection for n, dialling if needed.
func (r *Registry) Get(ctx context.Context, n Network) (Conn, error) {
	r.mu.RLock()
	c, ok := r.conns[n.ChainID]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := r.group.Do(strconv.FormatInt(n.ChainID, 10), func() (any, error) {
		r.mu.RLock()
		c, ok := r.conns[n.ChainID]
		r.mu.RUnlock()
		if ok {
			return c, nil
		}

		c, err := r.dial(ctx, n)
		if r.onDial != nil {
			r.onDial(n, err)
		}
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.conns[n.ChainID] = c
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

// Close closes every dialled connection that supports it.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		if cl, ok := c.(interface{ Close() }); ok {
			cl.Close()
		}
		delete(r.conns, id)
	}
}
