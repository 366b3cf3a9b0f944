package transport

import (
	"io"
	"sync"
)

// Registry tracks every open push-protocol connection so shutdown can
// force-close them. It replaces the process-wide connection list of older
// designs with an explicit dependency handed to each transport.
type Registry struct {
	mu    sync.Mutex
	next  uint64
	conns map[uint64]io.Closer
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uint64]io.Closer)}
}

// Add tracks a connection and returns a handle for Remove.
func (r *Registry) Add(c io.Closer) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.conns[r.next] = c
	return r.next
}

// Remove stops tracking a connection, typically right before its orderly
// close.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Len returns the number of currently tracked connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll force-closes every tracked connection. In-flight transfers on
// those connections fail; this is the best-effort drain of shutdown, not a
// transactional cancellation.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]io.Closer, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[uint64]io.Closer)
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
