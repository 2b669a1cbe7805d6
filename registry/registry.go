// Package registry holds the rendezvous server's authoritative view of live peers.
package registry

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vsfy/models"
)

// Session is the server-side record of one connected peer.
type Session struct {
	Identity     string
	Conn         net.Conn
	Descriptor   models.PeerDescriptor
	RegisteredAt time.Time

	seq uint64
}

// Registry maps peer identities to live sessions.
//
// All methods touch memory only; no network I/O happens while mu is held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nextSeq  uint64

	newID func() string
	now   func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithIdentityGenerator replaces the uuid-based identity generator.
func WithIdentityGenerator(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithClock replaces time.Now for registration timestamps.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// New creates an empty registry.
func New(options ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Register assigns a fresh identity, stores a copy of descriptor under it and
// returns the identity. Generated identities that collide with a live one are
// discarded and regenerated.
func (r *Registry) Register(descriptor models.PeerDescriptor, conn net.Conn) string {
	stored := descriptor.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	identity := r.newID()
	for identity == "" || r.sessions[identity] != nil {
		identity = r.newID()
	}

	stored.Identity = identity
	r.nextSeq++
	r.sessions[identity] = &Session{
		Identity:     identity,
		Conn:         conn,
		Descriptor:   stored,
		RegisteredAt: r.now(),
		seq:          r.nextSeq,
	}
	return identity
}

// Announce replaces the descriptor of a live session wholesale, keeping its
// identity. It reports false when the identity is not registered.
func (r *Registry) Announce(identity string, descriptor models.PeerDescriptor) bool {
	stored := descriptor.Clone()
	stored.Identity = identity

	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[identity]
	if !ok {
		return false
	}
	session.Descriptor = stored
	return true
}

// Unregister removes a session. Removing an absent identity is a no-op; the
// return value reports whether a session was removed.
func (r *Registry) Unregister(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[identity]; !ok {
		return false
	}
	delete(r.sessions, identity)
	return true
}

// Snapshot returns a copy of every live descriptor in registration order.
func (r *Registry) Snapshot() models.DirectorySnapshot {
	type entry struct {
		seq        uint64
		descriptor models.PeerDescriptor
	}

	r.mu.RLock()
	entries := make([]entry, 0, len(r.sessions))
	for _, session := range r.sessions {
		entries = append(entries, entry{seq: session.seq, descriptor: session.Descriptor.Clone()})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	out := make(models.DirectorySnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.descriptor)
	}
	return out
}

// Lookup returns a copy of one live descriptor.
func (r *Registry) Lookup(identity string) (models.PeerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[identity]
	if !ok {
		return models.PeerDescriptor{}, false
	}
	return session.Descriptor.Clone(), true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
