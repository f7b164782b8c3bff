package core

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"therapy-booking/pkg"
)

// Endpoint is one live channel to a client.  Deliver queues a frame for the
// client and may block while the outbound queue is full; an error means the
// transport is unusable.  Close must be safe to call more than once.
type Endpoint interface {
	Deliver(frame pkg.Frame) error
	Close() error
}

// Registry tracks the canonical endpoint for each (session, role) pair.  Each
// router owns its own Registry; registries never share state.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]map[pkg.Role]Endpoint
	log      zerolog.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		bindings: make(map[string]map[pkg.Role]Endpoint),
		log:      logger,
	}
}

// Bind makes ep the canonical endpoint for (sessionID, role).  A previously
// bound endpoint is closed and returned; it receives nothing further.
func (r *Registry) Bind(sessionID string, role pkg.Role, ep Endpoint) Endpoint {
	r.mu.Lock()
	roles := r.bindings[sessionID]
	if roles == nil {
		roles = make(map[pkg.Role]Endpoint)
		r.bindings[sessionID] = roles
	}
	prior := roles[role]
	roles[role] = ep
	r.mu.Unlock()

	if prior != nil && prior != ep {
		r.log.Info().Str("session_id", sessionID).Str("role", string(role)).Msg("superseding duplicate connection")
		_ = prior.Close()
		return prior
	}
	return nil
}

// Unbind removes whatever is bound at (sessionID, role).  Unbinding an absent
// pair is a no-op.  It reports whether something was removed.
func (r *Registry) Unbind(sessionID string, role pkg.Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(sessionID, role, nil)
}

// Release removes ep only if it is still canonical for (sessionID, role).
// Connection handlers call it on close so that a superseded socket's cleanup
// never evicts its successor.
func (r *Registry) Release(sessionID string, role pkg.Role, ep Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(sessionID, role, ep)
}

func (r *Registry) removeLocked(sessionID string, role pkg.Role, ep Endpoint) bool {
	roles := r.bindings[sessionID]
	cur, ok := roles[role]
	if !ok || (ep != nil && cur != ep) {
		return false
	}
	delete(roles, role)
	if len(roles) == 0 {
		delete(r.bindings, sessionID)
	}
	return true
}

// Lookup returns the canonical endpoint for (sessionID, role).
func (r *Registry) Lookup(sessionID string, role pkg.Role) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.bindings[sessionID][role]
	return ep, ok
}

// PeersOf returns the roles other than role currently bound on sessionID,
// sorted for stable output.
func (r *Registry) PeersOf(sessionID string, role pkg.Role) []pkg.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []pkg.Role
	for other := range r.bindings[sessionID] {
		if other != role {
			out = append(out, other)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Bound reports whether any endpoint is bound on sessionID.
func (r *Registry) Bound(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings[sessionID]) > 0
}

// Broadcast delivers frame to every endpoint bound on sessionID except the
// listed roles and returns how many accepted it.  An endpoint that fails is
// closed; its own handler then releases it and announces the departure.
func (r *Registry) Broadcast(sessionID string, frame pkg.Frame, except ...pkg.Role) int {
	r.mu.RLock()
	type target struct {
		role pkg.Role
		ep   Endpoint
	}
	targets := make([]target, 0, len(r.bindings[sessionID]))
	for role, ep := range r.bindings[sessionID] {
		if !containsRole(except, role) {
			targets = append(targets, target{role: role, ep: ep})
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if err := t.ep.Deliver(frame); err != nil {
			r.log.Warn().Err(err).Str("session_id", sessionID).Str("role", string(t.role)).Str("frame", string(frame.Type)).Msg("delivery failed, closing connection")
			_ = t.ep.Close()
			continue
		}
		delivered++
	}
	return delivered
}

func containsRole(roles []pkg.Role, role pkg.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e := k.locks[key]
	if e == nil {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
