package notify

import (
	"context"
	"sort"
	"sync"

	"therapy-booking/pkg"
)

type recipient struct {
	role pkg.Role
	name string
}

// MemoryStore keeps notifications in process memory.  It is used in tests
// and for single-instance deployments that do not need durability.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*pkg.Notification
	byRcp map[recipient][]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*pkg.Notification),
		byRcp: make(map[recipient][]string),
	}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, n *pkg.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *n
	s.byID[n.ID] = &cp
	key := recipient{role: n.RecipientRole, name: n.RecipientName}
	s.byRcp[key] = append(s.byRcp[key], n.ID)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*pkg.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// ListFor implements Store.
func (s *MemoryStore) ListFor(_ context.Context, role pkg.Role, name string) ([]pkg.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRcp[recipient{role: role, name: name}]
	out := make([]pkg.Notification, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.byID[id])
	}
	// Reverse first so equal timestamps still list the newest insert first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// MarkRead implements Store.
func (s *MemoryStore) MarkRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	n.IsRead = true
	return nil
}
