package referral

import (
	"context"
	"sync"
)

// Repository owns the canonical referral collection shared by every
// surface.
type Repository interface {
	// Get returns a copy of the referral or ErrNotFound.
	Get(ctx context.Context, id string) (Referral, error)
	// List returns copies of all referrals in insertion order.
	List(ctx context.Context) ([]Referral, error)
	// Create stores a new referral and its creation event.
	Create(ctx context.Context, r Referral, event *Event) error
	// Update replaces a referral only if its stored status still equals
	// expected, storing the event in the same step. It returns
	// ErrNotFound or ErrConflict without changing anything otherwise.
	Update(ctx context.Context, expected Status, r Referral, event *Event) error
}

// EventSink receives events committed by a repository that does not
// persist them itself.
type EventSink interface {
	Publish(ctx context.Context, event *Event) error
}

// MemoryStore is an in-process Repository. Writes are serialized so the
// status and audit log of a referral always change together.
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	items map[string]Referral
}

// NewMemoryStore creates a store preloaded with referrals, which must
// already be in canonical form (see Ingest).
func NewMemoryStore(initial ...Referral) *MemoryStore {
	s := &MemoryStore{items: make(map[string]Referral, len(initial))}
	for _, r := range initial {
		if _, ok := s.items[r.ID]; ok {
			continue
		}
		s.order = append(s.order, r.ID)
		s.items[r.ID] = r.Clone()
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, id string) (Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[id]
	if !ok {
		return Referral{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Referral, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, r Referral, _ *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[r.ID]; ok {
		return ErrAlreadyExists
	}
	s.order = append(s.order, r.ID)
	s.items[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, expected Status, r Referral, _ *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrConflict
	}
	s.items[r.ID] = r.Clone()
	return nil
}

// Len returns the number of stored referrals.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
