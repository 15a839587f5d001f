package internal

import (
	"sync"

	"github.com/marginalia-hq/marginalia"
)

// Selection tracks the multi-select state shared by batch UI. It lives
// independently of the entity stores but subscribes to their removals so a
// deleted entity's identifier is evicted in the same tick: batch actions
// compute their target set from the selection at the moment of the action,
// and a stale identifier there is a correctness bug.
type Selection struct {
	mu  sync.Mutex
	ids *Set[string]
}

// NewSelection creates an empty selection tracker.
func NewSelection() *Selection {
	return &Selection{ids: NewSet[string]()}
}

// Attach subscribes the selection to a store's removal events. The returned
// cancel function detaches it.
func (s *Selection) Attach(store *Store) func() {
	return store.Subscribe(func(ev marginalia.StoreEvent) {
		if ev.Kind == marginalia.StoreEventRemove {
			s.evict(ev.ID)
		}
	})
}

// Toggle flips membership of one identifier.
func (s *Selection) Toggle(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids.Contains(id) {
		s.ids.Remove(id)
		return
	}
	s.ids.Add(id)
}

// SelectAll adds every given identifier to the selection.
func (s *Selection) SelectAll(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ids.Add(id)
	}
}

// Clear empties the selection.
func (s *Selection) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids.Clear()
}

// IsSelected reports membership of one identifier.
func (s *Selection) IsSelected(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.Contains(id)
}

// Selected returns the current selection. Order is non-deterministic.
func (s *Selection) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.ToSlice()
}

// Count returns the selection size.
func (s *Selection) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.Size()
}

func (s *Selection) evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids.Remove(id)
}
