package internal

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marginalia-hq/marginalia"
	"go.uber.org/zap"
)

// Store is the in-memory normalized cache for one entity family. Lookup is
// by identifier; list order is a projection computed on read. Reads hand out
// clones, and all writes arrive through mutation transactions so every
// change belongs to exactly one mutation record.
type Store struct {
	family marginalia.Family

	mu       sync.Mutex
	entities map[string]marginalia.Entity
	subs     map[int]func(marginalia.StoreEvent)
	nextSub  int
}

// NewStore creates an empty store for the given family.
func NewStore(family marginalia.Family) *Store {
	return &Store{
		family:   family,
		entities: make(map[string]marginalia.Entity),
		subs:     make(map[int]func(marginalia.StoreEvent)),
	}
}

// Family returns the entity family this store holds.
func (s *Store) Family() marginalia.Family {
	return s.family
}

// Get returns a clone of the entity, or false if absent.
func (s *Store) Get(id string) (marginalia.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	return e.CloneEntity(), true
}

// Len returns the number of live entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// List returns clones matching the query, ordered by its sort projection.
func (s *Store) List(q marginalia.ListQuery) []marginalia.Entity {
	s.mu.Lock()
	matched := make([]marginalia.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if q.Filter == nil || q.Filter(e) {
			matched = append(matched, e.CloneEntity())
		}
	}
	s.mu.Unlock()

	sortEntities(matched, q.SortBy, q.SortOrder)

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []marginalia.Entity{}
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched
}

// Subscribe registers a synchronous observer of store changes. The returned
// cancel function removes it. Handlers run with the change still exclusive,
// so they must not call back into the store.
func (s *Store) Subscribe(fn func(marginalia.StoreEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// storeTx is a write transaction over one store. It is created by begin
// (which takes the store exclusive) and must be finished with end, which
// delivers the accumulated change events before releasing the store. One
// transaction maps to one mutation's patch, reconcile, or rollback step.
type storeTx struct {
	s      *Store
	events []marginalia.StoreEvent
}

func (s *Store) begin() *storeTx {
	s.mu.Lock()
	return &storeTx{s: s}
}

func (t *storeTx) put(e marginalia.Entity) {
	clone := e.CloneEntity()
	t.s.entities[clone.EntityID()] = clone
	t.events = append(t.events, marginalia.StoreEvent{
		Kind:   marginalia.StoreEventPut,
		Family: t.s.family,
		ID:     clone.EntityID(),
		Entity: clone.CloneEntity(),
	})
}

// patch applies fn to the current entity. Unknown identifiers are an
// idempotent no-op signalled by the false return, so rollback paths stay
// safe after a concurrent delete.
func (t *storeTx) patch(id string, fn func(marginalia.Entity) marginalia.Entity) bool {
	cur, ok := t.s.entities[id]
	if !ok {
		return false
	}
	next := fn(cur.CloneEntity())
	if next == nil {
		return false
	}
	t.put(next)
	return true
}

// remove deletes an entity. Unknown identifiers signal false, never error.
func (t *storeTx) remove(id string) bool {
	if _, ok := t.s.entities[id]; !ok {
		return false
	}
	delete(t.s.entities, id)
	t.events = append(t.events, marginalia.StoreEvent{
		Kind:   marginalia.StoreEventRemove,
		Family: t.s.family,
		ID:     id,
	})
	return true
}

// swap atomically replaces a temporary-identifier entity with its
// server-confirmed form. Observers see the removal and the insertion in the
// same delivery, never both entities and never neither.
func (t *storeTx) swap(tempID string, confirmed marginalia.Entity) {
	t.remove(tempID)
	t.put(confirmed)
}

func (t *storeTx) end() {
	events := t.events
	subs := make([]func(marginalia.StoreEvent), 0, len(t.s.subs))
	for _, fn := range t.s.subs {
		subs = append(subs, fn)
	}
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
	t.s.mu.Unlock()
}

// Snapshot maps touched targets to their pre-mutation images; a nil value
// records that the target was absent.
type Snapshot map[marginalia.TargetRef]marginalia.Entity

// TakeSnapshot captures the current images of the given targets across
// stores. The caller must already hold the targets' mutation queue slots so
// no other mutation can interleave.
func TakeSnapshot(stores map[marginalia.Family]*Store, targets []marginalia.TargetRef) Snapshot {
	snap := make(Snapshot, len(targets))
	for _, ref := range targets {
		st, ok := stores[ref.Family]
		if !ok {
			zap.S().Warnw("snapshot requested for unknown family", "family", ref.Family, "id", ref.ID)
			continue
		}
		if e, found := st.Get(ref.ID); found {
			snap[ref] = e
		} else {
			snap[ref] = nil
		}
	}
	return snap
}

// multiTx coordinates one logical write across several stores. Stores are
// locked in a fixed family order to keep cross-family writes deadlock free.
type multiTx struct {
	txs     map[marginalia.Family]*storeTx
	ordered []*storeTx
}

func beginMulti(stores map[marginalia.Family]*Store, families []marginalia.Family) *multiTx {
	uniq := make([]marginalia.Family, 0, len(families))
	seen := make(map[marginalia.Family]bool, len(families))
	for _, f := range families {
		if !seen[f] && stores[f] != nil {
			seen[f] = true
			uniq = append(uniq, f)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	mt := &multiTx{txs: make(map[marginalia.Family]*storeTx, len(uniq))}
	for _, f := range uniq {
		tx := stores[f].begin()
		mt.txs[f] = tx
		mt.ordered = append(mt.ordered, tx)
	}
	return mt
}

func (m *multiTx) end() {
	// release in reverse acquisition order
	for i := len(m.ordered) - 1; i >= 0; i-- {
		m.ordered[i].end()
	}
}

// Put routes an entity to its family's transaction.
func (m *multiTx) Put(e marginalia.Entity) {
	if tx, ok := m.txs[e.EntityFamily()]; ok {
		tx.put(e)
	}
}

// Patch applies fn within the family's transaction; false when absent.
func (m *multiTx) Patch(f marginalia.Family, id string, fn func(marginalia.Entity) marginalia.Entity) bool {
	if tx, ok := m.txs[f]; ok {
		return tx.patch(id, fn)
	}
	return false
}

// Remove deletes within the family's transaction; false when absent.
func (m *multiTx) Remove(f marginalia.Family, id string) bool {
	if tx, ok := m.txs[f]; ok {
		return tx.remove(id)
	}
	return false
}

func (m *multiTx) swap(f marginalia.Family, tempID string, confirmed marginalia.Entity) {
	if tx, ok := m.txs[f]; ok {
		tx.swap(tempID, confirmed)
	}
}

// restore puts every snapshot image back exactly: present images are
// rewritten, absent ones removed. Removal of an already-gone target is a
// silent no-op.
func (m *multiTx) restore(snap Snapshot) {
	for ref, img := range snap {
		if img == nil {
			m.Remove(ref.Family, ref.ID)
			continue
		}
		m.Put(img)
	}
}

func sortEntities(entities []marginalia.Entity, field marginalia.SortField, order marginalia.SortOrder) {
	desc := order == marginalia.SortOrderDesc
	sort.SliceStable(entities, func(i, j int) bool {
		if desc {
			return entityLess(entities[j], entities[i], field)
		}
		return entityLess(entities[i], entities[j], field)
	})
}

func entityLess(a, b marginalia.Entity, field marginalia.SortField) bool {
	if field == marginalia.SortFieldUpdatedAt {
		at, bt := entityUpdatedAt(a), entityUpdatedAt(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.EntityID() < b.EntityID()
	}
	at, bt := entityTitle(a), entityTitle(b)
	if c := strings.Compare(strings.ToLower(at), strings.ToLower(bt)); c != 0 {
		return c < 0
	}
	return a.EntityID() < b.EntityID()
}

func entityTitle(e marginalia.Entity) string {
	switch v := e.(type) {
	case *marginalia.Resource:
		return v.Title
	case *marginalia.Collection:
		return v.Name
	default:
		return e.EntityID()
	}
}

func entityUpdatedAt(e marginalia.Entity) time.Time {
	switch v := e.(type) {
	case *marginalia.Resource:
		return v.UpdatedAt
	case *marginalia.Collection:
		return v.UpdatedAt
	default:
		return time.Time{}
	}
}
