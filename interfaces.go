package marginalia

import "context"

// EntityStore is the read surface of one entity family's normalized cache.
// Writes are not exposed here: every change arrives through the mutation
// engine so it is attributable to exactly one MutationRecord.
type EntityStore interface {
	// Get returns a clone of the entity, or false if absent.
	Get(id string) (Entity, bool)
	// List returns clones matching the query, ordered by its projection.
	List(q ListQuery) []Entity
	// Len returns the number of live entities.
	Len() int
	// Subscribe registers a synchronous observer of store changes and
	// returns its cancel function. Handlers must not call back into the
	// store.
	Subscribe(fn func(StoreEvent)) (cancel func())
}

// SelectionTracker holds the set of selected entity identifiers. Its
// lifecycle is independent of the stores, but it evicts identifiers
// synchronously when their entity is removed.
type SelectionTracker interface {
	Toggle(id string)
	SelectAll(ids []string)
	Clear()
	IsSelected(id string) bool
	// Selected returns the current selection; batch actions compute their
	// target set from this at the moment of the action.
	Selected() []string
	Count() int
}

// Mutator applies optimistic mutations: immediate local patch, remote call,
// reconcile on success, exact snapshot rollback on failure.
type Mutator interface {
	Mutate(ctx context.Context, req *MutationRequest) (*MutationResult, error)
	// PendingMutations reports in-flight mutation records; zero means the
	// session is at a settle point.
	PendingMutations() int
}

// BatchCoordinator fans one logical batch out to the mutation engine per
// item and aggregates partial success/failure.
type BatchCoordinator interface {
	RunBatch(ctx context.Context, req *BatchRequest) (*BatchResult, error)
	// Undo reverses the succeeded subset of the batch that minted the token.
	// Past the deadline it is a no-op reported as undo_expired.
	Undo(ctx context.Context, token *UndoToken) (*BatchResult, error)
}

// QueryCache is the time-boxed cache of server reads.
type QueryCache interface {
	// Read returns the cached payload if it is fresher than the view's
	// staleness window, otherwise awaits fetch and stores the result.
	Read(ctx context.Context, key QueryKey, fetch FetchFunc) (any, error)
	// Invalidate drops entries matching the predicate, returning the count.
	Invalidate(pred func(QueryKey) bool) int
	// InvalidateFamily drops every entry for one entity family.
	InvalidateFamily(f Family) int
}

// Session is the process-wide owner of all client synchronization state.
// One instance exists per application session: created at startup, closed on
// logout.
type Session interface {
	Mutator
	BatchCoordinator

	Resources() EntityStore
	Collections() EntityStore
	Store(f Family) EntityStore
	Selection() SelectionTracker
	Cache() QueryCache

	Close() error
}
