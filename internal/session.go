package internal

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marginalia-hq/marginalia"
)

// Session owns the client synchronization state for one application
// session: the per-family entity stores, the selection tracker, the
// mutation engine, the batch coordinator, the undo ledger, and the query
// cache. Exactly one instance exists per session; it is created at startup
// and closed on logout. Every write funnels through the engines, which is
// the discipline that keeps the store invariants enforceable.
type Session struct {
	cfg       *marginalia.Config
	stores    map[marginalia.Family]*Store
	selection *Selection
	engine    *Engine
	coord     *Coordinator
	cache     *QueryCache
	undo      *UndoLedger
	metrics   *Metrics

	detach    []func()
	closeOnce sync.Once
}

// NewSession wires a session from the given configuration. reg may be nil
// to run without metrics.
func NewSession(cfg *marginalia.Config, reg prometheus.Registerer) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var metrics *Metrics
	if reg != nil {
		metrics = NewMetrics(reg)
	}

	stores := map[marginalia.Family]*Store{
		marginalia.FamilyResource:   NewStore(marginalia.FamilyResource),
		marginalia.FamilyCollection: NewStore(marginalia.FamilyCollection),
	}
	cache := NewQueryCache(cfg.Cache, metrics)
	engine := NewEngine(cfg, stores, cache, metrics)
	undo := NewUndoLedger(cfg.Undo, metrics)
	coord := NewCoordinator(cfg, engine, undo, metrics)

	s := &Session{
		cfg:       cfg,
		stores:    stores,
		selection: NewSelection(),
		engine:    engine,
		coord:     coord,
		cache:     cache,
		undo:      undo,
		metrics:   metrics,
	}
	for _, st := range stores {
		s.detach = append(s.detach, s.selection.Attach(st))
	}
	return s, nil
}

// Resources returns the resource store's read surface.
func (s *Session) Resources() marginalia.EntityStore {
	return s.stores[marginalia.FamilyResource]
}

// Collections returns the collection store's read surface.
func (s *Session) Collections() marginalia.EntityStore {
	return s.stores[marginalia.FamilyCollection]
}

// Store returns the read surface for a family, or nil if unknown.
func (s *Session) Store(f marginalia.Family) marginalia.EntityStore {
	st, ok := s.stores[f]
	if !ok {
		return nil
	}
	return st
}

// Selection returns the shared multi-select tracker.
func (s *Session) Selection() marginalia.SelectionTracker {
	return s.selection
}

// Cache returns the query cache layer.
func (s *Session) Cache() marginalia.QueryCache {
	return s.cache
}

// Mutate runs one optimistic mutation to settlement.
func (s *Session) Mutate(ctx context.Context, req *marginalia.MutationRequest) (*marginalia.MutationResult, error) {
	return s.engine.Mutate(ctx, req)
}

// PendingMutations reports in-flight mutations; zero is a settle point.
func (s *Session) PendingMutations() int {
	return s.engine.PendingMutations()
}

// RunBatch executes one logical batch operation.
func (s *Session) RunBatch(ctx context.Context, req *marginalia.BatchRequest) (*marginalia.BatchResult, error) {
	return s.coord.RunBatch(ctx, req)
}

// Undo reverses the succeeded subset of a prior batch while its window is
// open.
func (s *Session) Undo(ctx context.Context, token *marginalia.UndoToken) (*marginalia.BatchResult, error) {
	return s.coord.Undo(ctx, token)
}

// Close tears the session down: further mutations are rejected, the undo
// sweep stops, and selection detaches from the stores. In-flight mutations
// settle normally.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.engine.Close()
		s.undo.Close()
		for _, cancel := range s.detach {
			cancel()
		}
	})
	return nil
}
