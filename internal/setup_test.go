package internal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/marginalia-hq/marginalia"
)

// fixture bundles the wired core for engine and batch tests. Metrics are
// left off; the observe helpers are nil-safe.
type fixture struct {
	cfg    *marginalia.Config
	stores map[marginalia.Family]*Store
	cache  *QueryCache
	engine *Engine
	undo   *UndoLedger
	coord  *Coordinator
}

func newFixture() *fixture {
	cfg := marginalia.DefaultConfig()
	cfg.Undo.SweepInterval = 0 // no background goroutine in tests

	stores := map[marginalia.Family]*Store{
		marginalia.FamilyResource:   NewStore(marginalia.FamilyResource),
		marginalia.FamilyCollection: NewStore(marginalia.FamilyCollection),
	}
	cache := NewQueryCache(cfg.Cache, nil)
	engine := NewEngine(cfg, stores, cache, nil)
	undo := NewUndoLedger(cfg.Undo, nil)
	coord := NewCoordinator(cfg, engine, undo, nil)
	return &fixture{cfg: cfg, stores: stores, cache: cache, engine: engine, undo: undo, coord: coord}
}

func (f *fixture) resources() *Store   { return f.stores[marginalia.FamilyResource] }
func (f *fixture) collections() *Store { return f.stores[marginalia.FamilyCollection] }

func seed(s *Store, entities ...marginalia.Entity) {
	tx := s.begin()
	for _, e := range entities {
		tx.put(e)
	}
	tx.end()
}

func newResource(id, title string) *marginalia.Resource {
	return &marginalia.Resource{
		ID:          id,
		Title:       title,
		ContentType: "pdf",
		UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func newCollection(id, name string, resourceIDs ...string) *marginalia.Collection {
	return &marginalia.Collection{
		ID:          id,
		Name:        name,
		ResourceIDs: resourceIDs,
		UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func resourceTarget(id string) marginalia.TargetRef {
	return marginalia.TargetRef{Family: marginalia.FamilyResource, ID: id}
}

func collectionTarget(id string) marginalia.TargetRef {
	return marginalia.TargetRef{Family: marginalia.FamilyCollection, ID: id}
}

// okRemote returns a remote call that succeeds with the given payload and
// counts its invocations.
func okRemote(payload *marginalia.RemotePayload) (marginalia.RemoteCall, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context) (*marginalia.RemotePayload, error) {
		calls.Add(1)
		return payload, nil
	}, &calls
}

// failRemote returns a remote call that fails with err and counts its
// invocations.
func failRemote(err error) (marginalia.RemoteCall, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context) (*marginalia.RemotePayload, error) {
		calls.Add(1)
		return nil, err
	}, &calls
}

// gatedRemote returns a remote call that blocks until release is closed,
// then succeeds with payload.
func gatedRemote(payload *marginalia.RemotePayload) (marginalia.RemoteCall, chan struct{}, chan struct{}) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	return func(ctx context.Context) (*marginalia.RemotePayload, error) {
		started <- struct{}{}
		<-release
		return payload, nil
	}, started, release
}

// titlePatch returns a patch setting one resource's title.
func titlePatch(id, title string) marginalia.PatchFunc {
	return func(w marginalia.StoreWriter) error {
		w.Patch(marginalia.FamilyResource, id, func(e marginalia.Entity) marginalia.Entity {
			e.(*marginalia.Resource).Title = title
			return e
		})
		return nil
	}
}
