package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/marginalia-hq/marginalia"
)

// Engine applies optimistic mutations: immediate local patch, remote call,
// authoritative reconciliation on success, exact snapshot rollback on
// failure. Mutations against overlapping targets execute in submission
// order; a later mutation's snapshot is taken only after the earlier one
// settles.
type Engine struct {
	cfg      *marginalia.Config
	stores   map[marginalia.Family]*Store
	cache    *QueryCache
	metrics  *Metrics
	seq      *sequencer
	validate *validator.Validate
	flight   singleflight.Group

	mu      sync.Mutex
	pending map[string]*marginalia.MutationRecord
	closed  bool
}

// NewEngine wires the mutation engine over the session's stores and cache.
func NewEngine(cfg *marginalia.Config, stores map[marginalia.Family]*Store, cache *QueryCache, metrics *Metrics) *Engine {
	return &Engine{
		cfg:      cfg,
		stores:   stores,
		cache:    cache,
		metrics:  metrics,
		seq:      newSequencer(cfg.Sync.QueueDepth),
		validate: validator.New(),
		pending:  make(map[string]*marginalia.MutationRecord),
	}
}

// PendingMutations reports in-flight mutation records. Zero means the
// session is at a settle point.
func (e *Engine) PendingMutations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close rejects further mutations. In-flight ones settle normally.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Mutate runs one optimistic mutation to settlement. Validation failures
// reject before any state is touched; remote failures reject only after the
// pre-mutation snapshot has been restored, so callers never observe an
// inconsistent store. Retrying a failed mutation is re-invoking Mutate with
// the same request.
func (e *Engine) Mutate(ctx context.Context, req *marginalia.MutationRequest) (*marginalia.MutationResult, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}

	if e.cfg.Sync.DedupInFlight && req.Fingerprint != "" {
		key := dedupKey(req)
		res, err, shared := e.flight.Do(key, func() (any, error) {
			return e.execute(ctx, req)
		})
		if shared {
			zap.S().Debugw("mutation deduplicated against in-flight twin", "fingerprint", req.Fingerprint)
		}
		if err != nil {
			return nil, err
		}
		return res.(*marginalia.MutationResult), nil
	}
	return e.execute(ctx, req)
}

func (e *Engine) checkRequest(req *marginalia.MutationRequest) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return &marginalia.SyncError{
			Type:    marginalia.ErrorTypeValidation,
			Code:    marginalia.ErrCodeSessionClosed,
			Message: "session is closed",
		}
	}
	if req == nil {
		return marginalia.NewValidationError("mutation request cannot be nil")
	}
	if err := e.validate.Struct(req); err != nil {
		return marginalia.NewValidationError(err.Error()).WithCause(err)
	}
	if req.Patch == nil {
		return marginalia.NewValidationError("local patch function cannot be nil")
	}
	for _, ref := range req.Targets {
		if ref.ID == "" {
			return marginalia.NewValidationError("target id cannot be empty")
		}
		if _, ok := e.stores[ref.Family]; !ok {
			return marginalia.NewValidationError(fmt.Sprintf("unknown entity family %q", ref.Family))
		}
	}
	if req.Kind == marginalia.MutationCreate && len(req.Targets) != 1 {
		return marginalia.NewValidationError("create mutations take exactly one target")
	}
	if req.Remote == nil && req.Kind != marginalia.MutationDelete {
		return marginalia.NewValidationError("remote call can be omitted only for pending-entity deletion")
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, req *marginalia.MutationRequest) (*marginalia.MutationResult, error) {
	keys := make([]string, 0, len(req.Targets))
	for _, ref := range req.Targets {
		keys = append(keys, ref.String())
		if e.seq.queuedFor(ref.String()) > 0 {
			e.metrics.observeQueueWait()
		}
	}
	acquired, err := e.seq.acquire(ctx, keys)
	if err != nil {
		return nil, marginalia.AsSyncError(err)
	}
	defer e.seq.release(acquired)

	record := &marginalia.MutationRecord{
		MutationID:  uuid.NewString(),
		Kind:        req.Kind,
		Targets:     append([]marginalia.TargetRef(nil), req.Targets...),
		Status:      marginalia.MutationPending,
		SubmittedAt: time.Now(),
	}
	e.track(record)
	defer e.settle(record)

	// The snapshot is taken while holding every target's queue slot, so it
	// can never observe another mutation mid-flight.
	snap := TakeSnapshot(e.stores, req.Targets)

	if req.Kind == marginalia.MutationDelete && allPending(snap, req.Targets) {
		// Deleting an unconfirmed creation drops it locally; the server has
		// never heard of it, so there is no call and no cache to invalidate.
		return e.commitLocalDrop(record, req, snap)
	}
	if req.Remote == nil {
		record.Status = marginalia.MutationRolledBack
		return nil, marginalia.NewValidationError("remote call required: targets are not pending creations").
			WithMutation(record.MutationID)
	}

	if err := e.applyPatch(req, snap, record); err != nil {
		record.Status = marginalia.MutationRolledBack
		return nil, err
	}

	payload, rerr := req.Remote(ctx)
	if rerr != nil {
		se := marginalia.AsSyncError(rerr)
		if se.Type == marginalia.ErrorTypeNotFound && req.Kind == marginalia.MutationDelete {
			// The desired end state already holds server-side: a no-op
			// commit with nothing to reconcile and no cache to invalidate.
			record.Status = marginalia.MutationCommitted
			e.metrics.observeMutation(req.Kind, record.Status)
			zap.S().Debugw("remote target already gone, committing as no-op",
				"mutationId", record.MutationID, "kind", req.Kind)
			return &marginalia.MutationResult{Record: record}, nil
		}
		// For every other kind a vanished target means the optimistic patch
		// describes an entity the server no longer has; keeping it would
		// diverge the store, so not_found rolls back like any failure.
		e.rollback(req, snap)
		record.Status = marginalia.MutationRolledBack
		e.metrics.observeMutation(req.Kind, record.Status)
		zap.S().Warnw("mutation rolled back",
			"mutationId", record.MutationID, "kind", req.Kind, "error", se.Error())
		return nil, se.WithMutation(record.MutationID)
	}

	entities, cerr := e.reconcile(req, payload)
	if cerr != nil {
		e.rollback(req, snap)
		record.Status = marginalia.MutationRolledBack
		e.metrics.observeMutation(req.Kind, record.Status)
		return nil, marginalia.AsSyncError(cerr).WithMutation(record.MutationID)
	}

	record.Status = marginalia.MutationCommitted
	e.metrics.observeMutation(req.Kind, record.Status)
	e.invalidateFor(req, payload)
	zap.S().Debugw("mutation committed", "mutationId", record.MutationID, "kind", req.Kind,
		"targets", len(req.Targets))
	return &marginalia.MutationResult{Record: record, Entities: entities}, nil
}

func (e *Engine) commitLocalDrop(record *marginalia.MutationRecord, req *marginalia.MutationRequest, snap Snapshot) (*marginalia.MutationResult, error) {
	if err := e.applyPatch(req, snap, record); err != nil {
		record.Status = marginalia.MutationRolledBack
		return nil, err
	}
	record.Status = marginalia.MutationCommitted
	e.metrics.observeMutation(req.Kind, record.Status)
	zap.S().Debugw("pending creation dropped locally", "mutationId", record.MutationID)
	return &marginalia.MutationResult{Record: record}, nil
}

func (e *Engine) applyPatch(req *marginalia.MutationRequest, snap Snapshot, record *marginalia.MutationRecord) error {
	mt := beginMulti(e.stores, targetFamilies(req.Targets))
	perr := req.Patch(mt)
	mt.end()
	if perr != nil {
		// A partially applied patch must not leak; restore before reporting.
		e.rollback(req, snap)
		return (&marginalia.SyncError{
			Type:    marginalia.ErrorTypeInternal,
			Code:    marginalia.ErrCodePatchFailed,
			Message: "local patch failed",
		}).WithCause(perr).WithMutation(record.MutationID)
	}
	return nil
}

func (e *Engine) rollback(req *marginalia.MutationRequest, snap Snapshot) {
	mt := beginMulti(e.stores, targetFamilies(req.Targets))
	mt.restore(snap)
	mt.end()
}

// reconcile replaces the optimistic patch with the server's authoritative
// post-images: field-level overwrite, never a merge, so server-derived
// fields cannot drift.
func (e *Engine) reconcile(req *marginalia.MutationRequest, payload *marginalia.RemotePayload) ([]marginalia.Entity, error) {
	if req.Kind == marginalia.MutationCreate {
		if payload == nil || len(payload.Entities) == 0 {
			return nil, marginalia.NewServerError("create succeeded without a confirmed entity")
		}
		confirmed := payload.Entities[0]
		target := req.Targets[0]
		mt := beginMulti(e.stores, []marginalia.Family{target.Family})
		mt.swap(target.Family, target.ID, confirmed)
		mt.end()
		return []marginalia.Entity{confirmed.CloneEntity()}, nil
	}

	if payload == nil {
		return nil, nil
	}
	families := targetFamilies(req.Targets)
	for _, ent := range payload.Entities {
		families = append(families, ent.EntityFamily())
	}
	for _, ref := range payload.Deleted {
		families = append(families, ref.Family)
	}
	mt := beginMulti(e.stores, families)
	for _, ent := range payload.Entities {
		mt.Put(ent)
	}
	for _, ref := range payload.Deleted {
		mt.Remove(ref.Family, ref.ID)
	}
	mt.end()

	out := make([]marginalia.Entity, 0, len(payload.Entities))
	for _, ent := range payload.Entities {
		out = append(out, ent.CloneEntity())
	}
	return out, nil
}

func (e *Engine) invalidateFor(req *marginalia.MutationRequest, payload *marginalia.RemotePayload) {
	seen := make(map[marginalia.Family]bool)
	mark := func(f marginalia.Family) {
		if !seen[f] {
			seen[f] = true
			e.cache.InvalidateFamily(f)
		}
	}
	for _, ref := range req.Targets {
		mark(ref.Family)
	}
	if payload != nil {
		for _, ent := range payload.Entities {
			mark(ent.EntityFamily())
		}
		for _, ref := range payload.Deleted {
			mark(ref.Family)
		}
	}
}

func (e *Engine) track(rec *marginalia.MutationRecord) {
	e.mu.Lock()
	e.pending[rec.MutationID] = rec
	e.mu.Unlock()
}

// settle discards the record's in-flight registration; committed and
// rolled-back records alike are dropped after settlement.
func (e *Engine) settle(rec *marginalia.MutationRecord) {
	rec.SettledAt = time.Now()
	e.mu.Lock()
	delete(e.pending, rec.MutationID)
	e.mu.Unlock()
}

func allPending(snap Snapshot, targets []marginalia.TargetRef) bool {
	for _, ref := range targets {
		img := snap[ref]
		if img == nil || !img.IsPending() {
			return false
		}
	}
	return true
}

func targetFamilies(targets []marginalia.TargetRef) []marginalia.Family {
	out := make([]marginalia.Family, 0, len(targets))
	for _, ref := range targets {
		out = append(out, ref.Family)
	}
	return out
}

func dedupKey(req *marginalia.MutationRequest) string {
	key := string(req.Kind)
	for _, ref := range sortedTargets(req.Targets) {
		key += "|" + ref.String()
	}
	return key + "|" + req.Fingerprint
}

func sortedTargets(targets []marginalia.TargetRef) []marginalia.TargetRef {
	out := append([]marginalia.TargetRef(nil), targets...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].String() < out[j-1].String(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
