package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/marginalia-hq/marginalia"
)

// Coordinator issues one logical batch mutation over N resources. Batches
// are not atomic across items: each item runs through the mutation engine
// independently, so one failure rolls back only that item's local patch,
// and the result reports exactly which identifiers succeeded or failed.
type Coordinator struct {
	cfg      *marginalia.Config
	engine   *Engine
	undo     *UndoLedger
	metrics  *Metrics
	validate *validator.Validate
}

// NewCoordinator wires the batch coordinator over the mutation engine.
func NewCoordinator(cfg *marginalia.Config, engine *Engine, undo *UndoLedger, metrics *Metrics) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		engine:   engine,
		undo:     undo,
		metrics:  metrics,
		validate: validator.New(),
	}
}

// RunBatch executes the batch and aggregates per-item outcomes. It rejects
// only on invalid arguments; item failures are data in the result, because
// a partial batch outcome is a normal result, not an exceptional one. When
// at least one item of an add/remove batch succeeds and an undo remote was
// provided, the result carries a token reversing exactly that subset.
func (c *Coordinator) RunBatch(ctx context.Context, req *marginalia.BatchRequest) (*marginalia.BatchResult, error) {
	if err := c.checkRequest(req); err != nil {
		return nil, err
	}

	start := time.Now()
	zap.S().Debugw("batch started", "action", req.Action, "items", len(req.ResourceIDs))
	result := c.run(ctx, req.Action, req.CollectionID, req.ResourceIDs, req)
	result.Duration = time.Since(start).Microseconds()

	if req.Action.Undoable() && len(result.Succeeded) > 0 && req.UndoRemote != nil {
		if inverse, ok := req.Action.Inverse(); ok {
			result.Undo = c.undo.Mint(inverse, req.CollectionID, result.Succeeded, req.UndoRemote)
		}
	}
	zap.S().Debugw("batch settled", "action", req.Action,
		"succeeded", len(result.Succeeded), "failed", len(result.Failed),
		"durationMicroseconds", result.Duration)
	return result, nil
}

// Undo reverses the succeeded subset of the batch that minted the token.
// Past its deadline (or on reuse) it is a no-op reported as undo_expired.
// The replay runs through the engine like any batch, so it respects
// per-identifier ordering; it never mints a token of its own.
func (c *Coordinator) Undo(ctx context.Context, token *marginalia.UndoToken) (*marginalia.BatchResult, error) {
	if token == nil {
		return nil, marginalia.NewValidationError("undo token cannot be nil")
	}
	entry, err := c.undo.Take(token.TokenID)
	if err != nil {
		c.metrics.observeUndo("expired")
		return nil, err
	}

	start := time.Now()
	replay := &marginalia.BatchRequest{
		Action:       entry.token.Action,
		CollectionID: entry.token.CollectionID,
		ResourceIDs:  entry.token.ResourceIDs,
		Remote:       entry.inverse,
	}
	result := c.run(ctx, replay.Action, replay.CollectionID, replay.ResourceIDs, replay)
	result.Duration = time.Since(start).Microseconds()
	c.metrics.observeUndo("applied")
	zap.S().Infow("undo applied", "tokenId", token.TokenID, "action", replay.Action,
		"succeeded", len(result.Succeeded), "failed", len(result.Failed))
	return result, nil
}

func (c *Coordinator) checkRequest(req *marginalia.BatchRequest) error {
	if req == nil {
		return marginalia.NewValidationError("batch request cannot be nil")
	}
	if err := c.validate.Struct(req); err != nil {
		return marginalia.NewValidationError(err.Error()).WithCause(err)
	}
	switch req.Action {
	case marginalia.BatchActionAdd, marginalia.BatchActionRemove:
		if req.Remote == nil {
			return marginalia.NewValidationError(fmt.Sprintf("%s requires a per-item remote call", req.Action))
		}
	case marginalia.BatchActionDelete:
		if req.DeleteRemote == nil {
			return marginalia.NewValidationError("batch_delete requires a per-item delete remote call")
		}
	}
	return nil
}

// run fans items out to the engine in chunks; a chunk's items fly
// concurrently, chunk boundaries bound how many requests are in flight.
func (c *Coordinator) run(ctx context.Context, action marginalia.BatchAction, collectionID string, ids []string, req *marginalia.BatchRequest) *marginalia.BatchResult {
	result := &marginalia.BatchResult{
		Succeeded:  make([]string, 0, len(ids)),
		Failed:     make([]marginalia.BatchFailure, 0),
		TotalCount: len(ids),
	}

	chunk := c.cfg.Batch.ChunkSize
	if chunk < 1 {
		chunk = len(ids)
	}
	var mu sync.Mutex
	for from := 0; from < len(ids); from += chunk {
		to := from + chunk
		if to > len(ids) {
			to = len(ids)
		}
		var wg sync.WaitGroup
		for _, rid := range ids[from:to] {
			wg.Add(1)
			go func(rid string) {
				defer wg.Done()
				err := c.runItem(ctx, action, collectionID, rid, req)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					se := marginalia.AsSyncError(err)
					result.Failed = append(result.Failed, marginalia.BatchFailure{
						ID:     rid,
						Code:   se.Code,
						Reason: se.Message,
					})
					c.metrics.observeBatchItem(action, false)
					return
				}
				result.Succeeded = append(result.Succeeded, rid)
				c.metrics.observeBatchItem(action, true)
			}(rid)
		}
		wg.Wait()
	}
	return result
}

func (c *Coordinator) runItem(ctx context.Context, action marginalia.BatchAction, collectionID, rid string, req *marginalia.BatchRequest) error {
	var mreq *marginalia.MutationRequest
	switch action {
	case marginalia.BatchActionAdd:
		mreq = c.membershipMutation(marginalia.MutationBatchAdd, collectionID, rid, req.Remote, true)
	case marginalia.BatchActionRemove:
		mreq = c.membershipMutation(marginalia.MutationBatchRemove, collectionID, rid, req.Remote, false)
	case marginalia.BatchActionDelete:
		mreq = c.deleteMutation(rid, req.DeleteRemote)
	default:
		return marginalia.NewValidationError(fmt.Sprintf("unknown batch action %q", action))
	}
	_, err := c.engine.Mutate(ctx, mreq)
	return err
}

// membershipMutation patches both sides of the membership edge; the server
// response reconciles whatever it returns on top.
func (c *Coordinator) membershipMutation(kind marginalia.MutationKind, collectionID, rid string, remote marginalia.BatchRemote, add bool) *marginalia.MutationRequest {
	return &marginalia.MutationRequest{
		Kind: kind,
		Targets: []marginalia.TargetRef{
			{Family: marginalia.FamilyCollection, ID: collectionID},
			{Family: marginalia.FamilyResource, ID: rid},
		},
		Patch: func(w marginalia.StoreWriter) error {
			w.Patch(marginalia.FamilyCollection, collectionID, func(e marginalia.Entity) marginalia.Entity {
				col := e.(*marginalia.Collection)
				if add {
					col.ResourceIDs = appendIfMissing(col.ResourceIDs, rid)
				} else {
					col.ResourceIDs = removeString(col.ResourceIDs, rid)
				}
				return col
			})
			w.Patch(marginalia.FamilyResource, rid, func(e marginalia.Entity) marginalia.Entity {
				res := e.(*marginalia.Resource)
				if add {
					res.CollectionIDs = appendIfMissing(res.CollectionIDs, collectionID)
				} else {
					res.CollectionIDs = removeString(res.CollectionIDs, collectionID)
				}
				return res
			})
			return nil
		},
		Remote: func(ctx context.Context) (*marginalia.RemotePayload, error) {
			return remote(ctx, collectionID, rid)
		},
	}
}

func (c *Coordinator) deleteMutation(rid string, remote marginalia.DeleteRemote) *marginalia.MutationRequest {
	// The engine short-circuits deletion of a still-pending creation into a
	// local drop, so the remote closure is never invoked for those.
	return &marginalia.MutationRequest{
		Kind: marginalia.MutationDelete,
		Targets: []marginalia.TargetRef{
			{Family: marginalia.FamilyResource, ID: rid},
		},
		Patch: func(w marginalia.StoreWriter) error {
			w.Remove(marginalia.FamilyResource, rid)
			return nil
		},
		Remote: func(ctx context.Context) (*marginalia.RemotePayload, error) {
			return remote(ctx, rid)
		},
	}
}

func appendIfMissing(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
