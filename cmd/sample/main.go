// Command sample demonstrates the synchronization core against an in-process
// fake of the document-library API: optimistic create with temporary-id
// swap, field updates, a partially failing batch add, undo of the succeeded
// subset, and cached list reads.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/marginalia-hq/marginalia"
	"github.com/marginalia-hq/marginalia/apiclient"
	"github.com/marginalia-hq/marginalia/factory"
)

func main() {
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	failIDs := flag.String("fail", "res_3", "Comma-separated resource ids whose membership calls the fake server rejects")
	undoDelay := flag.Duration("undo-delay", 0, "Wait before invoking undo (exceed the window to see undo_expired)")
	flag.Parse()

	logCfg := marginalia.LoggingConfig{Level: "info"}
	if *verbose {
		logCfg.Development = true
	}
	syncLogs, err := factory.InitLogging(logCfg)
	if err != nil {
		panic(fmt.Errorf("failed to init logging: %w", err))
	}
	defer syncLogs()
	sugar := zap.S()

	// In-process fake of the library API. Every flow below exercises the
	// real HTTP client against it.
	server := newFakeServer(splitIDs(*failIDs))
	defer server.Close()
	sugar.Infof("Fake library API listening at %s", server.URL())

	config := marginalia.DefaultConfig()
	config.Remote.BaseURL = server.URL()
	config.Remote.RetryEnabled = false
	config.Undo.Window = 5 * time.Second

	session, err := factory.NewSession(config, prometheus.NewRegistry())
	if err != nil {
		sugar.Fatalf("Failed to wire session: %v", err)
	}
	defer session.Close()

	client := apiclient.New(config.Remote)
	ctx := context.Background()

	// --- Optimistic create: temp-1 is visible immediately, then swapped
	// for the server identifier on confirmation.
	sugar.Info("Creating collection 'Research' optimistically...")
	draft := &marginalia.Collection{ID: "temp-1", Name: "Research", Pending: true}
	created, err := session.Mutate(ctx, &marginalia.MutationRequest{
		Kind:    marginalia.MutationCreate,
		Targets: []marginalia.TargetRef{{Family: marginalia.FamilyCollection, ID: draft.ID}},
		Patch: func(w marginalia.StoreWriter) error {
			w.Put(draft)
			return nil
		},
		Remote: client.CreateCollection(draft),
	})
	if err != nil {
		sugar.Fatalf("Create failed: %v", err)
	}
	collection := created.Entities[0].(*marginalia.Collection)
	sugar.Infof("Collection confirmed: temp-1 -> %s", collection.ID)

	// --- Seed a few resources through the same path.
	resourceIDs := make([]string, 0, 4)
	for i := 1; i <= 4; i++ {
		tempID := fmt.Sprintf("temp-res-%d", i)
		res := &marginalia.Resource{
			ID:          tempID,
			Title:       fmt.Sprintf("Paper %d", i),
			ContentType: "pdf",
			Pending:     true,
		}
		confirmed, merr := session.Mutate(ctx, &marginalia.MutationRequest{
			Kind:    marginalia.MutationCreate,
			Targets: []marginalia.TargetRef{{Family: marginalia.FamilyResource, ID: tempID}},
			Patch: func(w marginalia.StoreWriter) error {
				w.Put(res)
				return nil
			},
			Remote: client.CreateResource(res),
		})
		if merr != nil {
			sugar.Fatalf("Resource create failed: %v", merr)
		}
		resourceIDs = append(resourceIDs, confirmed.Entities[0].EntityID())
	}
	sugar.Infof("Created %d resources: %s", len(resourceIDs), strings.Join(resourceIDs, ", "))

	// --- Optimistic update with rollback on failure: the fake server
	// rejects empty titles with 422.
	sugar.Info("Renaming the first resource to an empty title (server rejects)...")
	_, err = session.Mutate(ctx, &marginalia.MutationRequest{
		Kind:    marginalia.MutationUpdate,
		Targets: []marginalia.TargetRef{{Family: marginalia.FamilyResource, ID: resourceIDs[0]}},
		Patch: func(w marginalia.StoreWriter) error {
			w.Patch(marginalia.FamilyResource, resourceIDs[0], func(e marginalia.Entity) marginalia.Entity {
				e.(*marginalia.Resource).Title = ""
				return e
			})
			return nil
		},
		Remote: client.UpdateResource(resourceIDs[0], map[string]any{"title": ""}),
	})
	if err != nil {
		se := marginalia.AsSyncError(err)
		after, _ := session.Resources().Get(resourceIDs[0])
		sugar.Infof("Update rejected (%s:%s); title rolled back to %q",
			se.Type, se.Code, after.(*marginalia.Resource).Title)
	}

	// --- Batch add with partial failure: failures are data, not an error.
	session.Selection().SelectAll(resourceIDs)
	sugar.Infof("Batch-adding %d selected resources to %s...", session.Selection().Count(), collection.ID)
	batch, err := session.RunBatch(ctx, &marginalia.BatchRequest{
		Action:       marginalia.BatchActionAdd,
		CollectionID: collection.ID,
		ResourceIDs:  session.Selection().Selected(),
		Remote:       client.AddToCollection(),
		UndoRemote:   client.RemoveFromCollection(),
	})
	if err != nil {
		sugar.Fatalf("Batch rejected: %v", err)
	}
	printBatch(batch, sugar)

	// --- Undo reverses exactly the succeeded subset.
	if batch.Undo != nil {
		if *undoDelay > 0 {
			sugar.Infof("Waiting %v before undo...", *undoDelay)
			time.Sleep(*undoDelay)
		}
		sugar.Infof("Undoing the batch (token %s, deadline %s)...",
			batch.Undo.TokenID, batch.Undo.Deadline.Format(time.TimeOnly))
		undone, uerr := session.Undo(ctx, batch.Undo)
		if uerr != nil {
			sugar.Warnf("Undo not applied: %v", uerr)
		} else {
			sugar.Infof("Undo reversed %d additions", len(undone.Succeeded))
		}
	}

	// --- Cached list reads: the second read inside the staleness window
	// never touches the server.
	listKey := marginalia.QueryKey{Family: marginalia.FamilyResource, View: marginalia.ViewList}
	for i := 0; i < 2; i++ {
		payload, rerr := session.Cache().Read(ctx, listKey, client.ListResources(""))
		if rerr != nil {
			sugar.Fatalf("List read failed: %v", rerr)
		}
		sugar.Infof("List read %d: %d resources (server calls so far: %d)",
			i+1, len(payload.([]*marginalia.Resource)), server.ListCalls())
	}

	// --- Deleting a resource invalidates the cached list.
	sugar.Infof("Deleting %s...", resourceIDs[3])
	_, err = session.Mutate(ctx, &marginalia.MutationRequest{
		Kind:    marginalia.MutationDelete,
		Targets: []marginalia.TargetRef{{Family: marginalia.FamilyResource, ID: resourceIDs[3]}},
		Patch: func(w marginalia.StoreWriter) error {
			w.Remove(marginalia.FamilyResource, resourceIDs[3])
			return nil
		},
		Remote: func(dctx context.Context) (*marginalia.RemotePayload, error) {
			return client.DeleteResource()(dctx, resourceIDs[3])
		},
	})
	if err != nil {
		sugar.Fatalf("Delete failed: %v", err)
	}
	payload, err := session.Cache().Read(ctx, listKey, client.ListResources(""))
	if err != nil {
		sugar.Fatalf("List read failed: %v", err)
	}
	sugar.Infof("List after delete: %d resources (server calls: %d)",
		len(payload.([]*marginalia.Resource)), server.ListCalls())

	if session.PendingMutations() != 0 {
		sugar.Warnf("Session not at a settle point: %d mutations in flight", session.PendingMutations())
		os.Exit(1)
	}
	sugar.Info("Done; session settled")
}

func printBatch(result *marginalia.BatchResult, logger *zap.SugaredLogger) {
	logger.Infof("Batch finished in %dus: %d/%d succeeded",
		result.Duration, len(result.Succeeded), result.TotalCount)
	for _, f := range result.Failed {
		logger.Infof("  failed %s: [%s] %s", f.ID, f.Code, f.Reason)
	}
	if result.Undo != nil {
		logger.Infof("  undo token covers: %s", strings.Join(result.Undo.ResourceIDs, ", "))
	}
}

func splitIDs(s string) map[string]bool {
	out := make(map[string]bool)
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = true
		}
	}
	return out
}
