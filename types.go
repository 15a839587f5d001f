package marginalia

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Family identifies an entity family managed by the client.
type Family string

const (
	FamilyResource   Family = "resources"
	FamilyCollection Family = "collections"
)

// Entity is an addressable client-side record. Implementations are closed
// structs; optimistic creations carry a client temporary identifier and
// Pending=true until the server confirms them.
type Entity interface {
	EntityID() string
	EntityFamily() Family
	IsPending() bool
	// CloneEntity returns a deep copy. Snapshots and store reads always hand
	// out clones so callers can never alias store-owned state.
	CloneEntity() Entity
}

// ResourceMeta holds the scholarly metadata extracted for a resource.
type ResourceMeta struct {
	DOI       string `json:"doi,omitempty"`
	Abstract  string `json:"abstract,omitempty"`
	SourceURL string `json:"sourceUrl,omitempty"`
	Language  string `json:"language,omitempty"`
	PageCount int    `json:"pageCount,omitempty"`
}

// Resource is an uploaded document (PDF, code file, ...) in the library.
type Resource struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	ContentType   string       `json:"contentType"`
	Authors       []string     `json:"authors,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	CollectionIDs []string     `json:"collectionIds,omitempty"`
	Meta          ResourceMeta `json:"meta"`
	Pending       bool         `json:"pending,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func (r *Resource) EntityID() string     { return r.ID }
func (r *Resource) EntityFamily() Family { return FamilyResource }
func (r *Resource) IsPending() bool      { return r.Pending }

func (r *Resource) CloneEntity() Entity {
	if r == nil {
		return nil
	}
	out := *r
	out.Authors = append([]string(nil), r.Authors...)
	out.Tags = append([]string(nil), r.Tags...)
	out.CollectionIDs = append([]string(nil), r.CollectionIDs...)
	return &out
}

// Collection groups resources; membership lives on both sides
// (Collection.ResourceIDs and Resource.CollectionIDs).
type Collection struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ResourceIDs []string  `json:"resourceIds,omitempty"`
	Pending     bool      `json:"pending,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (c *Collection) EntityID() string     { return c.ID }
func (c *Collection) EntityFamily() Family { return FamilyCollection }
func (c *Collection) IsPending() bool      { return c.Pending }

func (c *Collection) CloneEntity() Entity {
	if c == nil {
		return nil
	}
	out := *c
	out.ResourceIDs = append([]string(nil), c.ResourceIDs...)
	return &out
}

// TargetRef addresses one entity touched by a mutation. Mutations may span
// families (adding a resource to a collection patches both sides).
type TargetRef struct {
	Family Family `json:"family"`
	ID     string `json:"id"`
}

func (t TargetRef) String() string {
	return string(t.Family) + "/" + t.ID
}

// MutationKind represents the optimistic operations the engine supports.
type MutationKind string

const (
	MutationCreate      MutationKind = "create"
	MutationUpdate      MutationKind = "update"
	MutationDelete      MutationKind = "delete"
	MutationBatchAdd    MutationKind = "batch_add"
	MutationBatchRemove MutationKind = "batch_remove"
)

// MutationStatus tracks the lifecycle of a MutationRecord.
type MutationStatus string

const (
	MutationPending    MutationStatus = "pending"
	MutationCommitted  MutationStatus = "committed"
	MutationRolledBack MutationStatus = "rolled_back"
)

// StoreWriter is the write surface handed to a local patch function. All
// store writes funnel through it so every change is attributable to exactly
// one mutation.
type StoreWriter interface {
	// Put inserts or overwrites an entity, routed by its family.
	Put(e Entity)
	// Patch applies fn to the current entity if present. Missing entities
	// are a no-op signalled by the false return, never an error, so rollback
	// paths stay safe after a concurrent delete.
	Patch(f Family, id string, fn func(Entity) Entity) bool
	// Remove deletes an entity if present; missing entities signal false.
	Remove(f Family, id string) bool
}

// PatchFunc applies the optimistic local change for a mutation. It runs
// synchronously before the remote call and must only touch the mutation's
// declared targets.
type PatchFunc func(w StoreWriter) error

// RemotePayload is the authoritative server response to a mutation.
type RemotePayload struct {
	// Entities are server post-images; reconciliation overwrites local state
	// field for field rather than merging.
	Entities []Entity
	// Deleted lists targets the server confirmed gone.
	Deleted []TargetRef
}

// RemoteCall performs the server side of a mutation. The core treats it as
// opaque; timeouts and retry policy belong to whoever constructs it.
type RemoteCall func(ctx context.Context) (*RemotePayload, error)

// MutationRequest describes one optimistic mutation.
type MutationRequest struct {
	Kind    MutationKind `validate:"required,oneof=create update delete batch_add batch_remove"`
	Targets []TargetRef  `validate:"required,min=1"`
	// Fingerprint deduplicates identical in-flight requests; callers that
	// leave it empty opt out of deduplication.
	Fingerprint string    `validate:"-"`
	Patch       PatchFunc `validate:"-"`
	// Remote may be nil only for deletion of a still-pending entity, which
	// is a purely local drop.
	Remote RemoteCall `validate:"-"`
}

// MutationRecord is the transient bookkeeping for one in-flight mutation.
type MutationRecord struct {
	MutationID  string         `json:"mutationId"`
	Kind        MutationKind   `json:"kind"`
	Targets     []TargetRef    `json:"targets"`
	Status      MutationStatus `json:"status"`
	SubmittedAt time.Time      `json:"submittedAt"`
	SettledAt   time.Time      `json:"settledAt,omitzero"`
}

// MutationResult is returned once a mutation settles.
type MutationResult struct {
	Record *MutationRecord `json:"record"`
	// Entities are the reconciled server post-images (nil for deletes and
	// local-only drops).
	Entities []Entity `json:"entities,omitempty"`
}

// BatchAction represents the batch operations the coordinator runs.
type BatchAction string

const (
	BatchActionAdd    BatchAction = "batch_add"
	BatchActionRemove BatchAction = "batch_remove"
	BatchActionDelete BatchAction = "batch_delete"
)

// Undoable reports whether a batch action may mint an undo token. Deletions
// are destructive and locally non-invertible, so they never do.
func (a BatchAction) Undoable() bool {
	return a == BatchActionAdd || a == BatchActionRemove
}

// MutationKind maps the batch action onto the per-item mutation kind.
func (a BatchAction) MutationKind() MutationKind {
	switch a {
	case BatchActionAdd:
		return MutationBatchAdd
	case BatchActionRemove:
		return MutationBatchRemove
	default:
		return MutationDelete
	}
}

// Inverse returns the action that reverses this one, if any.
func (a BatchAction) Inverse() (BatchAction, bool) {
	switch a {
	case BatchActionAdd:
		return BatchActionRemove, true
	case BatchActionRemove:
		return BatchActionAdd, true
	default:
		return "", false
	}
}

// BatchRemote performs the server call for a single batch item.
type BatchRemote func(ctx context.Context, collectionID, resourceID string) (*RemotePayload, error)

// DeleteRemote performs the server call deleting a single resource.
type DeleteRemote func(ctx context.Context, resourceID string) (*RemotePayload, error)

// BatchRequest describes one logical batch operation over N resources.
type BatchRequest struct {
	Action       BatchAction `validate:"required,oneof=batch_add batch_remove batch_delete"`
	CollectionID string      `validate:"required_unless=Action batch_delete"`
	ResourceIDs  []string    `validate:"required,min=1,dive,required"`
	// Remote executes one add/remove item; DeleteRemote one deletion item.
	Remote       BatchRemote  `validate:"-"`
	DeleteRemote DeleteRemote `validate:"-"`
	// UndoRemote executes one item of the inverse operation when the minted
	// undo token is invoked. Leaving it nil suppresses the token.
	UndoRemote BatchRemote `validate:"-"`
}

// BatchFailure records why one item of a batch failed.
type BatchFailure struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// BatchResult reports the per-item outcome of a batch. Batches are not
// atomic across items: partial success is a normal result, never an error.
type BatchResult struct {
	Succeeded  []string       `json:"succeeded"`
	Failed     []BatchFailure `json:"failed"`
	TotalCount int            `json:"totalCount"`
	Duration   int64          `json:"duration"` // microseconds
	// Undo is set only for additive/structural actions with at least one
	// succeeded item; it covers exactly the succeeded subset.
	Undo *UndoToken `json:"undo,omitempty"`
}

// UndoToken is a single-use, time-boxed handle reversing the succeeded
// subset of the batch that produced it.
type UndoToken struct {
	TokenID      string      `json:"tokenId"`
	Action       BatchAction `json:"action"`
	CollectionID string      `json:"collectionId,omitempty"`
	ResourceIDs  []string    `json:"resourceIds"`
	Deadline     time.Time   `json:"deadline"`
}

// Expired reports whether the token's undo window has elapsed at now.
func (t *UndoToken) Expired(now time.Time) bool {
	return t == nil || now.After(t.Deadline)
}

// SortOrder defines sort direction for list projections.
type SortOrder string

const (
	SortOrderAsc  SortOrder = "asc"
	SortOrderDesc SortOrder = "desc"
)

// SortField selects the projection key for list reads. Title maps to a
// collection's name in the collections family.
type SortField string

const (
	SortFieldTitle     SortField = "title"
	SortFieldUpdatedAt SortField = "updated_at"
)

// ListQuery shapes a store list read. Order is derived on read; the store
// itself keeps no ordering.
type ListQuery struct {
	Filter    func(Entity) bool
	SortBy    SortField
	SortOrder SortOrder
	Offset    int
	Limit     int // 0 means no limit
}

// QueryView distinguishes cache staleness classes. Suggestions get a longer
// window than list/detail reads because they are expensive to recompute.
type QueryView string

const (
	ViewList        QueryView = "list"
	ViewDetail      QueryView = "detail"
	ViewSuggestions QueryView = "suggestions"
)

// QueryKey canonically identifies one cached server read.
type QueryKey struct {
	Family Family    `json:"family"`
	View   QueryView `json:"view"`
	Params string    `json:"params,omitempty"`
}

func (k QueryKey) String() string {
	return string(k.Family) + "|" + string(k.View) + "|" + k.Params
}

// FetchFunc loads a query payload from the server on a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

// CanonicalParams serializes filter/sort/pagination parameters into a stable
// cache-key fragment: keys sorted, "k=v" pairs joined with "&".
func CanonicalParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, params[k]))
	}
	return strings.Join(parts, "&")
}

// StoreEventKind tags entity-store change notifications.
type StoreEventKind string

const (
	StoreEventPut    StoreEventKind = "put"
	StoreEventRemove StoreEventKind = "remove"
)

// StoreEvent notifies read-only observers (selection, rendering layers) of a
// store change. Delivery is synchronous with the change; handlers must not
// call back into the store.
type StoreEvent struct {
	Kind   StoreEventKind
	Family Family
	ID     string
	// Entity is the post-image clone for puts, nil for removals.
	Entity Entity
}
