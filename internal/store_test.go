package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginalia-hq/marginalia"
)

func TestStoreGetReturnsClones(t *testing.T) {
	s := NewStore(marginalia.FamilyResource)
	seed(s, newResource("res_1", "Original"))

	got, ok := s.Get("res_1")
	require.True(t, ok)
	got.(*marginalia.Resource).Title = "mutated by caller"

	again, ok := s.Get("res_1")
	require.True(t, ok)
	assert.Equal(t, "Original", again.(*marginalia.Resource).Title)
}

func TestStoreGetMissing(t *testing.T) {
	s := NewStore(marginalia.FamilyResource)
	_, ok := s.Get("nope")
	assert.False(t, ok)
	assert.Zero(t, s.Len())
}

func TestStorePatchMissingIsNoOp(t *testing.T) {
	s := NewStore(marginalia.FamilyResource)
	tx := s.begin()
	ok := tx.patch("ghost", func(e marginalia.Entity) marginalia.Entity { return e })
	tx.end()

	assert.False(t, ok)
	assert.Zero(t, s.Len())
}

func TestStoreRemoveMissingIsNoOp(t *testing.T) {
	s := NewStore(marginalia.FamilyResource)
	tx := s.begin()
	ok := tx.remove("ghost")
	tx.end()

	assert.False(t, ok)
}

func TestStoreListFilterSortPagination(t *testing.T) {
	s := NewStore(marginalia.FamilyResource)
	a := newResource("res_a", "Alpha")
	b := newResource("res_b", "beta")
	c := newResource("res_c", "Gamma")
	b.UpdatedAt = a.UpdatedAt.Add(time.Hour)
	c.UpdatedAt = a.UpdatedAt.Add(2 * time.Hour)
	seed(s, c, a, b)

	titles := func(entities []marginalia.Entity) []string {
		out := make([]string, 0, len(entities))
		for _, e := range entities {
			out = append(out, e.(*marginalia.Resource).Title)
		}
		return out
	}

	tests := []struct {
		name     string
		query    marginalia.ListQuery
		expected []string
	}{
		{
			name:     "title asc is case insensitive",
			query:    marginalia.ListQuery{SortBy: marginalia.SortFieldTitle, SortOrder: marginalia.SortOrderAsc},
			expected: []string{"Alpha", "beta", "Gamma"},
		},
		{
			name:     "title desc",
			query:    marginalia.ListQuery{SortBy: marginalia.SortFieldTitle, SortOrder: marginalia.SortOrderDesc},
			expected: []string{"Gamma", "beta", "Alpha"},
		},
		{
			name:     "updated_at desc",
			query:    marginalia.ListQuery{SortBy: marginalia.SortFieldUpdatedAt, SortOrder: marginalia.SortOrderDesc},
			expected: []string{"Gamma", "beta", "Alpha"},
		},
		{
			name: "filter",
			query: marginalia.ListQuery{
				Filter: func(e marginalia.Entity) bool { return e.(*marginalia.Resource).Title != "beta" },
				SortBy: marginalia.SortFieldTitle,
			},
			expected: []string{"Alpha", "Gamma"},
		},
		{
			name:     "offset and limit",
			query:    marginalia.ListQuery{SortBy: marginalia.SortFieldTitle, Offset: 1, Limit: 1},
			expected: []string{"beta"},
		},
		{
			name:     "offset past end",
			query:    marginalia.ListQuery{SortBy: marginalia.SortFieldTitle, Offset: 9},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, titles(s.List(tt.query)))
		})
	}
}

func TestStoreSubscribeDeliversSynchronously(t *testing.T) {
	s := NewStore(marginalia.FamilyResource)
	var events []marginalia.StoreEvent
	cancel := s.Subscribe(func(ev marginalia.StoreEvent) {
		events = append(events, ev)
	})

	seed(s, newResource("res_1", "One"))
	require.Len(t, events, 1)
	assert.Equal(t, marginalia.StoreEventPut, events[0].Kind)
	assert.Equal(t, "res_1", events[0].ID)
	require.NotNil(t, events[0].Entity)

	tx := s.begin()
	tx.remove("res_1")
	tx.end()
	require.Len(t, events, 2)
	assert.Equal(t, marginalia.StoreEventRemove, events[1].Kind)
	assert.Nil(t, events[1].Entity)

	cancel()
	seed(s, newResource("res_2", "Two"))
	assert.Len(t, events, 2)
}

func TestStoreSwapIsAtomicForObservers(t *testing.T) {
	s := NewStore(marginalia.FamilyResource)
	seed(s, &marginalia.Resource{ID: "temp-1", Title: "Draft", Pending: true})

	// an observer inspecting on each event must never see both entities nor
	// neither of them after the swap's delivery completes
	var kinds []marginalia.StoreEventKind
	s.Subscribe(func(ev marginalia.StoreEvent) {
		kinds = append(kinds, ev.Kind)
	})

	confirmed := newResource("res_42", "Draft")
	tx := s.begin()
	tx.swap("temp-1", confirmed)
	tx.end()

	assert.Equal(t, []marginalia.StoreEventKind{marginalia.StoreEventRemove, marginalia.StoreEventPut}, kinds)
	_, tempAlive := s.Get("temp-1")
	assert.False(t, tempAlive)
	got, ok := s.Get("res_42")
	require.True(t, ok)
	assert.False(t, got.IsPending())
	assert.Equal(t, 1, s.Len())
}

func TestMultiTxRestore(t *testing.T) {
	stores := map[marginalia.Family]*Store{
		marginalia.FamilyResource:   NewStore(marginalia.FamilyResource),
		marginalia.FamilyCollection: NewStore(marginalia.FamilyCollection),
	}
	res := newResource("res_1", "Before")
	seed(stores[marginalia.FamilyResource], res)

	targets := []marginalia.TargetRef{
		resourceTarget("res_1"),
		collectionTarget("col_1"), // absent: snapshot records nil
	}
	snap := TakeSnapshot(stores, targets)

	// mutate both families, then restore
	mt := beginMulti(stores, []marginalia.Family{marginalia.FamilyResource, marginalia.FamilyCollection})
	mt.Patch(marginalia.FamilyResource, "res_1", func(e marginalia.Entity) marginalia.Entity {
		e.(*marginalia.Resource).Title = "After"
		return e
	})
	mt.Put(newCollection("col_1", "Sneaky"))
	mt.end()

	mt = beginMulti(stores, []marginalia.Family{marginalia.FamilyResource, marginalia.FamilyCollection})
	mt.restore(snap)
	mt.end()

	got, ok := stores[marginalia.FamilyResource].Get("res_1")
	require.True(t, ok)
	assert.Equal(t, "Before", got.(*marginalia.Resource).Title)
	_, ok = stores[marginalia.FamilyCollection].Get("col_1")
	assert.False(t, ok, "restore must remove entities that were absent in the snapshot")
}
