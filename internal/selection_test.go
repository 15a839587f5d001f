package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marginalia-hq/marginalia"
)

func TestSelectionToggle(t *testing.T) {
	sel := NewSelection()

	sel.Toggle("res_1")
	assert.True(t, sel.IsSelected("res_1"))
	assert.Equal(t, 1, sel.Count())

	sel.Toggle("res_1")
	assert.False(t, sel.IsSelected("res_1"))
	assert.Zero(t, sel.Count())
}

func TestSelectionSelectAllAndClear(t *testing.T) {
	sel := NewSelection()
	sel.SelectAll([]string{"res_1", "res_2", "res_3"})
	assert.Equal(t, 3, sel.Count())
	assert.ElementsMatch(t, []string{"res_1", "res_2", "res_3"}, sel.Selected())

	// re-selecting an already selected id is a no-op, not a toggle
	sel.SelectAll([]string{"res_1"})
	assert.Equal(t, 3, sel.Count())

	sel.Clear()
	assert.Zero(t, sel.Count())
	assert.Empty(t, sel.Selected())
}

func TestSelectionEvictsRemovedEntities(t *testing.T) {
	store := NewStore(marginalia.FamilyResource)
	seed(store, newResource("res_1", "One"), newResource("res_2", "Two"))

	sel := NewSelection()
	detach := sel.Attach(store)
	sel.SelectAll([]string{"res_1", "res_2"})

	tx := store.begin()
	tx.remove("res_1")
	tx.end()

	assert.False(t, sel.IsSelected("res_1"))
	assert.True(t, sel.IsSelected("res_2"))

	detach()
	tx = store.begin()
	tx.remove("res_2")
	tx.end()
	assert.True(t, sel.IsSelected("res_2"), "detached selection must not observe removals")
}

func TestSelectionIgnoresPutEvents(t *testing.T) {
	store := NewStore(marginalia.FamilyResource)
	sel := NewSelection()
	sel.Attach(store)

	sel.Toggle("res_1")
	seed(store, newResource("res_1", "One"))
	assert.True(t, sel.IsSelected("res_1"))
}
