package internal

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginalia-hq/marginalia"
)

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	cfg := marginalia.DefaultConfig()
	cfg.Sync.QueueDepth = 0
	_, err := NewSession(cfg, nil)
	assert.Error(t, err)
}

func TestSessionWiring(t *testing.T) {
	cfg := marginalia.DefaultConfig()
	cfg.Undo.SweepInterval = 0
	s, err := NewSession(cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	defer s.Close()

	assert.NotNil(t, s.Resources())
	assert.NotNil(t, s.Collections())
	assert.Same(t, s.Resources(), s.Store(marginalia.FamilyResource))
	assert.Same(t, s.Collections(), s.Store(marginalia.FamilyCollection))
	assert.Nil(t, s.Store("annotations"))
	assert.NotNil(t, s.Selection())
	assert.NotNil(t, s.Cache())
	assert.Zero(t, s.PendingMutations())
}

func TestSessionEndToEndMutation(t *testing.T) {
	cfg := marginalia.DefaultConfig()
	cfg.Undo.SweepInterval = 0
	s, err := NewSession(cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	confirmed := newResource("res_42", "Confirmed title")
	remote, _ := okRemote(&marginalia.RemotePayload{Entities: []marginalia.Entity{confirmed}})

	res, err := s.Mutate(context.Background(), &marginalia.MutationRequest{
		Kind:    marginalia.MutationCreate,
		Targets: []marginalia.TargetRef{resourceTarget("temp-1")},
		Patch: func(w marginalia.StoreWriter) error {
			w.Put(&marginalia.Resource{ID: "temp-1", Title: "Confirmed title", Pending: true})
			return nil
		},
		Remote: remote,
	})
	require.NoError(t, err)
	assert.Equal(t, marginalia.MutationCommitted, res.Record.Status)

	got, ok := s.Resources().Get("res_42")
	require.True(t, ok)
	assert.Equal(t, "Confirmed title", got.(*marginalia.Resource).Title)
}

func TestSessionSelectionTracksDeletes(t *testing.T) {
	cfg := marginalia.DefaultConfig()
	cfg.Undo.SweepInterval = 0
	s, err := NewSession(cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	seed(s.stores[marginalia.FamilyResource], &marginalia.Resource{ID: "temp-1", Title: "Draft", Pending: true})
	s.Selection().Toggle("temp-1")
	require.True(t, s.Selection().IsSelected("temp-1"))

	// deleting a pending entity is a local drop; selection must follow
	_, err = s.Mutate(context.Background(), &marginalia.MutationRequest{
		Kind:    marginalia.MutationDelete,
		Targets: []marginalia.TargetRef{resourceTarget("temp-1")},
		Patch: func(w marginalia.StoreWriter) error {
			w.Remove(marginalia.FamilyResource, "temp-1")
			return nil
		},
	})
	require.NoError(t, err)
	assert.False(t, s.Selection().IsSelected("temp-1"))
}

func TestSessionCloseRejectsFurtherMutations(t *testing.T) {
	cfg := marginalia.DefaultConfig()
	cfg.Undo.SweepInterval = 0
	s, err := NewSession(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	remote, _ := okRemote(&marginalia.RemotePayload{})
	_, err = s.Mutate(context.Background(), updateRequest("res_1", titlePatch("res_1", "X"), remote))
	require.Error(t, err)
	assert.Equal(t, marginalia.ErrCodeSessionClosed, marginalia.AsSyncError(err).Code)
}

// compile-time check that the wired session satisfies the public surface
var _ marginalia.Session = (*Session)(nil)
