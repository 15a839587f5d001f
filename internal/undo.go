package internal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marginalia-hq/marginalia"
)

type undoEntry struct {
	token   marginalia.UndoToken
	inverse marginalia.BatchRemote
}

// UndoLedger holds the outstanding undo tokens. Tokens are single use and
// expire on a fixed wall-clock window; invoking one past its deadline is a
// no-op reported as undo_expired. A background sweep drops expired entries
// so abandoned tokens do not accumulate over a session.
type UndoLedger struct {
	window  time.Duration
	clock   func() time.Time
	metrics *Metrics

	mu      sync.Mutex
	entries map[string]undoEntry

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewUndoLedger creates a ledger with the configured undo window. When
// sweepInterval is positive a background sweep starts immediately; Close
// stops it.
func NewUndoLedger(cfg marginalia.UndoConfig, metrics *Metrics) *UndoLedger {
	l := &UndoLedger{
		window:    cfg.Window,
		clock:     time.Now,
		metrics:   metrics,
		entries:   make(map[string]undoEntry),
		sweepStop: make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go l.sweepLoop(cfg.SweepInterval)
	}
	return l
}

// Mint issues a token covering exactly the succeeded subset of a batch.
// action is the inverse operation the token will replay.
func (l *UndoLedger) Mint(action marginalia.BatchAction, collectionID string, ids []string, inverse marginalia.BatchRemote) *marginalia.UndoToken {
	token := marginalia.UndoToken{
		TokenID:      uuid.NewString(),
		Action:       action,
		CollectionID: collectionID,
		ResourceIDs:  append([]string(nil), ids...),
		Deadline:     l.clock().Add(l.window),
	}
	l.mu.Lock()
	l.entries[token.TokenID] = undoEntry{token: token, inverse: inverse}
	l.mu.Unlock()
	zap.S().Debugw("undo token minted", "tokenId", token.TokenID, "action", action,
		"ids", len(ids), "deadline", token.Deadline)
	return &token
}

// Take consumes a token. Unknown, already used, and past-deadline tokens all
// report undo_expired: in every case the desired end state already holds or
// the window has passed, and the caller gets the same dismissible outcome.
func (l *UndoLedger) Take(tokenID string) (undoEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[tokenID]
	if !ok {
		return undoEntry{}, marginalia.NewUndoExpiredError("undo token is unknown or already used")
	}
	delete(l.entries, tokenID)
	if entry.token.Expired(l.clock()) {
		return undoEntry{}, marginalia.NewUndoExpiredError("undo window has elapsed")
	}
	return entry, nil
}

// Outstanding reports how many tokens are currently live.
func (l *UndoLedger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the background sweep.
func (l *UndoLedger) Close() {
	l.sweepOnce.Do(func() { close(l.sweepStop) })
}

func (l *UndoLedger) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.sweepStop:
			return
		}
	}
}

func (l *UndoLedger) sweep() {
	now := l.clock()
	l.mu.Lock()
	for id, entry := range l.entries {
		if entry.token.Expired(now) {
			delete(l.entries, id)
		}
	}
	l.mu.Unlock()
}
