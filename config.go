package marginalia

import (
	"fmt"
	"time"
)

// Config consolidates settings for the synchronization core and the
// reference remote client.
type Config struct {
	Sync    SyncConfig    `json:"sync"`
	Cache   CacheConfig   `json:"cache"`
	Undo    UndoConfig    `json:"undo"`
	Batch   BatchConfig   `json:"batch"`
	Remote  RemoteConfig  `json:"remote"`
	Logging LoggingConfig `json:"logging"`
}

// SyncConfig contains mutation-engine settings.
type SyncConfig struct {
	// QueueDepth bounds how many mutations may wait behind an in-flight one
	// per identifier; exceeding it fails fast instead of piling up.
	QueueDepth int `json:"queueDepth"`
	// DedupInFlight enables collapsing identical concurrent requests that
	// carry the same fingerprint.
	DedupInFlight bool `json:"dedupInFlight"`
}

// CacheConfig contains query-cache settings.
type CacheConfig struct {
	Capacity            int           `json:"capacity"`
	ListStaleness       time.Duration `json:"listStaleness"`
	DetailStaleness     time.Duration `json:"detailStaleness"`
	SuggestionStaleness time.Duration `json:"suggestionStaleness"`
}

// StalenessFor returns the configured window for a cache view class.
func (c CacheConfig) StalenessFor(view QueryView) time.Duration {
	switch view {
	case ViewSuggestions:
		return c.SuggestionStaleness
	case ViewDetail:
		return c.DetailStaleness
	default:
		return c.ListStaleness
	}
}

// MaxStaleness returns the longest configured window; the cache uses it as
// the hard expiry backstop for stored entries.
func (c CacheConfig) MaxStaleness() time.Duration {
	max := c.ListStaleness
	if c.DetailStaleness > max {
		max = c.DetailStaleness
	}
	if c.SuggestionStaleness > max {
		max = c.SuggestionStaleness
	}
	return max
}

// UndoConfig contains undo-window settings.
type UndoConfig struct {
	// Window is the fixed wall-clock period during which a batch undo token
	// remains invocable.
	Window time.Duration `json:"window"`
	// SweepInterval controls how often expired tokens are dropped.
	SweepInterval time.Duration `json:"sweepInterval"`
}

// BatchConfig contains batch coordination settings.
type BatchConfig struct {
	// ChunkSize bounds how many items of one batch are dispatched before the
	// coordinator yields to collect their outcomes.
	ChunkSize int `json:"chunkSize"`
}

// RemoteConfig contains settings for the reference HTTP remote client.
type RemoteConfig struct {
	BaseURL          string        `json:"baseUrl"`
	Timeout          time.Duration `json:"timeout"`
	RetryEnabled     bool          `json:"retryEnabled"`
	RetryInitialWait time.Duration `json:"retryInitialWait"`
	RetryMaxWait     time.Duration `json:"retryMaxWait"`
	RetryMaxElapsed  time.Duration `json:"retryMaxElapsed"`
	BreakerThreshold int           `json:"breakerThreshold"`
	BreakerWindow    time.Duration `json:"breakerWindow"`
	BreakerOpenFor   time.Duration `json:"breakerOpenFor"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// DefaultConfig returns the settings the product ships with.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			QueueDepth:    32,
			DedupInFlight: true,
		},
		Cache: CacheConfig{
			Capacity:            512,
			ListStaleness:       30 * time.Second,
			DetailStaleness:     30 * time.Second,
			SuggestionStaleness: 5 * time.Minute,
		},
		Undo: UndoConfig{
			Window:        15 * time.Second,
			SweepInterval: time.Minute,
		},
		Batch: BatchConfig{
			ChunkSize: 25,
		},
		Remote: RemoteConfig{
			Timeout:          10 * time.Second,
			RetryEnabled:     true,
			RetryInitialWait: 250 * time.Millisecond,
			RetryMaxWait:     5 * time.Second,
			RetryMaxElapsed:  20 * time.Second,
			BreakerThreshold: 5,
			BreakerWindow:    30 * time.Second,
			BreakerOpenFor:   15 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks configuration invariants before wiring a session.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if c.Sync.QueueDepth < 1 {
		return fmt.Errorf("sync.queueDepth must be at least 1, got %d", c.Sync.QueueDepth)
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be at least 1, got %d", c.Cache.Capacity)
	}
	if c.Cache.ListStaleness <= 0 || c.Cache.DetailStaleness <= 0 || c.Cache.SuggestionStaleness <= 0 {
		return fmt.Errorf("cache staleness windows must be positive")
	}
	if c.Cache.SuggestionStaleness < c.Cache.ListStaleness {
		return fmt.Errorf("cache.suggestionStaleness must not be shorter than cache.listStaleness")
	}
	if c.Undo.Window <= 0 {
		return fmt.Errorf("undo.window must be positive, got %s", c.Undo.Window)
	}
	if c.Batch.ChunkSize < 1 {
		return fmt.Errorf("batch.chunkSize must be at least 1, got %d", c.Batch.ChunkSize)
	}
	return nil
}
