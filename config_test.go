package marginalia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	// suggestions are more expensive to recompute, so their window must be
	// at least as long as list reads
	assert.GreaterOrEqual(t, cfg.Cache.SuggestionStaleness, cfg.Cache.ListStaleness)
	assert.Positive(t, cfg.Undo.Window)
	assert.Positive(t, cfg.Sync.QueueDepth)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero queue depth", mutate: func(c *Config) { c.Sync.QueueDepth = 0 }},
		{name: "zero cache capacity", mutate: func(c *Config) { c.Cache.Capacity = 0 }},
		{name: "zero list staleness", mutate: func(c *Config) { c.Cache.ListStaleness = 0 }},
		{name: "suggestions shorter than list", mutate: func(c *Config) {
			c.Cache.SuggestionStaleness = c.Cache.ListStaleness - time.Second
		}},
		{name: "zero undo window", mutate: func(c *Config) { c.Undo.Window = 0 }},
		{name: "zero chunk size", mutate: func(c *Config) { c.Batch.ChunkSize = 0 }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}

func TestCacheConfigStalenessFor(t *testing.T) {
	cfg := CacheConfig{
		ListStaleness:       10 * time.Second,
		DetailStaleness:     20 * time.Second,
		SuggestionStaleness: 5 * time.Minute,
	}

	assert.Equal(t, 10*time.Second, cfg.StalenessFor(ViewList))
	assert.Equal(t, 20*time.Second, cfg.StalenessFor(ViewDetail))
	assert.Equal(t, 5*time.Minute, cfg.StalenessFor(ViewSuggestions))
	assert.Equal(t, 5*time.Minute, cfg.MaxStaleness())
}
