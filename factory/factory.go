package factory

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/marginalia-hq/marginalia"
	"github.com/marginalia-hq/marginalia/internal"
)

// NewSession creates the process-wide synchronization session. This is the
// primary way for the application shell to obtain a marginalia.Session.
//
// Usage:
//
//	config := marginalia.DefaultConfig()
//	session, err := factory.NewSession(config, prometheus.DefaultRegisterer)
//	if err != nil {
//	    // handle error
//	}
//	defer session.Close()
//
// reg may be nil to run without metrics (tests, previews).
func NewSession(config *marginalia.Config, reg prometheus.Registerer) (marginalia.Session, error) {
	if config == nil {
		config = marginalia.DefaultConfig()
	}
	session, err := internal.NewSession(config, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to wire session: %w", err)
	}
	return session, nil
}

// InitLogging installs the global zap logger the core logs through. The
// returned sync function should be deferred by the caller.
func InitLogging(config marginalia.LoggingConfig) (func(), error) {
	var (
		logger *zap.Logger
		err    error
	)
	if config.Development {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		if config.Level != "" {
			level, perr := zap.ParseAtomicLevel(config.Level)
			if perr != nil {
				return nil, fmt.Errorf("invalid log level %q: %w", config.Level, perr)
			}
			cfg.Level = level
		}
		logger, err = cfg.Build()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return func() { _ = logger.Sync() }, nil
}
