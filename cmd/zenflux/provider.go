package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zenflux/zenflux/internal/agent"
)

// providerFactory is the model integration seam. Embedders building a
// distribution replace this at link time (or fork this file) with a factory
// for their model client; the open-core binary ships without one.
var providerFactory func(logger *slog.Logger) agent.Provider

func resolveProvider(logger *slog.Logger) agent.Provider {
	if providerFactory != nil {
		return providerFactory(logger)
	}
	logger.Warn("no model provider registered; turns will fail until one is wired in")
	return unconfiguredProvider{}
}

// unconfiguredProvider fails every call with a stable, user-safe message so
// the gateway surfaces a clear error event instead of a crash.
type unconfiguredProvider struct{}

func (unconfiguredProvider) Stream(ctx context.Context, req agent.Request) (<-chan agent.Chunk, error) {
	return nil, fmt.Errorf("no model provider configured")
}

func (unconfiguredProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return "", fmt.Errorf("no model provider configured")
}
