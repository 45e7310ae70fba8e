//go:build no_history

package main

import (
	"log/slog"

	"agent-gateway/internal/eventbus"
)

type historyStopper struct{}

func (h *historyStopper) Stop() {}

func initHistory(_ *eventbus.Bus, _ *Config, _ *slog.Logger) *historyStopper {
	return &historyStopper{}
}
