//go:build no_mqtt

package main

import (
	"log/slog"

	"agent-gateway/internal/agent"
	"agent-gateway/internal/eventbus"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *agent.Coordinator, _ *eventbus.Bus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
