//go:build !no_history

package main

import (
	"log/slog"

	"agent-gateway/internal/eventbus"
	"agent-gateway/internal/history"
)

type historyStopper struct {
	sink *history.Sink
}

func (h *historyStopper) Stop() {
	if h.sink != nil {
		h.sink.Close()
	}
}

func initHistory(bus *eventbus.Bus, cfg *Config, logger *slog.Logger) *historyStopper {
	if !cfg.InfluxDB.Enabled {
		return &historyStopper{}
	}
	sink, err := history.Connect(history.Config{
		URL:           cfg.InfluxDB.URL,
		Token:         cfg.InfluxDB.Token,
		Org:           cfg.InfluxDB.Org,
		Bucket:        cfg.InfluxDB.Bucket,
		BatchSize:     cfg.InfluxDB.BatchSize,
		FlushInterval: cfg.InfluxDB.FlushInterval,
	}, logger)
	if err != nil {
		logger.Error("history sink", "err", err)
		return &historyStopper{}
	}
	sink.Start(bus)
	return &historyStopper{sink: sink}
}
