//go:build !no_history

// Package history records attribute values in InfluxDB.
//
// Writes are non-blocking and batched by the InfluxDB client; asynchronous
// write errors are logged. Only numeric and boolean values are recorded,
// booleans as 0 or 1.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"agent-gateway/internal/eventbus"
	"agent-gateway/internal/model"
)

// Measurement is the InfluxDB measurement attribute values are written to.
const Measurement = "attribute_values"

const (
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000
)

var (
	// ErrDisabled is returned by Connect when no URL is configured.
	ErrDisabled = errors.New("history: disabled in configuration")
	// ErrConnectionFailed indicates the initial ping failed.
	ErrConnectionFailed = errors.New("history: connection failed")
)

// Config holds InfluxDB connection settings.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval int // seconds
}

// pointWriter is the part of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
	Errors() <-chan error
}

// Sink writes attribute updates from the event bus to InfluxDB.
type Sink struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger

	mu     sync.Mutex
	unsub  func()
	closed bool
	drain  sync.WaitGroup
}

// Connect creates the InfluxDB client and verifies the server is healthy.
func Connect(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, ErrDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	s := newSink(client.WriteAPI(cfg.Org, cfg.Bucket), logger)
	s.client = client
	return s, nil
}

func newSink(w pointWriter, logger *slog.Logger) *Sink {
	s := &Sink{writer: w, logger: logger.With("component", "history")}
	// The error channel is unbuffered; it must be drained before writing.
	errs := w.Errors()
	s.drain.Add(1)
	go func() {
		defer s.drain.Done()
		for err := range errs {
			s.logger.Warn("history write failed", "err", err)
		}
	}()
	return s
}

// Start records every attribute update emitted on bus.
func (s *Sink) Start(bus *eventbus.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsub = bus.On(eventbus.EventAttributeUpdate, s.handleEvent)
	s.logger.Info("history sink started")
}

func (s *Sink) handleEvent(event eventbus.Event) {
	ev, ok := event.Data.(model.AttributeEvent)
	if !ok {
		return
	}
	p, ok := point(ev)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.writer.WritePoint(p)
}

// point converts an attribute event to an InfluxDB point. Values that are
// neither numeric nor boolean are skipped.
func point(ev model.AttributeEvent) (*write.Point, bool) {
	var value float64
	switch v := ev.Value().(type) {
	case bool:
		if v {
			value = 1
		}
	default:
		f, ok := model.ToFloat(v)
		if !ok {
			return nil, false
		}
		value = f
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ref := ev.Ref()
	return write.NewPoint(
		Measurement,
		map[string]string{
			"entity_id": ref.EntityID,
			"attribute": ref.Name,
			"source":    string(ev.Source),
		},
		map[string]interface{}{"value": value},
		ts,
	), true
}

// Close stops recording, flushes pending points and closes the client.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.unsub != nil {
		s.unsub()
	}
	s.writer.Flush()
	s.mu.Unlock()

	if s.client != nil {
		// Closing the client closes the error channel.
		s.client.Close()
		s.drain.Wait()
	}
	s.logger.Info("history sink stopped")
}
