package eventbus

import (
	"log/slog"
	"sync"

	"agent-gateway/internal/model"
)

// maxQueue bounds each subscriber queue; the oldest events are dropped
// beyond it.
const maxQueue = 10000

// Transport is the asynchronous actuator and sensor channel. Every
// subscriber owns a queue drained by its own goroutine, so delivery is
// ordered per subscriber and publishers never run subscriber code.
type Transport struct {
	logger *slog.Logger

	mu        sync.Mutex
	actuators map[string]map[uint64]*subscriber
	sensors   map[uint64]*subscriber
	nextID    uint64
	closed    bool
	wg        sync.WaitGroup
}

// NewTransport creates an empty transport.
func NewTransport(logger *slog.Logger) *Transport {
	return &Transport{
		logger:    logger.With("component", "transport"),
		actuators: make(map[string]map[uint64]*subscriber),
		sensors:   make(map[uint64]*subscriber),
	}
}

// SubscribeActuator delivers write requests published for adapter to fn.
func (t *Transport) SubscribeActuator(adapter string, fn func(model.AttributeEvent)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return func() {}
	}
	id := t.nextID
	t.nextID++
	sub := t.spawn("actuator:"+adapter, fn)
	if t.actuators[adapter] == nil {
		t.actuators[adapter] = make(map[uint64]*subscriber)
	}
	t.actuators[adapter][id] = sub
	return func() {
		t.mu.Lock()
		if subs := t.actuators[adapter]; subs[id] == sub {
			delete(subs, id)
			if len(subs) == 0 {
				delete(t.actuators, adapter)
			}
		}
		t.mu.Unlock()
		sub.stop()
	}
}

// PublishActuator queues a write request for adapter. It reports false
// when nothing is subscribed under that name.
func (t *Transport) PublishActuator(adapter string, ev model.AttributeEvent) bool {
	t.mu.Lock()
	subs := make([]*subscriber, 0, len(t.actuators[adapter]))
	for _, sub := range t.actuators[adapter] {
		subs = append(subs, sub)
	}
	t.mu.Unlock()
	for _, sub := range subs {
		sub.push(ev)
	}
	return len(subs) > 0
}

// OnSensor registers a consumer of device updates.
func (t *Transport) OnSensor(fn func(model.AttributeEvent)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return func() {}
	}
	id := t.nextID
	t.nextID++
	sub := t.spawn("sensor", fn)
	t.sensors[id] = sub
	return func() {
		t.mu.Lock()
		delete(t.sensors, id)
		t.mu.Unlock()
		sub.stop()
	}
}

// PublishSensor queues a device update for every sensor consumer.
func (t *Transport) PublishSensor(ev model.AttributeEvent) {
	t.mu.Lock()
	subs := make([]*subscriber, 0, len(t.sensors))
	for _, sub := range t.sensors {
		subs = append(subs, sub)
	}
	t.mu.Unlock()
	for _, sub := range subs {
		sub.push(ev)
	}
}

// Close stops every subscriber and waits for in-flight deliveries.
// Queued events are discarded.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	var subs []*subscriber
	for _, m := range t.actuators {
		for _, sub := range m {
			subs = append(subs, sub)
		}
	}
	for _, sub := range t.sensors {
		subs = append(subs, sub)
	}
	clear(t.actuators)
	clear(t.sensors)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	t.wg.Wait()
}

// spawn must be called with t.mu held.
func (t *Transport) spawn(name string, fn func(model.AttributeEvent)) *subscriber {
	sub := &subscriber{
		name:   name,
		fn:     fn,
		logger: t.logger,
		wake:   make(chan struct{}, 1),
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		sub.run()
	}()
	return sub
}

type subscriber struct {
	name   string
	fn     func(model.AttributeEvent)
	logger *slog.Logger

	mu      sync.Mutex
	queue   []model.AttributeEvent
	stopped bool
	wake    chan struct{}
}

func (s *subscriber) push(ev model.AttributeEvent) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= maxQueue {
		s.queue = s.queue[1:]
		s.logger.Warn("subscriber queue full, dropping oldest event", "subscriber", s.name)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop does not wait for the drain goroutine; it may be called from
// inside a delivery.
func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.deliver(ev)
		}
	}
}

func (s *subscriber) deliver(ev model.AttributeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event subscriber panic", "subscriber", s.name, "attribute", ev.Ref(), "panic", r)
		}
	}()
	s.fn(ev)
}
