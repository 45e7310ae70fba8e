package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"agent-gateway/internal/eventbus"
	"agent-gateway/internal/model"
)

// eventSnapshot is sent to each client on connect with the current agent
// statuses, before any live event.
const eventSnapshot = "snapshot"

const (
	subscriberBuffer = 64
	wsWriteTimeout   = 10 * time.Second
	wsReadLimit      = 4096
)

// stream fans gateway events out to websocket subscribers. A subscriber
// may narrow its stream to a set of agent or asset IDs.
type stream struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	out  chan []byte
	quit chan struct{}
	once sync.Once

	mu       sync.Mutex
	entities map[string]bool
}

// clientMessage narrows the events a client receives. An empty list
// restores the full stream.
type clientMessage struct {
	Subscribe []string `json:"subscribe"`
}

func newStream(logger *slog.Logger) *stream {
	return &stream{logger: logger, subs: make(map[*subscriber]struct{})}
}

func newSubscriber() *subscriber {
	return &subscriber{
		out:  make(chan []byte, subscriberBuffer),
		quit: make(chan struct{}),
	}
}

// add registers sub. It reports false once the stream is closed.
func (st *stream) add(sub *subscriber) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	st.subs[sub] = struct{}{}
	st.logger.Debug("ws subscriber added", "total", len(st.subs))
	return true
}

func (st *stream) remove(sub *subscriber) {
	st.mu.Lock()
	delete(st.subs, sub)
	st.mu.Unlock()
	sub.stop()
}

func (st *stream) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

// publish delivers event to every interested subscriber without blocking.
// A subscriber whose buffer is full is dropped.
func (st *stream) publish(event eventbus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		st.logger.Error("ws marshal", "type", event.Type, "err", err)
		return
	}
	entity := eventEntity(event)

	st.mu.Lock()
	defer st.mu.Unlock()
	for sub := range st.subs {
		if !sub.wants(entity) {
			continue
		}
		select {
		case sub.out <- data:
		default:
			delete(st.subs, sub)
			sub.stop()
			st.logger.Warn("ws subscriber dropped, send buffer full")
		}
	}
}

// close stops every subscriber and rejects new ones. Safe to call twice.
func (st *stream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for sub := range st.subs {
		delete(st.subs, sub)
		sub.stop()
	}
}

func (sub *subscriber) stop() {
	sub.once.Do(func() { close(sub.quit) })
}

func (sub *subscriber) setFilter(ids []string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(ids) == 0 {
		sub.entities = nil
		return
	}
	sub.entities = make(map[string]bool, len(ids))
	for _, id := range ids {
		sub.entities[id] = true
	}
}

// wants reports whether events about entity pass the filter. Events not
// tied to an entity always pass.
func (sub *subscriber) wants(entity string) bool {
	if entity == "" {
		return true
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.entities) == 0 || sub.entities[entity]
}

// eventEntity is the asset or agent ID an event concerns.
func eventEntity(event eventbus.Event) string {
	switch d := event.Data.(type) {
	case model.AttributeEvent:
		return d.Ref().EntityID
	case eventbus.AgentStatus:
		return d.AgentID
	case eventbus.Change:
		return d.ID
	}
	return ""
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	sub := newSubscriber()
	snapshot, err := json.Marshal(eventbus.Event{
		Type: eventSnapshot,
		Data: map[string]any{"statuses": s.agents.Statuses()},
	})
	if err == nil {
		sub.out <- snapshot
	}
	if !s.stream.add(sub) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.stream.remove(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sub.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	go s.wsWritePump(conn, sub)
	s.wsReadLoop(ctx, conn, sub)
}

func (s *Server) wsWritePump(conn *websocket.Conn, sub *subscriber) {
	for {
		select {
		case msg := <-sub.out:
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
			err := conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				sub.stop()
				return
			}
		case <-sub.quit:
			conn.Close(websocket.StatusGoingAway, "")
			return
		}
	}
}

// wsReadLoop applies subscribe messages until the connection fails or the
// subscriber is stopped.
func (s *Server) wsReadLoop(ctx context.Context, conn *websocket.Conn, sub *subscriber) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ws invalid client message", "err", err)
			continue
		}
		sub.setFilter(msg.Subscribe)
	}
}
