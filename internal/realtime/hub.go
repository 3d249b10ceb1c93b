// Package realtime streams battle session updates over WebSocket.
//
// Clients pick sessions with ?session=<id> on the upgrade request (repeatable)
// and may narrow frame types with ?type=. Updates for a session arrive in the
// order its intents were applied.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/agentbattle/internal/battle"
	"github.com/mbd888/agentbattle/internal/metrics"
)

// DefaultMaxClients caps concurrent connections.
const DefaultMaxClients = 10000

// Option configures a Hub.
type Option func(*Hub)

// WithCheckOrigin sets the upgrade origin check. The default accepts
// requests with no Origin or a same-host Origin.
func WithCheckOrigin(check func(*http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = check }
}

// WithMaxClients overrides DefaultMaxClients.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	DroppedClients   int64 `json:"droppedClients"`
}

// Hub fans session events out to subscribed connections. A single Run loop
// owns membership changes and delivery order.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	maxClients int

	mu      sync.RWMutex
	clients map[*Client]struct{}

	events chan *Event
	joins  chan *Client
	leaves chan *Client
	done   chan struct{}

	// gaps holds events Broadcast could not queue; gapped wakes the loop
	// to disconnect their subscribers.
	gapMu  sync.Mutex
	gaps   []*Event
	gapped chan struct{}

	running atomic.Bool
	stats   struct {
		clients, peak, events, droppedEvents, droppedClients atomic.Int64
	}
}

// NewHub returns a hub that is idle until Run is called.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		maxClients: DefaultMaxClients,
		clients:    make(map[*Client]struct{}),
		events:     make(chan *Event, 256),
		joins:      make(chan *Client),
		leaves:     make(chan *Client),
		done:       make(chan struct{}),
		gapped:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Running reports whether the hub loop is active.
func (h *Hub) Running() bool {
	return h.running.Load()
}

// Run delivers events until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer close(h.done)
	defer h.running.Store(false)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			clear(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.joins:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.stats.clients.Add(1)
			if int64(n) > h.stats.peak.Load() {
				h.stats.peak.Store(int64(n))
			}
			h.gauge(n)
			h.logger.Debug("websocket client joined", "connected", n)
		case c := <-h.leaves:
			n := h.drop(c)
			h.logger.Debug("websocket client left", "connected", n)
		case e := <-h.events:
			h.deliver(e)
		case <-h.gapped:
			h.closeGaps()
		}
	}
}

// deliver sends e to every matching client. A client whose queue is full
// would miss part of its session's history, so it is disconnected.
func (h *Hub) deliver(e *Event) {
	h.stats.events.Add(1)
	frame, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", e.Type, "session_id", e.SessionID, "error", err)
		return
	}

	var lagging []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(e) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		h.drop(c)
	}
	if len(lagging) > 0 {
		h.stats.droppedClients.Add(int64(len(lagging)))
		h.logger.Warn("disconnected lagging websocket clients", "count", len(lagging), "session_id", e.SessionID)
	}
}

// closeGaps disconnects every client subscribed to an event that never made
// it into the queue. Reconnecting clients resync from the HTTP API.
func (h *Hub) closeGaps() {
	h.gapMu.Lock()
	missed := h.gaps
	h.gaps = nil
	h.gapMu.Unlock()
	if len(missed) == 0 {
		return
	}

	var affected []*Client
	h.mu.RLock()
	for c := range h.clients {
		sub := c.subscription()
		for _, e := range missed {
			if sub.Matches(e) {
				affected = append(affected, c)
				break
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range affected {
		h.drop(c)
	}
	if len(affected) > 0 {
		h.stats.droppedClients.Add(int64(len(affected)))
		h.logger.Warn("disconnected websocket clients after dropped events", "count", len(affected), "events", len(missed))
	}
}

// drop removes c if it is still registered and returns the remaining count.
func (h *Hub) drop(c *Client) int {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.gauge(n)
	return n
}

func (h *Hub) gauge(n int) {
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// leave hands c back to the loop, or gives up once the loop has stopped.
func (h *Hub) leave(c *Client) {
	select {
	case h.leaves <- c:
	case <-h.done:
	}
}

// Broadcast queues e without blocking. When the queue is full the event is
// dropped and every client subscribed to it is disconnected, so no client
// sees a stream with a hole in it.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.events <- e:
		return
	default:
	}
	h.stats.droppedEvents.Add(1)
	h.logger.Warn("realtime queue full, dropping event", "type", e.Type, "session_id", e.SessionID)

	h.gapMu.Lock()
	h.gaps = append(h.gaps, e)
	h.gapMu.Unlock()
	select {
	case h.gapped <- struct{}{}:
	default:
	}
}

// OnUpdate publishes a session update. It satisfies battle.Observer.
func (h *Hub) OnUpdate(_ context.Context, u battle.Update) {
	now := time.Now()
	if u.Intent == battle.KindReset {
		h.Broadcast(&Event{Type: EventReset, SessionID: u.SessionID, Timestamp: now, Data: u.Snapshot})
		return
	}
	h.Broadcast(&Event{Type: EventUpdate, SessionID: u.SessionID, Timestamp: now, Data: u})
	for _, e := range u.Events {
		if e.IsTransition() {
			h.Broadcast(&Event{Type: EventTransition, SessionID: u.SessionID, Timestamp: now, Data: e})
		}
	}
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalClients:     h.stats.clients.Load(),
		PeakClients:      h.stats.peak.Load(),
		TotalEvents:      h.stats.events.Load(),
		DroppedEvents:    h.stats.droppedEvents.Load(),
		DroppedClients:   h.stats.droppedClients.Load(),
	}
}

// HandleWebSocket upgrades the request and registers the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, subscriptionFromQuery(r))
	select {
	case h.joins <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}
