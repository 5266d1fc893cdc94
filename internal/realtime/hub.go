// Package realtime streams committed engine events to WebSocket clients.
//
// A client receives every event until it sends a Subscription message
// naming the event types and accounts it cares about.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/coverpool/internal/metrics"
)

// EventType names an engine state change.
type EventType string

// Event is one committed engine state change.
type Event struct {
	Type      EventType `json:"type"`
	Account   string    `json:"account,omitempty"`
	Height    uint64    `json:"height"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Subscription is the message a client sends to narrow its stream. Empty
// lists mean no restriction on that dimension.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	Accounts   []string    `json:"accounts"`
}

// MaxClients caps concurrent connections per hub.
const MaxClients = 10000

const queueSize = 256

// Hub fans events out to attached peers. Run must be running for Notify
// to deliver anything.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	limit    int
	queue    chan *Event
	stopped  chan struct{}

	mu    sync.Mutex
	peers map[*peer]struct{}

	events atomic.Int64
	seen   atomic.Int64
	peak   atomic.Int64
}

// NewHub returns a hub that accepts same-host browser origins and any
// non-browser client.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		log:     logger,
		limit:   MaxClients,
		queue:   make(chan *Event, queueSize),
		stopped: make(chan struct{}),
		peers:   make(map[*peer]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameHost,
	}
	return h
}

// WithAllowedOrigins additionally accepts the listed browser origins. "*"
// accepts any origin.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	if len(origins) == 0 {
		return h
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = true
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return allowed["*"] || allowed[origin] || sameHost(r)
	}
	return h
}

func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run delivers queued events until ctx is cancelled, then closes every peer.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("realtime hub started")
	defer close(h.stopped)

	for {
		select {
		case ev := <-h.queue:
			h.fanout(ev)
		case <-ctx.Done():
			h.mu.Lock()
			for p := range h.peers {
				delete(h.peers, p)
				close(p.out)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.log.Info("realtime hub stopped")
			return
		}
	}
}

// Notify queues an engine event. It drops the event rather than block
// the engine when the queue is full.
func (h *Hub) Notify(eventType, account string, height uint64, data any) {
	ev := &Event{
		Type:      EventType(eventType),
		Account:   account,
		Height:    height,
		Timestamp: time.Now(),
		Data:      data,
	}
	select {
	case h.queue <- ev:
	default:
		h.log.Warn("realtime queue full, dropping event", "type", eventType)
	}
}

// Stats returns connection and delivery counters.
func (h *Hub) Stats() map[string]any {
	h.mu.Lock()
	n := len(h.peers)
	h.mu.Unlock()
	return map[string]any{
		"connectedClients": n,
		"totalEvents":      h.events.Load(),
		"totalClients":     h.seen.Load(),
		"peakClients":      h.peak.Load(),
	}
}

func (h *Hub) fanout(ev *Event) {
	h.events.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encode realtime event", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		if !p.wants(ev) {
			continue
		}
		select {
		case p.out <- payload:
		default:
			// Slow consumer: cut it loose rather than stall everyone else.
			delete(h.peers, p)
			close(p.out)
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(len(h.peers)))
}

// attach adds p unless the hub is full or already stopped.
func (h *Hub) attach(p *peer) bool {
	select {
	case <-h.stopped:
		return false
	default:
	}

	h.mu.Lock()
	if len(h.peers) >= h.limit {
		h.mu.Unlock()
		return false
	}
	h.peers[p] = struct{}{}
	n := int64(len(h.peers))
	h.mu.Unlock()

	h.seen.Add(1)
	for {
		old := h.peak.Load()
		if n <= old || h.peak.CompareAndSwap(old, n) {
			break
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.log.Debug("realtime client attached", "clients", n)
	return true
}

func (h *Hub) detach(p *peer) {
	h.mu.Lock()
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.out)
	}
	n := len(h.peers)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.log.Debug("realtime client detached", "clients", n)
}

// HandleWebSocket upgrades the request and streams events until the
// client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.Lock()
	full := len(h.peers) >= h.limit
	h.mu.Unlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	p := newPeer(h, conn)
	if !h.attach(p) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	go p.writeLoop()
	go p.readLoop()
}
