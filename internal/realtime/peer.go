package realtime

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	pingEvery    = 30 * time.Second
	writeWait    = 10 * time.Second
	maxInboundSz = 64 * 1024
)

// filter is a compiled Subscription. Nil sets match everything.
type filter struct {
	types    map[EventType]bool
	accounts map[string]bool
}

func compile(sub Subscription) filter {
	if sub.AllEvents {
		return filter{}
	}
	var f filter
	if len(sub.EventTypes) > 0 {
		f.types = make(map[EventType]bool, len(sub.EventTypes))
		for _, t := range sub.EventTypes {
			f.types[t] = true
		}
	}
	if len(sub.Accounts) > 0 {
		f.accounts = make(map[string]bool, len(sub.Accounts))
		for _, a := range sub.Accounts {
			f.accounts[strings.ToLower(a)] = true
		}
	}
	return f
}

func (f filter) match(ev *Event) bool {
	if f.types != nil && !f.types[ev.Type] {
		return false
	}
	// Protocol-wide events carry no account and never match an account filter.
	if f.accounts != nil && !f.accounts[strings.ToLower(ev.Account)] {
		return false
	}
	return true
}

// peer is one WebSocket connection.
type peer struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte

	mu sync.RWMutex
	f  filter
}

func newPeer(h *Hub, conn *websocket.Conn) *peer {
	return &peer{hub: h, conn: conn, out: make(chan []byte, queueSize)}
}

func (p *peer) wants(ev *Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.f.match(ev)
}

func (p *peer) subscribe(sub Subscription) {
	f := compile(sub)
	p.mu.Lock()
	p.f = f
	p.mu.Unlock()
}

func (p *peer) readLoop() {
	defer func() {
		p.hub.detach(p)
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxInboundSz)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				p.hub.log.Warn("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			p.hub.log.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		p.subscribe(sub)
	}
}

func (p *peer) writeLoop() {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.hub.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
