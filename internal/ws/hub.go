// Package ws streams pool events to WebSocket followers. A follower watches at
// most one pool, chosen with ?pool= on connect or a control frame afterwards.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	outboxSize = 64
)

// Msg is a message sent to clients.
type Msg struct {
	Type        string `json:"type"`
	PoolAddress string `json:"pool_address"`
	Data        any    `json:"data"`
}

// control is the only frame a client sends:
// {"action":"subscribe"|"unsubscribe","pool_address":"..."}.
type control struct {
	Action      string `json:"action"`
	PoolAddress string `json:"pool_address"`
}

type Hub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu        sync.RWMutex
	followers map[string]map[*follower]struct{}
}

type follower struct {
	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte
	pool   string // guarded by hub.mu
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:       log.Named("ws"),
		followers: make(map[string]map[*follower]struct{}),
	}
}

// Publish fans a message out to the pool's followers. A follower whose outbox
// is full misses it.
func (h *Hub) Publish(poolAddress, msgType string, data any) {
	b, err := json.Marshal(Msg{Type: msgType, PoolAddress: poolAddress, Data: data})
	if err != nil {
		h.log.Warn("marshal message", zap.String("type", msgType), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for f := range h.followers[poolAddress] {
		select {
		case f.outbox <- b:
		default:
			h.log.Debug("outbox full, message dropped", zap.String("pool", poolAddress))
		}
	}
}

// Subscribers reports how many connections follow a pool.
func (h *Hub) Subscribers(poolAddress string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.followers[poolAddress])
}

// HandleWS upgrades the request and hands the connection to its follower
// goroutines.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	f := &follower{hub: h, conn: conn, outbox: make(chan []byte, outboxSize)}
	h.follow(f, r.URL.Query().Get("pool"))

	go f.deliver()
	go f.listen()
}

// follow moves f to pool; an empty pool only detaches it.
func (h *Hub) follow(f *follower, pool string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(f)
	if pool == "" {
		return
	}
	set := h.followers[pool]
	if set == nil {
		set = make(map[*follower]struct{})
		h.followers[pool] = set
	}
	set[f] = struct{}{}
	f.pool = pool
}

// detach removes f from its pool. Caller holds h.mu.
func (h *Hub) detach(f *follower) {
	set := h.followers[f.pool]
	delete(set, f)
	if len(set) == 0 {
		delete(h.followers, f.pool)
	}
	f.pool = ""
}

// listen applies control frames until the connection drops, then closes the
// outbox so deliver exits.
func (f *follower) listen() {
	defer func() {
		f.hub.mu.Lock()
		f.hub.detach(f)
		f.hub.mu.Unlock()
		close(f.outbox)
		f.conn.Close()
	}()
	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		return f.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var c control
		if err := f.conn.ReadJSON(&c); err != nil {
			var syntax *json.SyntaxError
			var typ *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typ) {
				continue
			}
			return
		}
		if c.PoolAddress == "" {
			continue
		}
		switch c.Action {
		case "subscribe":
			f.hub.follow(f, c.PoolAddress)
		case "unsubscribe":
			f.hub.mu.Lock()
			if f.pool == c.PoolAddress {
				f.hub.detach(f)
			}
			f.hub.mu.Unlock()
		}
	}
}

// deliver writes queued messages and keeps the connection alive with pings.
func (f *follower) deliver() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		f.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-f.outbox:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				f.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := f.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
