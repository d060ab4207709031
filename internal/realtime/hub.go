// Package realtime streams scoring-run events over WebSocket.
//
// Clients connect to the stream endpoint and receive run lifecycle events.
// Per-wallet scores are opt-in: a client sends a Subscription naming the
// wallet_scored event type, optionally narrowed to specific wallets or a
// minimum score.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/walletrisk/internal/metrics"
	"github.com/mbd888/walletrisk/internal/pipeline"
	"github.com/mbd888/walletrisk/internal/risk"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType names a stream event.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventWalletScored EventType = "wallet_scored"
)

// DefaultEventTypes are delivered to clients that have not subscribed.
var DefaultEventTypes = []EventType{EventRunStarted, EventRunCompleted, EventRunFailed}

// Event is one message on the stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// RunStarted is the payload of run_started.
type RunStarted struct {
	RunID   string `json:"runId"`
	Wallets int    `json:"wallets"`
}

// RunCompleted is the payload of run_completed. Rows are not serialized;
// the hub fans them out as wallet_scored events.
type RunCompleted struct {
	RunID      string         `json:"runId"`
	Source     string         `json:"source"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	DurationMs int64          `json:"durationMs"`
	Stats      pipeline.Stats `json:"stats"`
	SinkError  string         `json:"sinkError,omitempty"`
	Rows       []risk.Row     `json:"-"`
}

// RunFailed is the payload of run_failed.
type RunFailed struct {
	RunID string `json:"runId,omitempty"`
	Error string `json:"error"`
}

// WalletScored is the payload of wallet_scored.
type WalletScored struct {
	RunID     string    `json:"runId"`
	Wallet    string    `json:"wallet"`
	RiskScore float64   `json:"riskScore"`
	Band      risk.Band `json:"band"`
}

// Subscription filters what a client receives.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	Wallets    []string    `json:"wallets"`  // wallet_scored only for these
	MinScore   float64     `json:"minScore"` // wallet_scored only at or above
}

func (s Subscription) wants(t EventType) bool {
	if s.AllEvents {
		return true
	}
	types := s.EventTypes
	if len(types) == 0 {
		types = DefaultEventTypes
	}
	return slices.Contains(types, t)
}

func (s Subscription) matchesWallet(ws WalletScored) bool {
	if len(s.Wallets) > 0 && !slices.Contains(s.Wallets, ws.Wallet) {
		return false
	}
	return ws.RiskScore >= s.MinScore
}

func (s Subscription) normalized() Subscription {
	for i, w := range s.Wallets {
		s.Wallets[i] = strings.ToLower(strings.TrimSpace(w))
	}
	return s
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

// clientBuffer is sized so a client following every wallet of a typical
// run is not dropped as slow.
const clientBuffer = 2048

// Hub manages all WebSocket connections.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	now        func() time.Time

	lastRunID atomic.Value // string

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		now:        time.Now,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	enc := newEncoder(event)

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		for _, msg := range h.messagesFor(client, event, enc) {
			select {
			case client.send <- msg:
				continue
			default:
				slow = append(slow, client)
			}
			break
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		}
		n := len(h.clients)
		h.mu.Unlock()
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Warn("dropped slow websocket clients", "dropped", len(slow))
	}
}

// messagesFor returns the serialized messages client should receive for
// event. A run_completed event expands into one wallet_scored message per
// matching row.
func (h *Hub) messagesFor(client *Client, event *Event, enc *encoder) [][]byte {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	var out [][]byte
	if h.shouldSend(sub, event) {
		out = append(out, enc.event())
	}
	if event.Type != EventRunCompleted || !sub.wants(EventWalletScored) {
		return out
	}
	rc, ok := event.Data.(*RunCompleted)
	if !ok {
		return out
	}
	for i := range rc.Rows {
		if sub.matchesWallet(walletScored(rc.RunID, rc.Rows[i])) {
			out = append(out, enc.row(i, rc))
		}
	}
	return out
}

// shouldSend checks if a single event matches the subscription.
func (h *Hub) shouldSend(sub Subscription, event *Event) bool {
	if !sub.wants(event.Type) {
		return false
	}
	if event.Type == EventWalletScored {
		if ws, ok := event.Data.(WalletScored); ok {
			return sub.matchesWallet(ws)
		}
	}
	return true
}

func walletScored(runID string, r risk.Row) WalletScored {
	return WalletScored{RunID: runID, Wallet: r.Wallet, RiskScore: r.RiskScore, Band: r.Band}
}

// encoder serializes an event and its wallet rows at most once per broadcast.
type encoder struct {
	ev   *Event
	base []byte
	rows map[int][]byte
}

func newEncoder(ev *Event) *encoder {
	return &encoder{ev: ev, rows: make(map[int][]byte)}
}

func (e *encoder) event() []byte {
	if e.base == nil {
		e.base, _ = json.Marshal(e.ev)
	}
	return e.base
}

func (e *encoder) row(i int, rc *RunCompleted) []byte {
	if b, ok := e.rows[i]; ok {
		return b
	}
	b, _ := json.Marshal(&Event{
		Type:      EventWalletScored,
		Timestamp: e.ev.Timestamp,
		Data:      walletScored(rc.RunID, rc.Rows[i]),
	})
	e.rows[i] = b
	return b
}

// Broadcast sends an event to all matching clients.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// RunStarted implements pipeline.Listener.
func (h *Hub) RunStarted(runID string, wallets int) {
	h.lastRunID.Store(runID)
	h.Broadcast(&Event{
		Type:      EventRunStarted,
		Timestamp: h.now(),
		Data:      RunStarted{RunID: runID, Wallets: wallets},
	})
}

// RunFinished implements pipeline.Listener. A run whose scores were produced
// but a sink failed is still reported as completed, with the sink error.
func (h *Hub) RunFinished(res *pipeline.Result, err error) {
	if res == nil {
		runID, _ := h.lastRunID.Load().(string)
		msg := "unknown error"
		if err != nil {
			msg = err.Error()
		}
		h.Broadcast(&Event{
			Type:      EventRunFailed,
			Timestamp: h.now(),
			Data:      RunFailed{RunID: runID, Error: msg},
		})
		return
	}

	rc := &RunCompleted{
		RunID:      res.RunID,
		Source:     res.Source,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		DurationMs: res.Duration().Milliseconds(),
		Stats:      res.Stats,
		Rows:       res.Rows,
	}
	if err != nil {
		rc.SinkError = err.Error()
	}
	h.Broadcast(&Event{Type: EventRunCompleted, Timestamp: h.now(), Data: rc})
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub.normalized()
			c.mu.Unlock()
		}
	}
}

// writePump writes queued messages and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
