package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Control frame types.
const (
	TypeSubscribe  = "subscribe"
	TypeSubscribed = "subscribed"
)

// ErrClosed is returned by Broadcast after Close.
var ErrClosed = errors.New("hub closed")

// Config configures a Hub.
type Config struct {
	WriteTimeout time.Duration
	// CheckOrigin is passed to the upgrader. nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{WriteTimeout: 5 * time.Second}
}

// Stats contains hub statistics.
type Stats struct {
	Clients    int   `json:"clients"`
	Accepted   int64 `json:"accepted"`
	Broadcasts int64 `json:"broadcasts"`
	Delivered  int64 `json:"delivered"`
	Dropped    int64 `json:"dropped"`
}

// Hub tracks the active websocket clients.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*peer]struct{}
	closed  bool

	accepted   atomic.Int64
	broadcasts atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
}

type peer struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	subMu sync.Mutex
	polls map[int64]struct{}
}

// New creates a Hub.
func New(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Hub{
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		clients:  make(map[*peer]struct{}),
	}
}

// ServeWS upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	p := &peer{
		id:    uuid.NewString(),
		conn:  conn,
		polls: make(map[int64]struct{}),
	}
	if !h.add(p) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.cfg.WriteTimeout))
		conn.Close()
		return
	}
	defer h.remove(p)

	h.readLoop(p)
}

// Broadcast sends {"type": topic, "data": data} to every client and returns
// how many received it.
func (h *Hub) Broadcast(topic string, data any) (int, error) {
	if topic == "" {
		return 0, errors.New("topic is required")
	}
	msg, err := json.Marshal(envelope{Type: topic, Data: data})
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", topic, err)
	}
	return h.broadcastRaw(topic, msg)
}

func (h *Hub) broadcastRaw(topic string, msg []byte) (int, error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0, ErrClosed
	}
	peers := make([]*peer, 0, len(h.clients))
	for p := range h.clients {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	h.broadcasts.Add(1)
	h.logger.Debug("broadcasting", "type", topic, "clients", len(peers))

	sent := 0
	for _, p := range peers {
		if err := h.write(p, msg); err != nil {
			h.logger.Warn("dropping client after failed write", "client", p.id, "error", err)
			h.dropped.Add(1)
			h.remove(p)
			continue
		}
		sent++
	}
	h.delivered.Add(int64(sent))
	return sent, nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns current statistics.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:    h.Clients(),
		Accepted:   h.accepted.Load(),
		Broadcasts: h.broadcasts.Load(),
		Delivered:  h.delivered.Load(),
		Dropped:    h.dropped.Load(),
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	peers := h.clients
	h.clients = make(map[*peer]struct{})
	h.mu.Unlock()

	for p := range peers {
		p.writeMu.Lock()
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.cfg.WriteTimeout))
		p.writeMu.Unlock()
		p.conn.Close()
	}
	h.logger.Info("hub closed", "clients", len(peers))
}

func (h *Hub) add(p *peer) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[p] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.accepted.Add(1)
	h.logger.Info("client connected", "client", p.id, "total", total)
	return true
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	_, ok := h.clients[p]
	delete(h.clients, p)
	remaining := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	p.conn.Close()
	h.logger.Info("client disconnected", "client", p.id, "remaining", remaining)
}

func (h *Hub) write(p *peer, msg []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, msg)
}

func (h *Hub) readLoop(p *peer) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("client read failed", "client", p.id, "error", err)
			}
			return
		}
		h.handleFrame(p, data)
	}
}

func (h *Hub) handleFrame(p *peer, data []byte) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Debug("ignoring malformed client frame", "client", p.id, "error", err)
		return
	}
	if frame.Type != TypeSubscribe {
		h.logger.Debug("ignoring client frame", "client", p.id, "type", frame.Type)
		return
	}

	pollID, ok := frame.pollID()
	if !ok {
		h.logger.Debug("subscribe without poll_id", "client", p.id)
		return
	}

	p.subMu.Lock()
	p.polls[pollID] = struct{}{}
	p.subMu.Unlock()

	reply, err := encodeSubscribed(pollID)
	if err != nil {
		h.logger.Error("encode subscribe ack", "client", p.id, "poll_id", pollID, "error", err)
		return
	}
	if err := h.write(p, reply); err != nil {
		h.logger.Warn("subscribe ack failed", "client", p.id, "error", err)
		h.dropped.Add(1)
		h.remove(p)
		return
	}
	h.logger.Debug("client subscribed", "client", p.id, "poll_id", pollID)
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type subscribedFrame struct {
	Type   string `json:"type"`
	PollID int64  `json:"poll_id"`
}

func encodeSubscribed(pollID int64) ([]byte, error) {
	data, err := json.Marshal(subscribedFrame{Type: TypeSubscribed, PollID: pollID})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", TypeSubscribed, err)
	}
	return data, nil
}

// controlFrame accepts poll_id at the top level or under data.
type controlFrame struct {
	Type   string          `json:"type"`
	PollID *int64          `json:"poll_id"`
	Data   json.RawMessage `json:"data"`
}

func (f controlFrame) pollID() (int64, bool) {
	if f.PollID != nil {
		return *f.PollID, true
	}
	if len(f.Data) == 0 {
		return 0, false
	}
	var inner struct {
		PollID *int64 `json:"poll_id"`
	}
	if err := json.Unmarshal(f.Data, &inner); err != nil || inner.PollID == nil {
		return 0, false
	}
	return *inner.PollID, true
}
