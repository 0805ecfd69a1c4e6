package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrMalformedFrame  = errors.New("malformed frame")
)

// Close reasons reported in Closed states.
const (
	ReasonIntentional = "intentional"
	ReasonMaxAttempts = "max-attempts-exceeded"
)

// StateKind enumerates the connection lifecycle states.
type StateKind int

const (
	StateIdle StateKind = iota
	StateConnecting
	StateOpen
	StateClosed
	StateReconnecting
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(k))
	}
}

// State is a snapshot of the connection state machine.
type State struct {
	Kind    StateKind
	Reason  string // Closed only
	Attempt int    // Reconnecting only
}

func (s State) String() string {
	switch s.Kind {
	case StateClosed:
		return "closed(" + s.Reason + ")"
	case StateReconnecting:
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	default:
		return s.Kind.String()
	}
}

// Terminal reports whether the manager will stay in this state until an
// explicit Connect.
func (s State) Terminal() bool {
	return s.Kind == StateClosed
}

// TimestampedMessage wraps raw frame data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from the websocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Envelope is one decoded frame: a topic and its payload.
type Envelope struct {
	Topic   string          `json:"type"`
	Payload json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a frame of the form {"type": string, "data": object}.
// A frame with no data, such as {"type":"subscribed","poll_id":3}, carries
// the whole frame as its payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		env.Payload = append(json.RawMessage(nil), data...)
	}
	return env, nil
}

// ClientConfig configures a websocket client.
type ClientConfig struct {
	URL              string        // Websocket endpoint (e.g., ws://localhost:8000/ws)
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	PingInterval     time.Duration // Interval between keepalive pings
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	Client               ClientConfig
	MaxReconnectAttempts int           // Attempts before settling in Closed(max-attempts-exceeded)
	ReconnectBaseDelay   time.Duration // Delay before attempt n is n * ReconnectBaseDelay
}

// DefaultManagerConfig returns the defaults for url.
func DefaultManagerConfig(url string) ManagerConfig {
	client := DefaultClientConfig()
	client.URL = url
	return ManagerConfig{
		Client:               client,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   2 * time.Second,
	}
}

// BackoffDelay returns the delay before reconnect attempt n.
func (c ManagerConfig) BackoffDelay(attempt int) time.Duration {
	return c.ReconnectBaseDelay * time.Duration(attempt)
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State          State
	Dials          int64
	Opens          int64
	Failures       int64
	FramesReceived int64
	FramesDropped  int64
	FramesRouted   int64
}
