package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/polls-live/internal/clock"
)

// Publisher receives decoded frames. *bus.Bus[json.RawMessage] satisfies it.
type Publisher interface {
	Publish(topic string, payload json.RawMessage)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock used to schedule reconnects.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithObserver replaces the default logging observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithClientFactory replaces the websocket client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.newClient = f
		}
	}
}

// Manager owns a single logical connection to the poll server.
//
// State machine:
//
//	Idle ──Connect──▶ Connecting ──ok──▶ Open
//	Connecting/Open ──failure──▶ Reconnecting(n) ──timer──▶ Connecting
//	Reconnecting(n), n > max ──▶ Closed(max-attempts-exceeded)
//	any ──Disconnect──▶ Closed(intentional)
//
// The delay before attempt n is n * ReconnectBaseDelay. Every well-formed
// frame received while Open is published on the Publisher in arrival order.
type Manager struct {
	cfg       ManagerConfig
	publisher Publisher
	logger    *slog.Logger
	clock     clock.Clock
	observer  Observer
	newClient ClientFactory

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopWatch func() bool

	mu         sync.Mutex
	state      State
	attempts   int
	gen        uint64 // bumped whenever the current client is abandoned
	client     Client
	connCancel context.CancelFunc
	timer      clock.Timer
	stopped    bool
	pending    []func(Observer)
	notifying  bool // a goroutine is draining pending

	dials          atomic.Int64
	opens          atomic.Int64
	failures       atomic.Int64
	framesReceived atomic.Int64
	framesDropped  atomic.Int64
	framesRouted   atomic.Int64
}

// NewManager creates a Manager in the Idle state.
func NewManager(cfg ManagerConfig, publisher Publisher, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = DefaultManagerConfig("").ReconnectBaseDelay
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		clock:     clock.Real(),
		observer:  LogObserver(logger),
		newClient: NewClient,
		ctx:       ctx,
		cancel:    cancel,
		state:     State{Kind: StateIdle},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start connects and arranges for Disconnect when ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	if m.stopWatch == nil {
		m.stopWatch = context.AfterFunc(ctx, m.Disconnect)
	}
	m.mu.Unlock()

	m.logger.Info("connection manager started",
		"url", m.cfg.Client.URL,
		"max_attempts", m.cfg.MaxReconnectAttempts,
		"base_delay", m.cfg.ReconnectBaseDelay,
	)

	m.Connect()
	return nil
}

// Stop disconnects and waits for background goroutines, bounded by ctx.
// A stopped Manager cannot be reconnected.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	m.mu.Lock()
	m.stopped = true
	stopWatch := m.stopWatch
	old := m.closeLocked()
	m.unlockAndNotify()

	if old != nil {
		old.Close()
	}
	if stopWatch != nil {
		stopWatch()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}

	m.logger.Info("connection manager stopped")
	return nil
}

// Connect opens the connection. It is a no-op while Open or Connecting.
// From Reconnecting it dials immediately and keeps the attempt count; from
// Closed it starts over with a fresh attempt budget.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}

	switch m.state.Kind {
	case StateOpen, StateConnecting:
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("connect ignored", "state", state.String())
		return
	case StateReconnecting:
		m.stopTimerLocked()
	case StateClosed:
		m.attempts = 0
	}

	m.dialLocked()
	m.unlockAndNotify()
}

// Disconnect closes the connection, cancels any pending reconnect and moves
// to Closed(intentional). No reconnect happens until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	old := m.closeLocked()
	m.unlockAndNotify()

	if old != nil {
		old.Close()
	}
}

// closeLocked moves to Closed(intentional) and returns the abandoned client
// for closing outside the lock. Caller must hold mu.
func (m *Manager) closeLocked() Client {
	if m.state.Kind == StateClosed && m.state.Reason == ReasonIntentional {
		return nil
	}

	old := m.detachLocked()
	m.stopTimerLocked()
	m.attempts = 0
	m.setStateLocked(State{Kind: StateClosed, Reason: ReasonIntentional})
	return old
}

// Send writes {"type": topic, "data": payload} to the open connection.
func (m *Manager) Send(topic string, payload any) error {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: topic, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", topic, err)
	}

	m.mu.Lock()
	client := m.client
	open := m.state.Kind == StateOpen
	m.mu.Unlock()

	if !open || client == nil {
		return ErrNotConnected
	}
	return client.Send(data)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOpen reports whether the state is Open.
func (m *Manager) IsOpen() bool {
	return m.State().Kind == StateOpen
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		State:          m.State(),
		Dials:          m.dials.Load(),
		Opens:          m.opens.Load(),
		Failures:       m.failures.Load(),
		FramesReceived: m.framesReceived.Load(),
		FramesDropped:  m.framesDropped.Load(),
		FramesRouted:   m.framesRouted.Load(),
	}
}

// dialLocked starts a new client and moves to Connecting. Caller must hold mu.
func (m *Manager) dialLocked() {
	m.gen++
	gen := m.gen

	ctx, cancel := context.WithCancel(m.ctx)
	client := m.newClient(m.cfg.Client, m.logger.With("conn_gen", gen))
	m.client = client
	m.connCancel = cancel
	m.dials.Add(1)
	m.setStateLocked(State{Kind: StateConnecting})

	m.wg.Add(1)
	go m.dial(ctx, gen, client)
}

func (m *Manager) dial(ctx context.Context, gen uint64, client Client) {
	defer m.wg.Done()

	err := client.Connect(ctx)

	m.mu.Lock()
	if gen != m.gen {
		// Superseded by Disconnect or another Connect.
		m.mu.Unlock()
		client.Close()
		return
	}

	if err != nil {
		m.failures.Add(1)
		m.logger.Warn("dial failed",
			"attempt", m.attempts,
			"error", err,
		)
		old := m.failLocked()
		m.unlockAndNotify()
		if old != nil {
			old.Close()
		}
		return
	}

	m.attempts = 0
	m.opens.Add(1)
	m.setStateLocked(State{Kind: StateOpen})
	m.wg.Add(1)
	go m.pump(ctx, gen, client)
	m.unlockAndNotify()
}

// pump forwards frames from one client until it fails or is abandoned.
func (m *Manager) pump(ctx context.Context, gen uint64, client Client) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-client.Messages():
			m.route(msg)

		case err := <-client.Errors():
			m.drain(client)

			m.mu.Lock()
			if gen != m.gen {
				m.mu.Unlock()
				return
			}
			m.failures.Add(1)
			m.logger.Warn("connection lost", "error", err)
			old := m.failLocked()
			m.unlockAndNotify()
			if old != nil {
				old.Close()
			}
			return
		}
	}
}

// drain routes frames that were buffered before the client failed.
func (m *Manager) drain(client Client) {
	for {
		select {
		case msg := <-client.Messages():
			m.route(msg)
		default:
			return
		}
	}
}

func (m *Manager) route(msg TimestampedMessage) {
	m.framesReceived.Add(1)

	env, err := DecodeEnvelope(msg.Data)
	if err != nil {
		m.framesDropped.Add(1)
		m.mu.Lock()
		m.pending = append(m.pending, func(o Observer) { o.FrameDropped(err) })
		m.unlockAndNotify()
		return
	}

	m.publisher.Publish(env.Topic, env.Payload)
	m.framesRouted.Add(1)
}

// failLocked abandons the current client and either schedules the next
// attempt or gives up. It returns the abandoned client for closing outside
// the lock. Caller must hold mu.
func (m *Manager) failLocked() Client {
	old := m.detachLocked()
	m.attempts++

	if m.attempts > m.cfg.MaxReconnectAttempts {
		made := m.attempts - 1
		m.setStateLocked(State{Kind: StateClosed, Reason: ReasonMaxAttempts})
		m.pending = append(m.pending, func(o Observer) { o.ReconnectsExhausted(made) })
		return old
	}

	attempt := m.attempts
	delay := m.cfg.BackoffDelay(attempt)
	m.setStateLocked(State{Kind: StateReconnecting, Attempt: attempt})
	m.pending = append(m.pending, func(o Observer) { o.ReconnectScheduled(attempt, delay) })

	token := m.gen
	m.timer = m.clock.AfterFunc(delay, func() { m.retry(token) })
	return old
}

// retry fires when a backoff timer elapses.
func (m *Manager) retry(token uint64) {
	m.mu.Lock()
	if m.stopped || token != m.gen || m.state.Kind != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.dialLocked()
	m.unlockAndNotify()
}

// detachLocked invalidates the current client. Caller must hold mu.
func (m *Manager) detachLocked() Client {
	m.gen++
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	old := m.client
	m.client = nil
	return old
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(next State) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.pending = append(m.pending, func(o Observer) { o.StateChanged(prev, next) })
}

// unlockAndNotify releases mu and delivers the notifications queued while it
// was held. Only one goroutine delivers at a time; a caller that finds
// delivery in progress leaves its notifications to that goroutine, so order
// follows the critical sections and observers may call back into the Manager.
// Caller must hold mu.
func (m *Manager) unlockAndNotify() {
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()
		m.deliver(batch)
		m.mu.Lock()
	}
	m.notifying = false
	m.mu.Unlock()
}

func (m *Manager) deliver(batch []func(Observer)) {
	for _, fn := range batch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("observer panicked", "panic", r)
				}
			}()
			fn(m.observer)
		}()
	}
}

// settled reports whether every queued notification has been delivered.
func (m *Manager) settled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.notifying && len(m.pending) == 0
}
