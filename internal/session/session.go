package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/polls-live/internal/bus"
	"github.com/rickgao/polls-live/internal/clock"
	"github.com/rickgao/polls-live/internal/connection"
	"github.com/rickgao/polls-live/internal/model"
	"github.com/rickgao/polls-live/internal/reconcile"
)

const stateTopic = "state"

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("session stopped")

// API is the REST collaborator. *api.Client satisfies it.
type API interface {
	Snapshot(ctx context.Context) ([]model.Poll, error)
	CreatePoll(ctx context.Context, req model.CreatePoll) (*model.Poll, error)
	Vote(ctx context.Context, pollID, optionID int64, userID string) (*model.Vote, error)
	GetUserVote(ctx context.Context, pollID int64, userID string) (*model.Vote, error)
	ToggleLike(ctx context.Context, pollID int64, userID string) (*model.LikeResult, error)
	CheckUserLike(ctx context.Context, pollID int64, userID string) (bool, error)
}

// Config configures a Session.
type Config struct {
	Manager           connection.ManagerConfig
	UserID            string
	ResyncOnReconnect bool
	ResyncInterval    time.Duration // 0 disables periodic refetch
	SnapshotTimeout   time.Duration
}

// Option configures a Session.
type Option func(*options)

type options struct {
	clock         clock.Clock
	clientFactory connection.ClientFactory
	observer      connection.Observer
}

// WithClock sets the clock used for reconnect backoff and periodic resync.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithClientFactory replaces the websocket client constructor.
func WithClientFactory(f connection.ClientFactory) Option {
	return func(o *options) { o.clientFactory = f }
}

// WithObserver adds an observer of connection lifecycle events.
func WithObserver(obs connection.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Stats summarizes the session.
type Stats struct {
	Connection connection.ManagerStats
	Collection reconcile.Stats
	Bus        bus.Stats
	Snapshots  int64
	LastLoad   time.Time
}

// Session wires the event bus, connection manager and poll reconciler
// together and exposes the live poll list to a renderer.
type Session struct {
	cfg    Config
	api    API
	logger *slog.Logger
	clock  clock.Clock

	events   *bus.Bus[json.RawMessage]
	states   *bus.Bus[connection.State]
	manager  *connection.Manager
	polls    *reconcile.Reconciler[int64, model.Poll]
	bindings *bus.Group

	loads     singleflight.Group
	snapshots atomic.Int64
	opened    atomic.Bool

	// State changes wait here for the delivery goroutine so handlers
	// never run on a connection goroutine.
	stateMu     sync.Mutex
	stateQ      []connection.State
	dispatching bool

	mu          sync.RWMutex
	loading     bool
	loadErr     error
	lastLoad    time.Time
	stopped     bool
	resyncTimer clock.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Session. Nothing connects until Start.
func New(cfg Config, api API, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		api:    api,
		logger: logger,
		clock:  o.clock,
		ctx:    ctx,
		cancel: cancel,
	}

	s.events = bus.New[json.RawMessage](bus.WithLogger(logger.With("component", "bus")))
	s.states = bus.New[connection.State](bus.WithLogger(logger))
	s.polls = reconcile.New[int64, model.Poll](model.PollKey, logger.With("component", "reconciler"))
	s.bindings = s.polls.Bind(s.events, model.PollTopics...)

	managerOpts := []connection.Option{
		connection.WithClock(o.clock),
		connection.WithObserver(connection.Observers(
			connection.LogObserver(logger.With("component", "connection")),
			connection.ObserverFuncs{OnStateChanged: s.stateChanged},
			o.observer,
		)),
	}
	if o.clientFactory != nil {
		managerOpts = append(managerOpts, connection.WithClientFactory(o.clientFactory))
	}
	s.manager = connection.NewManager(cfg.Manager, s.events, logger.With("component", "connection"), managerOpts...)

	return s
}

// Start connects and loads the initial snapshot in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.loading = true
	s.mu.Unlock()

	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("start connection: %w", err)
	}

	s.goRefetch("initial")

	if s.cfg.ResyncInterval > 0 {
		s.scheduleResync()
	}

	s.logger.Info("session started",
		"user_id", s.cfg.UserID,
		"resync_on_reconnect", s.cfg.ResyncOnReconnect,
		"resync_interval", s.cfg.ResyncInterval,
	)
	return nil
}

// Stop disconnects and waits for background work, bounded by ctx.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.resyncTimer != nil {
		s.resyncTimer.Stop()
		s.resyncTimer = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.bindings.Unsubscribe()
	err := s.manager.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("session stopped")
	return err
}

// Refetch loads a fresh snapshot and replaces the collection. Concurrent
// calls share one request. A failure is recorded in LoadError and leaves the
// collection and connection untouched.
func (s *Session) Refetch(ctx context.Context) error {
	_, err, shared := s.loads.Do("snapshot", func() (any, error) {
		return nil, s.load(ctx)
	})
	if shared {
		s.logger.Debug("refetch coalesced")
	}
	return err
}

func (s *Session) load(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SnapshotTimeout)
	defer cancel()

	start := time.Now()
	polls, err := s.api.Snapshot(ctx)
	s.snapshots.Add(1)

	if err != nil {
		err = fmt.Errorf("load snapshot: %w", err)
		s.mu.Lock()
		s.loading = false
		s.loadErr = err
		s.mu.Unlock()
		s.logger.Warn("snapshot load failed", "error", err)
		return err
	}

	s.polls.Initialize(polls)

	s.mu.Lock()
	s.loading = false
	s.loadErr = nil
	s.lastLoad = s.clock.Now()
	s.mu.Unlock()

	s.logger.Debug("snapshot loaded",
		"polls", len(polls),
		"duration", time.Since(start),
	)
	return nil
}

// goRefetch runs Refetch on a tracked goroutine unless the session stopped.
func (s *Session) goRefetch(reason string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.logger.Debug("refetching snapshot", "reason", reason)
		s.Refetch(s.ctx)
	}()
}

func (s *Session) scheduleResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.resyncTimer = s.clock.AfterFunc(s.cfg.ResyncInterval, func() {
		s.goRefetch("interval")
		s.scheduleResync()
	})
}

func (s *Session) stateChanged(_, to connection.State) {
	s.stateMu.Lock()
	s.stateQ = append(s.stateQ, to)
	if !s.dispatching {
		s.dispatching = true
		go s.dispatchStates()
	}
	s.stateMu.Unlock()

	if to.Kind != connection.StateOpen {
		return
	}
	if s.opened.Swap(true) && s.cfg.ResyncOnReconnect {
		s.goRefetch("reconnect")
	}
}

// Polls returns the ordered poll list.
func (s *Session) Polls() []model.Poll {
	return s.polls.Query()
}

// Poll returns one poll by id.
func (s *Session) Poll(id int64) (model.Poll, bool) {
	return s.polls.Get(id)
}

// IsConnected reports whether the live connection is open.
func (s *Session) IsConnected() bool {
	return s.manager.IsOpen()
}

// State returns the connection state.
func (s *Session) State() connection.State {
	return s.manager.State()
}

// Loading reports whether a snapshot load is in flight.
func (s *Session) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// LoadError returns the error of the last snapshot load, or nil.
func (s *Session) LoadError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadErr
}

// UserID returns the identity used for votes and likes.
func (s *Session) UserID() string {
	return s.cfg.UserID
}

// Connect reopens the connection after it settled in Closed.
func (s *Session) Connect() {
	s.manager.Connect()
}

// Subscribe registers h for raw payloads on topic.
func (s *Session) Subscribe(topic string, h bus.Handler[json.RawMessage]) *bus.Subscription {
	return s.events.Subscribe(topic, h)
}

// Unsubscribe removes a handle returned by Subscribe. Unknown or already
// removed handles are ignored.
func (s *Session) Unsubscribe(sub *bus.Subscription) {
	s.events.Unsubscribe(sub)
}

// Events exposes the bus for components that consume every topic.
func (s *Session) Events() *bus.Bus[json.RawMessage] {
	return s.events
}

// OnChange registers fn to run after every change to the poll list.
func (s *Session) OnChange(fn func(reconcile.Change[model.Poll])) *bus.Subscription {
	return s.polls.OnChange(fn)
}

// dispatchStates publishes queued state changes in order until the queue is
// empty.
func (s *Session) dispatchStates() {
	for {
		s.stateMu.Lock()
		batch := s.stateQ
		s.stateQ = nil
		if len(batch) == 0 {
			s.dispatching = false
			s.stateMu.Unlock()
			return
		}
		s.stateMu.Unlock()

		for _, st := range batch {
			s.states.Publish(stateTopic, st)
		}
	}
}

// statesDelivered reports whether every state change has reached handlers.
func (s *Session) statesDelivered() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return !s.dispatching && len(s.stateQ) == 0
}

// OnStateChange registers fn to run on every connection state transition.
// Handlers run in transition order on a goroutine of their own and may call
// Connect, Disconnect or Stop.
func (s *Session) OnStateChange(fn func(connection.State)) *bus.Subscription {
	return s.states.Subscribe(stateTopic, func(st connection.State) error {
		fn(st)
		return nil
	})
}

// Send writes a control frame on the live connection.
func (s *Session) Send(topic string, payload any) error {
	return s.manager.Send(topic, payload)
}

// CreatePoll creates a poll as the session user. The new poll arrives in the
// list through the poll_created event.
func (s *Session) CreatePoll(ctx context.Context, req model.CreatePoll) (*model.Poll, error) {
	if req.CreatedBy == "" {
		req.CreatedBy = s.cfg.UserID
	}
	return s.api.CreatePoll(ctx, req)
}

// Vote casts the session user's vote. Counts update through vote_update.
func (s *Session) Vote(ctx context.Context, pollID, optionID int64) error {
	_, err := s.api.Vote(ctx, pollID, optionID, s.cfg.UserID)
	return err
}

// UserVote returns the session user's vote on a poll, or nil.
func (s *Session) UserVote(ctx context.Context, pollID int64) (*model.Vote, error) {
	return s.api.GetUserVote(ctx, pollID, s.cfg.UserID)
}

// ToggleLike flips the session user's like on a poll.
func (s *Session) ToggleLike(ctx context.Context, pollID int64) (*model.LikeResult, error) {
	return s.api.ToggleLike(ctx, pollID, s.cfg.UserID)
}

// IsLiked reports whether the session user likes a poll.
func (s *Session) IsLiked(ctx context.Context, pollID int64) (bool, error) {
	return s.api.CheckUserLike(ctx, pollID, s.cfg.UserID)
}

// Stats returns current statistics.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	lastLoad := s.lastLoad
	s.mu.RUnlock()

	return Stats{
		Connection: s.manager.Stats(),
		Collection: s.polls.Stats(),
		Bus:        s.events.Stats(),
		Snapshots:  s.snapshots.Load(),
		LastLoad:   lastLoad,
	}
}
