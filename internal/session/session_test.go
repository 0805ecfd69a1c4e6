package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/polls-live/internal/clock"
	"github.com/rickgao/polls-live/internal/connection"
	"github.com/rickgao/polls-live/internal/model"
	"github.com/rickgao/polls-live/internal/reconcile"
)

type fakeAPI struct {
	mu       sync.Mutex
	polls    []model.Poll
	err      error
	block    chan struct{}
	calls    atomic.Int64
	votes    []model.VoteRequest
	created  []model.CreatePoll
	likeUser string
}

func (a *fakeAPI) Snapshot(ctx context.Context) ([]model.Poll, error) {
	a.calls.Add(1)
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return append([]model.Poll(nil), a.polls...), nil
}

func (a *fakeAPI) setPolls(p ...model.Poll) {
	a.mu.Lock()
	a.polls = p
	a.mu.Unlock()
}

func (a *fakeAPI) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *fakeAPI) CreatePoll(_ context.Context, req model.CreatePoll) (*model.Poll, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, req)
	return &model.Poll{ID: 100, Title: req.Title, CreatedBy: req.CreatedBy}, nil
}

func (a *fakeAPI) Vote(_ context.Context, pollID, optionID int64, userID string) (*model.Vote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.votes = append(a.votes, model.VoteRequest{OptionID: optionID, UserID: userID})
	return &model.Vote{PollID: pollID, OptionID: optionID, UserID: userID}, nil
}

func (a *fakeAPI) GetUserVote(context.Context, int64, string) (*model.Vote, error) {
	return nil, nil
}

func (a *fakeAPI) ToggleLike(_ context.Context, _ int64, userID string) (*model.LikeResult, error) {
	a.mu.Lock()
	a.likeUser = userID
	a.mu.Unlock()
	return &model.LikeResult{IsLiked: true, LikeCount: 1}, nil
}

func (a *fakeAPI) CheckUserLike(context.Context, int64, string) (bool, error) {
	return false, nil
}

var errDialRefused = errors.New("dial refused")

type fakeClient struct {
	connectErr error
	messages   chan connection.TimestampedMessage
	errors     chan error
}

func (c *fakeClient) Connect(context.Context) error { return c.connectErr }
func (c *fakeClient) Close() error                  { return nil }
func (c *fakeClient) Send([]byte) error             { return nil }
func (c *fakeClient) IsConnected() bool             { return true }

func (c *fakeClient) Messages() <-chan connection.TimestampedMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error                           { return c.errors }

type clients struct {
	mu     sync.Mutex
	all    []*fakeClient
	refuse bool
}

func (cs *clients) factory(connection.ClientConfig, *slog.Logger) connection.Client {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := &fakeClient{
		messages: make(chan connection.TimestampedMessage, 16),
		errors:   make(chan error, 1),
	}
	if cs.refuse {
		c.connectErr = errDialRefused
	}
	cs.all = append(cs.all, c)
	return c
}

func (cs *clients) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.all)
}

func (cs *clients) last() *fakeClient {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.all[len(cs.all)-1]
}

func (c *fakeClient) push(topic string, data any) {
	payload, _ := json.Marshal(map[string]any{"type": topic, "data": data})
	c.messages <- connection.TimestampedMessage{Data: payload, ReceivedAt: time.Now()}
}

type fixture struct {
	session *Session
	api     *fakeAPI
	clients *clients
	clock   *clock.Fake
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		api:     &fakeAPI{},
		clients: &clients{},
		clock:   clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	cfg := Config{
		Manager:           connection.DefaultManagerConfig("ws://polls.test/ws"),
		UserID:            "user_test",
		ResyncOnReconnect: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f.session = New(cfg, f.api, quietLogger(),
		WithClock(f.clock),
		WithClientFactory(f.clients.factory),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.session.Stop(ctx)
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.session.IsConnected() && !f.session.Loading()
	}, time.Second, time.Millisecond)
}

func ids(polls []model.Poll) []int64 {
	out := make([]int64, len(polls))
	for i, p := range polls {
		out[i] = p.ID
	}
	return out
}

func TestSession_StartLoadsSnapshotAndAppliesEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.api.setPolls(model.Poll{ID: 2, Title: "b"}, model.Poll{ID: 1, Title: "a"})

	f.start(t)
	assert.Equal(t, []int64{2, 1}, ids(f.session.Polls()))

	c := f.clients.last()
	c.push(model.TopicPollCreated, model.Poll{ID: 3, Title: "c"})
	c.push(model.TopicVoteUpdate, model.Poll{ID: 1, Title: "a", TotalVotes: 4})
	c.push(model.TopicLikeUpdate, map[string]any{"like_count": 9})

	require.Eventually(t, func() bool {
		return f.session.Stats().Connection.FramesRouted == 3
	}, time.Second, time.Millisecond)

	assert.Equal(t, []int64{3, 2, 1}, ids(f.session.Polls()))
	p, ok := f.session.Poll(1)
	require.True(t, ok)
	assert.Equal(t, 4, p.TotalVotes)
	assert.Equal(t, int64(1), f.session.Stats().Collection.Rejected)
	assert.NoError(t, f.session.LoadError())
}

func TestSession_RefetchCoalescesConcurrentCalls(t *testing.T) {
	f := newFixture(t, nil)
	f.api.block = make(chan struct{})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.session.Refetch(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return f.api.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, f.session.Loading())
	close(f.api.block)
	wg.Wait()

	assert.LessOrEqual(t, f.api.calls.Load(), int64(2))
	assert.False(t, f.session.Loading())
}

func TestSession_LoadErrorLeavesConnectionAlone(t *testing.T) {
	f := newFixture(t, nil)
	f.api.setErr(io.ErrUnexpectedEOF)

	require.NoError(t, f.session.Start(context.Background()))
	require.Eventually(t, func() bool { return f.session.LoadError() != nil }, time.Second, time.Millisecond)

	assert.ErrorIs(t, f.session.LoadError(), io.ErrUnexpectedEOF)
	require.Eventually(t, f.session.IsConnected, time.Second, time.Millisecond)
	assert.False(t, f.session.Loading())

	f.api.setErr(nil)
	f.api.setPolls(model.Poll{ID: 1})
	require.NoError(t, f.session.Refetch(context.Background()))
	assert.NoError(t, f.session.LoadError())
	assert.Equal(t, []int64{1}, ids(f.session.Polls()))
}

func TestSession_ResyncsAfterReconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.api.setPolls(model.Poll{ID: 1})
	f.start(t)
	require.Equal(t, int64(1), f.api.calls.Load())

	f.api.setPolls(model.Poll{ID: 5}, model.Poll{ID: 1})
	f.clients.last().errors <- io.ErrUnexpectedEOF

	require.Eventually(t, func() bool {
		return f.session.State() == connection.State{Kind: connection.StateReconnecting, Attempt: 1}
	}, time.Second, time.Millisecond)
	assert.False(t, f.session.IsConnected())

	f.clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool { return f.api.calls.Load() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(f.session.Polls()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{5, 1}, ids(f.session.Polls()))
}

func TestSession_NoResyncWhenDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ResyncOnReconnect = false })
	f.start(t)

	f.clients.last().errors <- io.ErrUnexpectedEOF
	require.Eventually(t, func() bool {
		return f.session.State().Kind == connection.StateReconnecting
	}, time.Second, time.Millisecond)
	f.clock.Advance(2 * time.Second)
	require.Eventually(t, f.session.IsConnected, time.Second, time.Millisecond)

	assert.Never(t, func() bool { return f.api.calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSession_PeriodicResync(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ResyncInterval = time.Minute })
	f.start(t)
	require.Equal(t, int64(1), f.api.calls.Load())

	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.api.calls.Load() == 2 }, time.Second, time.Millisecond)

	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.api.calls.Load() == 3 }, time.Second, time.Millisecond)
}

func TestSession_SubscribeAndUnsubscribe(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	var got atomic.Int64
	sub := f.session.Subscribe(model.TopicLikeUpdate, func(json.RawMessage) error {
		got.Add(1)
		return nil
	})

	c := f.clients.last()
	c.push(model.TopicLikeUpdate, model.Poll{ID: 1, LikeCount: 1})
	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, time.Millisecond)

	f.session.Unsubscribe(sub)
	f.session.Unsubscribe(sub)
	c.push(model.TopicLikeUpdate, model.Poll{ID: 1, LikeCount: 2})
	require.Eventually(t, func() bool {
		return f.session.Stats().Connection.FramesRouted == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), got.Load())
}

func TestSession_Observers(t *testing.T) {
	f := newFixture(t, nil)

	var mu sync.Mutex
	var states []connection.StateKind
	f.session.OnStateChange(func(s connection.State) {
		mu.Lock()
		states = append(states, s.Kind)
		mu.Unlock()
	})
	var changes atomic.Int64
	f.session.OnChange(func(c reconcile.Change[model.Poll]) { changes.Add(1) })

	f.api.setPolls(model.Poll{ID: 1})
	f.start(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []connection.StateKind{connection.StateConnecting, connection.StateOpen}, states)
	mu.Unlock()
	assert.Equal(t, int64(1), changes.Load())
}

func TestSession_UserActions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	poll, err := f.session.CreatePoll(ctx, model.CreatePoll{Title: "Lunch?"})
	require.NoError(t, err)
	assert.Equal(t, "user_test", poll.CreatedBy)

	require.NoError(t, f.session.Vote(ctx, 1, 2))
	_, err = f.session.ToggleLike(ctx, 1)
	require.NoError(t, err)

	f.api.mu.Lock()
	defer f.api.mu.Unlock()
	assert.Equal(t, []model.VoteRequest{{OptionID: 2, UserID: "user_test"}}, f.api.votes)
	assert.Equal(t, "user_test", f.api.likeUser)
	assert.Equal(t, "user_test", f.session.UserID())
}

func TestSession_StopIsFinal(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	require.NoError(t, f.session.Stop(context.Background()))
	assert.False(t, f.session.IsConnected())
	assert.Equal(t, connection.ReasonIntentional, f.session.State().Reason)
	assert.True(t, errors.Is(f.session.Start(context.Background()), ErrStopped))
	require.NoError(t, f.session.Stop(context.Background()))
}

func TestSession_HandlerCanReconnectAfterGivingUp(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Manager.MaxReconnectAttempts = 0 })
	f.clients.refuse = true
	exhausted := connection.State{Kind: connection.StateClosed, Reason: connection.ReasonMaxAttempts}

	var retried atomic.Bool
	var closedSeen atomic.Int64
	f.session.OnStateChange(func(st connection.State) {
		if st != exhausted {
			return
		}
		closedSeen.Add(1)
		if !retried.Swap(true) {
			f.session.Connect()
		}
	})

	require.NoError(t, f.session.Start(context.Background()))

	require.Eventually(t, func() bool {
		return closedSeen.Load() == 2 && f.session.statesDelivered()
	}, time.Second, time.Millisecond)
	assert.Equal(t, 2, f.clients.count())
	assert.Equal(t, exhausted, f.session.State())
	assert.False(t, f.session.IsConnected())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.session.Stop(ctx))
}

func TestSession_HandlerCanStop(t *testing.T) {
	f := newFixture(t, nil)

	stopped := make(chan error, 1)
	f.session.OnStateChange(func(st connection.State) {
		if st.Kind != connection.StateOpen {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		stopped <- f.session.Stop(ctx)
	})

	require.NoError(t, f.session.Start(context.Background()))

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Stop from handler")
	}
	assert.Equal(t, connection.State{Kind: connection.StateClosed, Reason: connection.ReasonIntentional},
		f.session.State())
	assert.ErrorIs(t, f.session.Start(context.Background()), ErrStopped)
}
