package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/polls-live/internal/config"
	"github.com/rickgao/polls-live/internal/connection"
	"github.com/rickgao/polls-live/internal/model"
	"github.com/rickgao/polls-live/internal/reconcile"
	"github.com/rickgao/polls-live/internal/session"
)

func TestParsePollIDs(t *testing.T) {
	ids, err := parsePollIDs(" 1, 22 ,3")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 22, 3}, ids)

	ids, err = parsePollIDs("")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = parsePollIDs("1,abc")
	assert.Error(t, err)
	_, err = parsePollIDs("0")
	assert.Error(t, err)
}

func TestSessionConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Realtime.URL = "wss://polls.example.com/ws"
	cfg.Realtime.MaxReconnectAttempts = 3
	cfg.Realtime.ReconnectBaseDelay = 250 * time.Millisecond
	cfg.Session.ResyncInterval = time.Minute
	off := false
	cfg.Session.ResyncOnReconnect = &off

	sc := sessionConfig(cfg)
	assert.Equal(t, "wss://polls.example.com/ws", sc.Manager.Client.URL)
	assert.Equal(t, 3, sc.Manager.MaxReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, sc.Manager.ReconnectBaseDelay)
	assert.Equal(t, cfg.Realtime.BufferSize, sc.Manager.Client.BufferSize)
	assert.Equal(t, cfg.User.ID, sc.UserID)
	assert.False(t, sc.ResyncOnReconnect)
	assert.Equal(t, time.Minute, sc.ResyncInterval)
}

func TestJournalConfig(t *testing.T) {
	cfg := config.Default()

	id := uuid.New()
	cfg.Instance.ID = id.String()
	assert.Equal(t, id, journalConfig(cfg).SessionID)

	cfg.Instance.ID = "watcher-1"
	jc := journalConfig(cfg)
	assert.NotEqual(t, uuid.Nil, jc.SessionID)
	assert.Equal(t, cfg.Journal.BatchSize, jc.BatchSize)
}

func TestRenderer(t *testing.T) {
	polls := []model.Poll{
		{ID: 2, Title: "Tabs or spaces?", TotalVotes: 4, LikeCount: 1, Options: []model.Option{
			{Text: "Tabs", VoteCount: 1},
			{Text: "Spaces", VoteCount: 3},
		}},
		{ID: 1, Title: "Empty"},
	}

	var buf bytes.Buffer
	r := newRenderer(&buf, func() []model.Poll { return polls })

	r.change(reconcile.Change[model.Poll]{Kind: reconcile.ChangeReset, Len: 2})
	out := buf.String()
	assert.Contains(t, out, "Tabs or spaces?")
	assert.Contains(t, out, "Spaces (75%)")
	assert.Contains(t, out, "(2 polls)")

	buf.Reset()
	r.change(reconcile.Change[model.Poll]{Kind: reconcile.ChangeInserted, Item: polls[1]})
	assert.Equal(t, "+ #1 \"Empty\" votes=0 likes=0 leading=-\n", buf.String())

	buf.Reset()
	r.change(reconcile.Change[model.Poll]{Kind: reconcile.ChangeUpdated, Item: polls[0]})
	assert.Contains(t, buf.String(), "~ #2")

	buf.Reset()
	r.state(connection.State{Kind: connection.StateReconnecting, Attempt: 2})
	assert.Equal(t, "* connection reconnecting(2)\n", buf.String())
}

type stubAPI struct{}

func (stubAPI) Snapshot(context.Context) ([]model.Poll, error) { return nil, nil }
func (stubAPI) CreatePoll(context.Context, model.CreatePoll) (*model.Poll, error) {
	return nil, nil
}
func (stubAPI) Vote(context.Context, int64, int64, string) (*model.Vote, error) { return nil, nil }
func (stubAPI) GetUserVote(context.Context, int64, string) (*model.Vote, error) {
	return nil, nil
}
func (stubAPI) ToggleLike(context.Context, int64, string) (*model.LikeResult, error) {
	return nil, nil
}
func (stubAPI) CheckUserLike(context.Context, int64, string) (bool, error) { return false, nil }

func TestHealthHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess := session.New(session.Config{
		Manager: connection.DefaultManagerConfig("ws://localhost:1/ws"),
		UserID:  "user_test",
	}, stubAPI{}, logger)

	handler := createHealthHandler(sess, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status     string                     `json:"status"`
		Components map[string]json.RawMessage `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.JSONEq(t, `{"state":"idle"}`, string(health.Components["connection"]))
	assert.NotContains(t, health.Components, "journal")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/polls", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var debug struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &debug))
	assert.Equal(t, 0, debug.Count)
}
