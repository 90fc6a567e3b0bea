package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"labelflow/internal/auth"
	"labelflow/internal/logging"
	"labelflow/internal/models"
	"labelflow/internal/presence"
	"labelflow/internal/repository"
	"labelflow/internal/services"
	"labelflow/internal/services/collaboration"
	"labelflow/internal/testutil"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	srv    *httptest.Server
	hub    *collaboration.Hub
	store  *presence.MemoryStore
	clock  *testutil.Clock
	tokens map[string]string // username -> token
}

func newAPIFixture(t *testing.T, checks map[string]Pinger) *apiFixture {
	t.Helper()
	logger := logging.Discard()
	ctx := context.Background()

	gdb := testutil.NewSQLiteDB(t)
	users := repository.NewUserRepository(gdb)
	clock := testutil.NewClock(time.Time{})

	tokenSvc := auth.NewTokenService("test-secret", users)
	tokenSvc.SetClock(clock.Now)

	f := &apiFixture{clock: clock, tokens: map[string]string{}}
	for _, u := range []*models.User{
		{Username: "alice", IsActive: true},
		{Username: "bob", IsActive: true},
		{Username: "root", IsActive: true, IsAdmin: true},
	} {
		require.NoError(t, users.Create(ctx, u))
		token, err := tokenSvc.IssueToken(u.ID, time.Hour)
		require.NoError(t, err)
		f.tokens[u.Username] = token
	}

	lockSvc := services.NewLockService(repository.NewLockRepository(gdb), users, 30*time.Minute, logger)
	lockSvc.SetClock(clock.Now)

	f.hub = collaboration.NewHub(logger)
	f.store = presence.NewMemoryStore(30*time.Second, presence.WithClock(clock.Now))
	sweeper := collaboration.NewSweeper(f.store, f.hub, time.Hour, time.Second, logger)
	wsHandler := collaboration.NewWebSocketHandler(f.hub, f.store, sweeper, tokenSvc,
		collaboration.HandlerOptions{StoreTimeout: time.Second}, logger)

	h := NewHandler(lockSvc, f.hub, f.store, wsHandler, checks, time.Second, logger)
	f.srv = httptest.NewServer(SetupRoutes(h, auth.RequireUser(tokenSvc, logger), []string{"*"}, logger))

	t.Cleanup(func() {
		f.hub.Shutdown()
		sweeper.Shutdown()
		f.srv.Close()
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, user string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[user])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), "body: %s", body)
	return v
}

func nextFrame(t *testing.T, conn *collaboration.Connection) map[string]any {
	t.Helper()
	select {
	case raw := <-conn.Messages():
		return decode[map[string]any](t, raw)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast")
		return nil
	}
}

func TestLockScenario(t *testing.T) {
	f := newAPIFixture(t, nil)
	watcher := collaboration.NewConnection(nil, 16)
	f.hub.Register(watcher, "img-1", "u-watch", "watcher")

	status, body := f.do(t, http.MethodPost, "/api/locks/images/img-1/acquire", "alice")
	require.Equal(t, http.StatusOK, status)
	res := decode[LockResponse](t, body)
	assert.True(t, res.Success)
	require.NotNil(t, res.Lock)
	assert.Equal(t, "alice", res.Lock.LockedByUsername)
	assert.True(t, res.Lock.ExpiresAt.Equal(f.clock.Now().Add(30*time.Minute)))

	event := nextFrame(t, watcher)
	assert.Equal(t, "image_locked", event["type"])
	assert.Equal(t, "alice", event["username"])
	assert.NotEmpty(t, event["expires_at"])

	status, body = f.do(t, http.MethodPost, "/api/locks/images/img-1/acquire", "bob")
	require.Equal(t, http.StatusOK, status)
	res = decode[LockResponse](t, body)
	assert.False(t, res.Success)
	assert.Equal(t, "Image is locked by alice", res.Message)

	status, body = f.do(t, http.MethodPost, "/api/locks/images/img-1/release?force=true", "bob")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Cannot unlock - locked by alice", decode[errorResponse](t, body).Detail)

	status, _ = f.do(t, http.MethodPost, "/api/locks/images/img-1/release", "alice")
	require.Equal(t, http.StatusOK, status)
	event = nextFrame(t, watcher)
	assert.Equal(t, "image_unlocked", event["type"])
	assert.Equal(t, "alice", event["username"])

	status, body = f.do(t, http.MethodPost, "/api/locks/images/img-1/acquire", "bob")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[LockResponse](t, body).Success)

	status, body = f.do(t, http.MethodGet, "/api/locks/images/img-1", "alice")
	require.Equal(t, http.StatusOK, status)
	info := decode[*models.LockInfo](t, body)
	require.NotNil(t, info)
	assert.Equal(t, "bob", info.LockedByUsername)
}

func TestRefreshAndForceRelease(t *testing.T) {
	f := newAPIFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/api/locks/images/img-1/refresh", "alice")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "No lock exists", decode[errorResponse](t, body).Detail)

	f.do(t, http.MethodPost, "/api/locks/images/img-1/acquire", "alice")

	status, body = f.do(t, http.MethodPost, "/api/locks/images/img-1/refresh", "bob")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "You don't own this lock", decode[errorResponse](t, body).Detail)

	status, _ = f.do(t, http.MethodPost, "/api/locks/images/img-1/refresh", "alice")
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodPost, "/api/locks/images/img-1/release?force=maybe", "root")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/locks/images/img-1/release?force=true", "root")
	assert.Equal(t, http.StatusOK, status)

	status, body = f.do(t, http.MethodGet, "/api/locks/images/img-1", "alice")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "null", strings.TrimSpace(string(body)))
}

func TestAdminEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)

	f.do(t, http.MethodPost, "/api/locks/images/img-1/acquire", "alice")
	f.do(t, http.MethodPost, "/api/locks/images/img-2/acquire", "alice")
	f.clock.Advance(31 * time.Minute)
	f.do(t, http.MethodPost, "/api/locks/images/img-3/acquire", "alice")

	status, _ := f.do(t, http.MethodPost, "/api/locks/cleanup", "alice")
	assert.Equal(t, http.StatusForbidden, status)

	status, body := f.do(t, http.MethodPost, "/api/locks/cleanup", "root")
	require.Equal(t, http.StatusOK, status)
	res := decode[messageResponse](t, body)
	require.NotNil(t, res.Count)
	assert.Equal(t, int64(2), *res.Count)

	status, body = f.do(t, http.MethodGet, "/api/locks/images/img-3", "root")
	require.Equal(t, http.StatusOK, status)
	alice := decode[*models.LockInfo](t, body).LockedBy

	status, _ = f.do(t, http.MethodDelete, "/api/locks/users/"+alice, "bob")
	assert.Equal(t, http.StatusForbidden, status)

	status, body = f.do(t, http.MethodDelete, "/api/locks/users/"+alice, "root")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), *decode[messageResponse](t, body).Count)
}

func TestLockRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t, nil)

	status, _ := f.do(t, http.MethodPost, "/api/locks/images/img-1/acquire", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodGet, "/api/collaboration/images/img-1/users", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestActiveUsersEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.Join(ctx, "img-1", "u-b", "bob")
	require.NoError(t, err)
	_, err = f.store.Join(ctx, "img-1", "u-a", "alice")
	require.NoError(t, err)
	f.hub.Register(collaboration.NewConnection(nil, 1), "img-1", "u-a", "alice")

	status, body := f.do(t, http.MethodGet, "/api/collaboration/images/img-1/users", "alice")
	require.Equal(t, http.StatusOK, status)
	res := decode[activeUsersResponse](t, body)
	assert.Equal(t, []models.ActiveUser{
		{UserID: "u-a", Username: "alice"},
		{UserID: "u-b", Username: "bob"},
	}, res.Users)
	assert.Equal(t, 1, res.Connections)

	status, body = f.do(t, http.MethodGet, "/api/collaboration/images/img-2/users", "alice")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"image_id":"img-2","users":[],"connections":0}`, string(body))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, map[string]Pinger{
		"database": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	status, body := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.JSONEq(t, `{"status":"degraded","checks":{"database":"ok","redis":"connection refused"}}`, string(body))
}

func TestWebSocketThroughRouter(t *testing.T) {
	f := newAPIFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/collaboration/img-1?token=" + f.tokens["alice"]
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg models.ActiveUsersMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, models.MessageTypeActiveUsers, msg.Type)
	require.Len(t, msg.Users, 1)
	assert.Equal(t, "alice", msg.Users[0].Username)
}
