package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dmchat/internal/domain"
	"dmchat/internal/live"
	"dmchat/internal/security"
	"dmchat/internal/service"
	"dmchat/internal/store/sqlite"
)

type wsFixture struct {
	server   *httptest.Server
	registry *live.Registry
	tokens   *security.TokenService
	users    *sqlite.UserRepo
}

func newWSFixture(t *testing.T, origins []string) *wsFixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	log := zap.NewNop()
	users := sqlite.NewUserRepo(db)
	mirror := live.NewPresenceMirror("users", service.NewStoredPresence(users), 0, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mirror.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f := &wsFixture{
		registry: live.NewRegistry(log, live.WithPresenceHook(mirror)),
		tokens:   security.NewTokenService("secret", time.Hour),
		users:    users,
	}
	f.server = httptest.NewServer(NewHandler(f.registry, f.tokens, f.users, nil, origins, log))
	t.Cleanup(f.server.Close)
	return f
}

func (f *wsFixture) user(t *testing.T, name string) (*domain.User, string) {
	t.Helper()
	u := &domain.User{Username: name, FullName: name, HashedPassword: "x", IsActive: true}
	require.NoError(t, f.users.Create(context.Background(), u))
	tok, err := f.tokens.Issue(u.ID)
	require.NoError(t, err)
	return u, tok
}

func (f *wsFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	dialer := websocket.Dialer{Subprotocols: []string{"bearer", token}}
	c, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, "bearer", resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { c.Close() })
	return c
}

func (f *wsFixture) storedOnline(userID int64, want bool) func() bool {
	return func() bool {
		u, err := f.users.GetByID(context.Background(), userID)
		return err == nil && u.IsOnline == want
	}
}

// nextOnline reads frames until a getOnlineUsers event arrives.
func nextOnline(t *testing.T, c *websocket.Conn) []int64 {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		ev, err := live.ParseEvent(data)
		require.NoError(t, err)
		if ev.Name != live.EventOnlineUsers {
			continue
		}
		var ids []int64
		require.NoError(t, ev.Decode(&ids))
		return ids
	}
}

func TestHandler_PresenceLifecycle(t *testing.T) {
	f := newWSFixture(t, nil)
	alice, aliceTok := f.user(t, "alice")
	bob, bobTok := f.user(t, "bob")

	a := f.dial(t, aliceTok)
	assert.Equal(t, []int64{alice.ID}, nextOnline(t, a))

	b := f.dial(t, bobTok)
	assert.Equal(t, []int64{alice.ID, bob.ID}, nextOnline(t, a))
	assert.Equal(t, []int64{alice.ID, bob.ID}, nextOnline(t, b))

	require.Eventually(t, f.storedOnline(bob.ID, true), 3*time.Second, 20*time.Millisecond)

	require.NoError(t, b.Close())
	assert.Equal(t, []int64{alice.ID}, nextOnline(t, a))

	require.Eventually(t, f.storedOnline(bob.ID, false), 3*time.Second, 20*time.Millisecond)
}

func TestHandler_DrainClearsStoredPresence(t *testing.T) {
	f := newWSFixture(t, nil)
	alice, aliceTok := f.user(t, "alice")
	bob, bobTok := f.user(t, "bob")

	a := f.dial(t, aliceTok)
	nextOnline(t, a)
	b := f.dial(t, bobTok)
	nextOnline(t, b)
	require.Eventually(t, f.storedOnline(alice.ID, true), 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, f.storedOnline(bob.ID, true), 3*time.Second, 20*time.Millisecond)

	f.registry.Close()

	require.Eventually(t, f.storedOnline(alice.ID, false), 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, f.storedOnline(bob.ID, false), 3*time.Second, 20*time.Millisecond)
	assert.Zero(t, f.registry.Len())
}

func TestHandler_ReplacementKeepsNewest(t *testing.T) {
	f := newWSFixture(t, nil)
	alice, tok := f.user(t, "alice")

	first := f.dial(t, tok)
	nextOnline(t, first)
	firstSink, ok := f.registry.Lookup(alice.ID)
	require.True(t, ok)

	second := f.dial(t, tok)
	assert.Equal(t, []int64{alice.ID}, nextOnline(t, second))

	require.NoError(t, first.Close())
	assert.Equal(t, []int64{alice.ID}, nextOnline(t, second))

	sink, ok := f.registry.Lookup(alice.ID)
	require.True(t, ok)
	assert.NotSame(t, firstSink, sink)

	require.Eventually(t, f.storedOnline(alice.ID, true), 3*time.Second, 20*time.Millisecond)
	assert.Never(t, f.storedOnline(alice.ID, false), 300*time.Millisecond, 20*time.Millisecond)
}

func TestHandler_RejectsBeforeUpgrade(t *testing.T) {
	f := newWSFixture(t, []string{"https://chat.example.com"})
	_, tok := f.user(t, "alice")
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")

	tests := []struct {
		name   string
		header http.Header
		protos []string
		status int
	}{
		{"missing token", nil, nil, http.StatusUnauthorized},
		{"bad token", nil, []string{"bearer", "not-a-token"}, http.StatusUnauthorized},
		{"foreign origin", http.Header{"Origin": {"https://evil.example.com"}}, []string{"bearer", tok}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := websocket.Dialer{Subprotocols: tt.protos}
			_, resp, err := dialer.Dial(url, tt.header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Zero(t, f.registry.Len())
}

func TestHandler_ClientFramesGetError(t *testing.T) {
	f := newWSFixture(t, nil)
	_, tok := f.user(t, "alice")
	c := f.dial(t, tok)
	nextOnline(t, c)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"event":"send"}`)))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	ev, err := live.ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, live.EventError, ev.Name)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	tok, err := extractTokenFromWSRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "q", tok)

	r.Header.Set("Sec-WebSocket-Protocol", "bearer, p")
	tok, _ = extractTokenFromWSRequest(r)
	assert.Equal(t, "p", tok)

	r.Header.Set("Authorization", "Bearer h")
	tok, _ = extractTokenFromWSRequest(r)
	assert.Equal(t, "h", tok)
}
