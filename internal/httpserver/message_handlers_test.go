package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dmchat/internal/config"
	"dmchat/internal/live"
	"dmchat/internal/security"
	"dmchat/internal/service"
	"dmchat/internal/store/sqlite"
)

type apiFixture struct {
	t      *testing.T
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	log := zaptest.NewLogger(t)
	enc, err := security.NewEncryptor([]byte("k"), nil)
	require.NoError(t, err)
	tokens := security.NewTokenService("secret", time.Hour)
	users := sqlite.NewUserRepo(db)
	registry := live.NewRegistry(log)

	h := NewRouter(Deps{
		Config:   &config.Config{UploadDir: t.TempDir(), CORSOrigins: []string{"*"}},
		Log:      log,
		Tokens:   tokens,
		Users:    users,
		Auth:     service.NewAuthService(users, tokens, security.NewPasswordHasher(4)),
		Profiles: service.NewUserService(users, registry),
		Messages: service.NewMessageService(sqlite.NewMessageRepo(db), users, enc,
			live.NewDispatcher(registry, nil), log),
	})
	f := &apiFixture{t: t, server: httptest.NewServer(h)}
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) do(method, path, token string, body any) (int, []byte) {
	f.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rdr)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	return resp.StatusCode, data
}

// register returns the new user's id and token.
func (f *apiFixture) register(name string) (int64, string) {
	f.t.Helper()
	status, data := f.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": name,
		"password": "secret123",
	})
	require.Equal(f.t, http.StatusCreated, status, string(data))
	var resp service.TokenResponse
	require.NoError(f.t, json.Unmarshal(data, &resp))
	return resp.User.ID, resp.AccessToken
}

func TestMessagesAPI_Flow(t *testing.T) {
	f := newAPIFixture(t)
	aliceID, aliceTok := f.register("alice")
	bobID, bobTok := f.register("bob")

	status, data := f.do(http.MethodPost, "/api/messages/send/"+itoa(bobID), aliceTok, map[string]string{"text": "hi bob"})
	require.Equal(t, http.StatusCreated, status, string(data))
	var sent service.MessageResponse
	require.NoError(t, json.Unmarshal(data, &sent))
	assert.Equal(t, "hi bob", sent.Text)
	assert.Equal(t, aliceID, sent.SenderID)

	status, data = f.do(http.MethodGet, "/api/messages/users", bobTok, nil)
	require.Equal(t, http.StatusOK, status)
	var sidebar struct {
		Users []struct {
			ID int64 `json:"id"`
		} `json:"users"`
		Unseen map[string]int `json:"unseen"`
	}
	require.NoError(t, json.Unmarshal(data, &sidebar))
	require.Len(t, sidebar.Users, 1)
	assert.Equal(t, aliceID, sidebar.Users[0].ID)
	assert.Equal(t, 1, sidebar.Unseen[itoa(aliceID)])

	status, _ = f.do(http.MethodPut, "/api/messages/mark/"+itoa(sent.ID), aliceTok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = f.do(http.MethodPut, "/api/messages/mark/"+itoa(sent.ID), bobTok, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, data = f.do(http.MethodGet, "/api/messages/"+itoa(aliceID), bobTok, nil)
	require.Equal(t, http.StatusOK, status)
	var history []service.MessageResponse
	require.NoError(t, json.Unmarshal(data, &history))
	require.Len(t, history, 1)
	assert.True(t, history[0].Seen)

	status, data = f.do(http.MethodPut, "/api/messages/mark-all/"+itoa(aliceID), bobTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"updated":0}`, string(data))
}

func TestMessagesAPI_Errors(t *testing.T) {
	f := newAPIFixture(t)
	_, tok := f.register("alice")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
	}{
		{"no token", http.MethodGet, "/api/messages/users", "", nil, http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/messages/users", "nope", nil, http.StatusUnauthorized},
		{"empty message", http.MethodPost, "/api/messages/send/1", tok, map[string]string{"text": " "}, http.StatusBadRequest},
		{"unknown receiver", http.MethodPost, "/api/messages/send/999", tok, map[string]string{"text": "hey"}, http.StatusNotFound},
		{"bad peer id", http.MethodGet, "/api/messages/abc", tok, nil, http.StatusBadRequest},
		{"unknown message", http.MethodPut, "/api/messages/mark/77", tok, nil, http.StatusNotFound},
		{"duplicate user", http.MethodPost, "/api/auth/register", "", map[string]string{"username": "alice", "password": "secret123"}, http.StatusConflict},
		{"wrong password", http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "wrong"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, data := f.do(tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.status, status, string(data))
		})
	}
}

func TestUploadImage(t *testing.T) {
	f := newAPIFixture(t)
	_, tok := f.register("alice")

	upload := func(name string) (int, map[string]string) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, _ = fw.Write([]byte("\x89PNG fake"))
		require.NoError(t, mw.Close())

		req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/uploads/", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	status, out := upload("cat.PNG")
	require.Equal(t, http.StatusCreated, status)
	assert.Contains(t, out["image"], ".png")

	status, data := f.do(http.MethodGet, out["image"], tok, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "\x89PNG fake", string(data))

	status, _ = upload("script.sh")
	assert.Equal(t, http.StatusBadRequest, status)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
