package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-calling/config"
	"github.com/mossy-p/webrtc-calling/internal/presence"
	"github.com/mossy-p/webrtc-calling/internal/redis"
	"github.com/mossy-p/webrtc-calling/internal/signaling"
	"github.com/mossy-p/webrtc-calling/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	cfg    *config.Config
	users  *store.Store
	hub    *presence.Hub
	router *gin.Engine
	mr     *miniredis.Miniredis
}

func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Environment:    "test",
		AllowedOrigins: []string{"http://localhost:5173"},
		JWTSecret:      "test-secret",
		TokenTTL:       time.Hour,
		AdminUsername:  "root",
		WS: config.WSConfig{
			ReadLimit:  65536,
			PongWait:   5 * time.Second,
			PingPeriod: 4 * time.Second,
			WriteWait:  time.Second,
			SendBuffer: 64,
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	users, err := store.Open("file::memory:", true)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := testConfig()
	hub := presence.NewHub()
	env := &testEnv{cfg: cfg, users: users, hub: hub, mr: mr}
	env.router = NewRouter(Deps{
		Config:   cfg,
		Users:    users,
		Denylist: redis.NewDenylist(client),
		Hub:      hub,
		Relay:    signaling.NewRelay(hub),
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) signup(t *testing.T, username string) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/auth/signup", map[string]string{
		"fullName": username + " test",
		"username": username,
		"password": "secret123",
		"email":    username + "@example.com",
		"gender":   "other",
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("signup %s: %d %s", username, w.Code, w.Body.String())
	}
}

type loginResult struct {
	Token string `json:"token"`
	User  struct {
		ID       string `json:"_id"`
		Username       string `json:"username"`
		IsAdmin        bool   `json:"isAdmin"`
		ProfilePicture string `json:"profilePicture"`
	} `json:"user"`
}

func (e *testEnv) login(t *testing.T, username string) loginResult {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": "secret123",
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", username, w.Code, w.Body.String())
	}
	var res loginResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	return res
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return m
}
