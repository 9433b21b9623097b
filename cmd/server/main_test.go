package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/deepgram/stagehand/internal/config"
	"github.com/deepgram/stagehand/internal/services"
	"github.com/deepgram/stagehand/internal/services/tokens"
	"github.com/gorilla/websocket"
)

const (
	testUserID  = "80351110224678912"
	testGuildID = "613425648685547541"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/users/@me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer valid-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"` + testUserID + `","username":"nelly"}`))
	})
	mux.HandleFunc("/users/"+testUserID+"/guilds", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "backend-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`[{"id":` + testGuildID + `,"name":"Lounge"}]`))
	})
	mux.HandleFunc("/guilds/"+testGuildID+"/player", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user_id") != testUserID {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"playing":true,"track":{"id":"t1"}}`))
	})
	mux.HandleFunc("/guilds/"+testGuildID+"/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"track":{"id":"t2"}}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.ReadMessage()
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cleanup := config.SetSessionSecret([]byte("test-secret-key-for-server-tests"))
	t.Cleanup(cleanup)

	redisServer := miniredis.RunT(t)
	upstream := newUpstream(t)

	cfg := &config.Config{
		Port:      "0",
		PublicURL: "http://localhost",
		Discord: config.DiscordConfig{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURI:  "http://localhost/auth/callback",
			Scopes:       []string{"identify", "guilds"},
			APIURL:       upstream.URL,
		},
		Backend: config.BackendConfig{
			APIURL: upstream.URL,
			APIKey: "backend-key",
			WSURLs: []string{"ws" + strings.TrimPrefix(upstream.URL, "http")},
		},
		RedisURL: redisServer.Addr(),
		Session: config.SessionConfig{
			Enabled:    true,
			TTL:        time.Hour,
			CookieName: "test_session",
		},
		CookieEncryptionPassword: "cookie-password",
	}

	svcs, err := services.InitializeServices(cfg)
	if err != nil {
		t.Fatalf("Failed to initialize services: %v", err)
	}
	t.Cleanup(svcs.Close)

	server := httptest.NewServer(setupRouter(svcs))
	t.Cleanup(server.Close)
	return server
}

func get(t *testing.T, url string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestMainServer(t *testing.T) {
	server := newTestServer(t)
	access := &http.Cookie{Name: tokens.AccessTokenCookie, Value: "valid-access"}

	t.Run("health endpoint", func(t *testing.T) {
		resp := get(t, server.URL+"/healthz")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status code %d, got %d", http.StatusOK, resp.StatusCode)
		}
		var health map[string]string
		json.NewDecoder(resp.Body).Decode(&health)
		if health["redis"] != "ok" || health["sessions"] != "redis" {
			t.Errorf("Unexpected health %v", health)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Error("Expected request id header")
		}
	})

	t.Run("login redirects to identity provider", func(t *testing.T) {
		resp := get(t, server.URL+"/auth/login?redirect=/dashboard")
		if resp.StatusCode != http.StatusFound || !strings.Contains(resp.Header.Get("Location"), "/oauth2/authorize") {
			t.Errorf("Unexpected login response %d %q", resp.StatusCode, resp.Header.Get("Location"))
		}
	})

	t.Run("api requires authentication", func(t *testing.T) {
		resp := get(t, server.URL+"/api/me")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected status code %d, got %d", http.StatusUnauthorized, resp.StatusCode)
		}
	})

	t.Run("me returns user and mutual guilds", func(t *testing.T) {
		resp := get(t, server.URL+"/api/me", access)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status code %d, got %d", http.StatusOK, resp.StatusCode)
		}

		var body struct {
			User struct {
				ID string `json:"id"`
			} `json:"user"`
			Guilds []struct {
				ID string `json:"id"`
			} `json:"guilds"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if body.User.ID != testUserID || len(body.Guilds) != 1 || body.Guilds[0].ID != testGuildID {
			t.Errorf("Unexpected body %+v", body)
		}

		names := map[string]bool{}
		for _, c := range resp.Cookies() {
			names[c.Name] = true
		}
		if !names["encrypted_mutual_guilds"] || !names["guild_cache_timestamp"] {
			t.Error("Expected guild cache cookies to be written")
		}
	})

	t.Run("player status is proxied", func(t *testing.T) {
		resp := get(t, server.URL+"/api/guilds/"+testGuildID+"/player", access)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status code %d, got %d", http.StatusOK, resp.StatusCode)
		}
		var status map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&status)
		if status["playing"] != true {
			t.Errorf("Unexpected status %v", status)
		}
	})

	t.Run("player events are bridged as SSE", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/guilds/"+testGuildID+"/player/events", nil)
		req.AddCookie(access)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to open stream: %v", err)
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
			t.Fatalf("Expected event stream, got %q", ct)
		}

		var frames []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
				frames = append(frames, strings.TrimPrefix(line, "data: "))
			}
		}

		expected := []string{`{"type":"connected"}`, `{"track":{"id":"t2"}}`, `{"type":"disconnected"}`}
		if strings.Join(frames, "|") != strings.Join(expected, "|") {
			t.Errorf("Unexpected frames %v", frames)
		}
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		resp := get(t, server.URL+"/invalid")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected status code %d, got %d", http.StatusNotFound, resp.StatusCode)
		}
	})
}

func TestRunShutsDown(t *testing.T) {
	server := newServer("127.0.0.1:0", http.NotFoundHandler())

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- run(ctx, server) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not shut down")
	}
}
