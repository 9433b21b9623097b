package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deepgram/stagehand/internal/auth"
	"github.com/deepgram/stagehand/internal/connections"
	"github.com/gorilla/websocket"
)

type socketDialer struct {
	url string
	err error
}

func (d *socketDialer) DialEvents(ctx context.Context, guildID, userID auth.Snowflake) (*websocket.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	return conn, err
}

func newBackend(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func closeNormally(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	// Wait for the peer to acknowledge
	_, _, _ = conn.ReadMessage()
}

func TestStreamRelaysMessages(t *testing.T) {
	url := newBackend(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"track":{"id":"a"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{\n\"track\":{\"id\":\"b\"}}"))
		closeNormally(conn)
	})

	manager := connections.NewManager(connections.DefaultTimeouts)
	service := NewService(&socketDialer{url: url}, manager)

	w := httptest.NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := service.Stream(ctx, w, 1, 2); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	expected := "data: {\"type\":\"connected\"}\n\n" +
		"data: {\"track\":{\"id\":\"a\"}}\n\n" +
		"data: {\ndata: \"track\":{\"id\":\"b\"}}\n\n" +
		"data: {\"type\":\"disconnected\"}\n\n"
	if got := w.Body.String(); got != expected {
		t.Errorf("Unexpected stream body:\n%q\nwant\n%q", got, expected)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %q", ct)
	}
	if manager.GetConnectionCount() != 0 {
		t.Error("Expected connection to be released")
	}
}

func TestStreamDialFailure(t *testing.T) {
	dialErr := errors.New("no instance")
	service := NewService(&socketDialer{err: dialErr}, connections.NewManager(connections.DefaultTimeouts))

	w := httptest.NewRecorder()
	err := service.Stream(context.Background(), w, 1, 2)
	if !errors.Is(err, dialErr) {
		t.Errorf("Expected dial error, got %v", err)
	}
	if !strings.Contains(w.Body.String(), `"type":"error"`) {
		t.Errorf("Expected error frame, got %q", w.Body.String())
	}
}

func TestStreamSendsPings(t *testing.T) {
	pinged := make(chan string, 1)
	url := newBackend(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			pinged <- string(data)
		}
		closeNormally(conn)
	})

	manager := connections.NewManager(connections.TimeoutConfig{PingPeriod: 20 * time.Millisecond, WriteWait: time.Second})
	service := NewService(&socketDialer{url: url}, manager)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := service.Stream(ctx, httptest.NewRecorder(), 1, 2); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	select {
	case payload := <-pinged:
		if payload != `{"type":"ping"}` {
			t.Errorf("Unexpected ping payload %q", payload)
		}
	default:
		t.Error("Expected backend to receive a ping")
	}
}

func TestStreamEndsOnClientAbort(t *testing.T) {
	released := make(chan struct{})
	url := newBackend(t, func(conn *websocket.Conn) {
		defer close(released)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	service := NewService(&socketDialer{url: url}, connections.NewManager(connections.DefaultTimeouts))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- service.Stream(ctx, httptest.NewRecorder(), 1, 2)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Expected clean return on abort, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after client abort")
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Error("Backend socket was not closed")
	}
}
