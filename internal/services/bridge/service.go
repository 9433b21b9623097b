package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deepgram/stagehand/internal/auth"
	"github.com/deepgram/stagehand/internal/connections"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush
var ErrStreamingUnsupported = errors.New("streaming unsupported")

var pingPayload = []byte(`{"type":"ping"}`)

// Dialer opens the backend event socket for a guild
type Dialer interface {
	DialEvents(ctx context.Context, guildID, userID auth.Snowflake) (*websocket.Conn, error)
}

type Event struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Service bridges backend player sockets to Server-Sent-Events
type Service struct {
	dialer  Dialer
	manager *connections.Manager
}

func NewService(dialer Dialer, manager *connections.Manager) *Service {
	return &Service{dialer: dialer, manager: manager}
}

func (s *Service) Manager() *connections.Manager {
	return s.manager
}

type readResult struct {
	messageType int
	data        []byte
	err         error
}

// Stream relays backend events for guildID to w until ctx ends or the backend
// closes. Failures after the SSE headers are sent become error frames.
func (s *Service) Stream(ctx context.Context, w http.ResponseWriter, guildID, userID auth.Snowflake) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := &eventWriter{w: w, flusher: flusher}

	conn, err := s.dialer.DialEvents(ctx, guildID, userID)
	if err != nil {
		sse.writeEvent(Event{Type: "error", Message: "failed to connect to player events"})
		return err
	}

	s.manager.AddConnection(conn, guildID)
	defer s.manager.RemoveConnection(conn)
	defer conn.Close()

	log.Info().Str("guild_id", guildID.String()).Int("guild_streams", s.manager.GuildConnectionCount(guildID)).Msg("Player event bridge opened")

	if err := sse.writeEvent(Event{Type: "connected"}); err != nil {
		return err
	}

	timeouts := s.manager.GetTimeouts()
	messages := make(chan readResult, 16)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(messages)
		for {
			messageType, data, err := conn.ReadMessage()
			select {
			case messages <- readResult{messageType: messageType, data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(timeouts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("guild_id", guildID.String()).Msg("Client left player event stream")
			deadline := time.Now().Add(timeouts.WriteWait)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(timeouts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, pingPayload); err != nil {
				log.Warn().Err(err).Str("guild_id", guildID.String()).Msg("Failed to ping backend event stream")
			}

		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if msg.err != nil {
				if websocket.IsCloseError(msg.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Info().Str("guild_id", guildID.String()).Msg("Backend closed player event stream")
					sse.writeEvent(Event{Type: "disconnected"})
					return nil
				}
				log.Warn().Err(msg.err).Str("guild_id", guildID.String()).Msg("Backend player event stream failed")
				sse.writeEvent(Event{Type: "error", Message: "player event stream interrupted"})
				sse.writeEvent(Event{Type: "disconnected"})
				return fmt.Errorf("backend read failed: %w", msg.err)
			}
			if msg.messageType != websocket.TextMessage {
				continue
			}
			if err := sse.writeData(msg.data); err != nil {
				return err
			}
		}
	}
}

type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (e *eventWriter) writeEvent(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return e.writeData(data)
}

// writeData frames data as one SSE event, one data line per input line
func (e *eventWriter) writeData(data []byte) error {
	var buf bytes.Buffer
	for _, line := range bytes.Split(bytes.TrimRight(data, "\r\n"), []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimRight(line, "\r"))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if _, err := e.w.Write(buf.Bytes()); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}
