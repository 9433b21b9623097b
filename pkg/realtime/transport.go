package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxStatusBytes = 1 << 20

// Transport reaches the dashboard's player endpoints
type Transport interface {
	// OpenEvents starts the push stream. The body stays open until ctx is
	// cancelled or the server ends it.
	OpenEvents(ctx context.Context) (io.ReadCloser, error)
	// FetchStatus returns one player snapshot for polling
	FetchStatus(ctx context.Context) (json.RawMessage, error)
}

// HTTPTransport talks to /api/guilds/{id}/player and /player/events
type HTTPTransport struct {
	pollClient   *http.Client
	streamClient *http.Client
	statusURL    string
	eventsURL    string
	header       http.Header
}

// NewHTTPTransport targets guildID on the dashboard at baseURL. header
// typically carries the browser's cookies.
func NewHTTPTransport(baseURL, guildID string, header http.Header) *HTTPTransport {
	base := strings.TrimSuffix(baseURL, "/") + "/api/guilds/" + url.PathEscape(guildID) + "/player"
	if header == nil {
		header = http.Header{}
	}
	return &HTTPTransport{
		pollClient:   &http.Client{Timeout: 10 * time.Second},
		streamClient: &http.Client{},
		statusURL:    base,
		eventsURL:    base + "/events",
		header:       header,
	}
}

// SetHTTPClient replaces both clients. Stream requests rely on context
// cancellation rather than the client timeout.
func (t *HTTPTransport) SetHTTPClient(client *http.Client) *HTTPTransport {
	t.pollClient = client
	t.streamClient = &http.Client{Transport: client.Transport, Jar: client.Jar}
	return t
}

func (t *HTTPTransport) newRequest(ctx context.Context, target, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header = t.header.Clone()
	req.Header.Set("Accept", accept)
	return req, nil
}

func (t *HTTPTransport) OpenEvents(ctx context.Context) (io.ReadCloser, error) {
	req, err := t.newRequest(ctx, t.eventsURL, "text/event-stream")
	if err != nil {
		return nil, err
	}

	resp, err := t.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned content type %q", mediaType)
	}

	return resp.Body, nil
}

func (t *HTTPTransport) FetchStatus(ctx context.Context) (json.RawMessage, error) {
	req, err := t.newRequest(ctx, t.statusURL, "application/json")
	if err != nil {
		return nil, err
	}

	resp, err := t.pollClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("status is not valid JSON")
	}

	return json.RawMessage(data), nil
}
