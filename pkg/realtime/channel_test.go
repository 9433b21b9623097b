package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepgram/stagehand/pkg/clock"
	"github.com/deepgram/stagehand/pkg/palette"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pausedStatus  = `{"playing":false,"track":null}`
	playingStatus = `{"playing":true,"track":{"id":"a","artwork_url":"http://art/a"}}`
)

type fakeStatus struct {
	body string
	err  error
}

type fakeTransport struct {
	mu       sync.Mutex
	openErr  error
	streams  []*io.PipeWriter
	statuses []fakeStatus
	fetches  int
}

func (f *fakeTransport) OpenEvents(ctx context.Context) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	pr, pw := io.Pipe()
	f.streams = append(f.streams, pw)
	go func() {
		<-ctx.Done()
		pr.CloseWithError(ctx.Err())
	}()
	return pr, nil
}

func (f *fakeTransport) FetchStatus(ctx context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.statuses) == 0 {
		return json.RawMessage(pausedStatus), nil
	}
	next := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	if next.err != nil {
		return nil, next.err
	}
	return json.RawMessage(next.body), nil
}

func (f *fakeTransport) setOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

func (f *fakeTransport) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeTransport) stream(t *testing.T, i int) *io.PipeWriter {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.streams), i)
	return f.streams[i]
}

func send(t *testing.T, w io.Writer, data string) {
	t.Helper()
	_, err := io.WriteString(w, "data: "+data+"\n\n")
	require.NoError(t, err)
}

func newTestChannel(t *testing.T, tr Transport, opts Options) (*Channel, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	opts.Clock = clk
	c := New(tr, opts)
	t.Cleanup(c.Disconnect)
	return c, clk
}

func waitFor(t *testing.T, c *Channel, state State, mode Mode) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == state && c.Mode() == mode
	}, time.Second, 5*time.Millisecond, "want %s/%s, have %s/%s", state, mode, c.State(), c.Mode())
}

func TestConnectFallsBackToPollingWhenPushUnavailable(t *testing.T) {
	tr := &fakeTransport{openErr: errors.New("no stream")}
	c, clk := newTestChannel(t, tr, Options{})

	var kinds []EventKind
	var states []State
	c.Subscribe(func(ev Event) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == StateEvent {
			states = append(states, ev.State)
		}
	})

	c.Connect()

	assert.Equal(t, Open, c.State())
	assert.Equal(t, ModePolling, c.Mode())
	assert.Equal(t, 1, tr.fetchCount())
	require.NotNil(t, c.Latest())
	assert.JSONEq(t, pausedStatus, string(c.Latest().Raw))
	assert.Equal(t, 1, clk.Pending())

	assert.Equal(t, []State{Connecting, Open}, states)
	assert.Equal(t, []EventKind{StateEvent, StateEvent, SnapshotEvent}, kinds)
}

func TestPollingIntervalFollowsPlayback(t *testing.T) {
	tr := &fakeTransport{
		openErr:  errors.New("no stream"),
		statuses: []fakeStatus{{body: playingStatus}, {body: pausedStatus}},
	}
	c, clk := newTestChannel(t, tr, Options{})

	c.Connect()
	require.Equal(t, 1, tr.fetchCount())
	assert.True(t, c.Latest().Playing)

	clk.Advance(DefaultPlayingInterval - time.Millisecond)
	assert.Equal(t, 1, tr.fetchCount())
	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, tr.fetchCount())
	assert.False(t, c.Latest().Playing)

	clk.Advance(DefaultPlayingInterval)
	assert.Equal(t, 2, tr.fetchCount())
	clk.Advance(DefaultPausedInterval - DefaultPlayingInterval)
	assert.Equal(t, 3, tr.fetchCount())
}

func TestPollingGivesUpAfterMaxFailures(t *testing.T) {
	upstream := errors.New("upstream down")
	tr := &fakeTransport{
		openErr:  errors.New("no stream"),
		statuses: []fakeStatus{{err: upstream}},
	}
	c, clk := newTestChannel(t, tr, Options{})

	var last Event
	c.Subscribe(func(ev Event) {
		if ev.Kind == StateEvent {
			last = ev
		}
	})

	c.Connect()
	assert.Equal(t, Open, c.State())
	assert.Nil(t, c.Latest())

	clk.Advance(time.Hour)

	assert.Equal(t, DefaultMaxFailures, tr.fetchCount())
	assert.Equal(t, Error, c.State())
	assert.Equal(t, 0, clk.Pending())
	require.Error(t, c.Err())
	assert.ErrorIs(t, c.Err(), ErrRetriesExhausted)
	assert.ErrorIs(t, c.Err(), upstream)
	assert.Equal(t, Error, last.State)
	assert.ErrorIs(t, last.Err, ErrRetriesExhausted)
}

func TestPollingRecoversAfterFailure(t *testing.T) {
	tr := &fakeTransport{
		openErr:  errors.New("no stream"),
		statuses: []fakeStatus{{err: errors.New("blip")}, {body: pausedStatus}},
	}
	c, clk := newTestChannel(t, tr, Options{})

	c.Connect()
	assert.Nil(t, c.Latest())

	clk.Advance(2*DefaultPausedInterval - time.Millisecond)
	assert.Equal(t, 1, tr.fetchCount())
	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, tr.fetchCount())
	assert.NotNil(t, c.Latest())
	assert.NoError(t, c.Err())

	clk.Advance(DefaultPausedInterval)
	assert.Equal(t, 3, tr.fetchCount())
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		want     time.Duration
	}{
		{"none", 0, 5 * time.Second},
		{"one", 1, 10 * time.Second},
		{"three", 3, 40 * time.Second},
		{"capped", 4, 60 * time.Second},
		{"far past cap", 50, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(5*time.Second, tt.failures, time.Minute))
		})
	}
}

func TestPushConnectedStopsPolling(t *testing.T) {
	tr := &fakeTransport{}
	c, clk := newTestChannel(t, tr, Options{})

	c.Connect()
	assert.Equal(t, Connecting, c.State())
	assert.Equal(t, 0, tr.fetchCount())

	w := tr.stream(t, 0)
	send(t, w, `{"type":"connected"}`)
	waitFor(t, c, Open, ModePush)

	// only the keepalive is armed
	assert.Equal(t, 1, clk.Pending())

	send(t, w, `{"type":"ping"}`)
	send(t, w, playingStatus)
	require.Eventually(t, func() bool { return c.Latest() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", c.Latest().TrackID)
	assert.Equal(t, 0, tr.fetchCount())
}

func TestPushReassemblesFragmentedMessages(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestChannel(t, tr, Options{})

	c.Connect()
	w := tr.stream(t, 0)
	send(t, w, `{"type":"connected"}`)
	waitFor(t, c, Open, ModePush)

	send(t, w, `{"playing":true,`)
	assert.Nil(t, c.Latest())
	send(t, w, `"track":{"identifier":"b","artworkUrl":"http://art/b"}}`)

	require.Eventually(t, func() bool { return c.Latest() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b", c.Latest().TrackID)
	assert.Equal(t, "http://art/b", c.Latest().ArtworkURL)
	assert.True(t, c.Latest().Playing)
}

func TestOversizedEventEndsStream(t *testing.T) {
	tr := &fakeTransport{}
	c, clk := newTestChannel(t, tr, Options{BufferLimit: 256})

	c.Connect()
	w := tr.stream(t, 0)
	send(t, w, `{"type":"connected"}`)
	waitFor(t, c, Open, ModePush)

	// the reader stops consuming, so the write only returns once the pipe closes
	go func() {
		_, _ = io.WriteString(w, "data: "+strings.Repeat("x", 4096))
	}()

	waitFor(t, c, Closed, ModePush)
	assert.Equal(t, 1, clk.Pending())
}

func TestPushErrorFrameFallsBackToPolling(t *testing.T) {
	tr := &fakeTransport{}
	c, clk := newTestChannel(t, tr, Options{})

	c.Connect()
	w := tr.stream(t, 0)
	send(t, w, `{"type":"connected"}`)
	waitFor(t, c, Open, ModePush)

	send(t, w, `{"type":"error","message":"backend gone"}`)
	waitFor(t, c, Open, ModePolling)
	require.Eventually(t, func() bool {
		return tr.fetchCount() == 1 && clk.Pending() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStreamClosedBeforeConnectedFallsBackToPolling(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestChannel(t, tr, Options{})

	c.Connect()
	require.NoError(t, tr.stream(t, 0).Close())

	waitFor(t, c, Open, ModePolling)
	require.Eventually(t, func() bool { return tr.fetchCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestUncleanCloseSchedulesReconnect(t *testing.T) {
	tr := &fakeTransport{}
	c, clk := newTestChannel(t, tr, Options{})

	c.Connect()
	w := tr.stream(t, 0)
	send(t, w, `{"type":"connected"}`)
	waitFor(t, c, Open, ModePush)

	require.NoError(t, w.Close())
	waitFor(t, c, Closed, ModePush)
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(DefaultReconnectDelay - time.Millisecond)
	assert.Equal(t, Closed, c.State())

	clk.Advance(time.Millisecond)
	assert.Equal(t, Connecting, c.State())

	send(t, tr.stream(t, 1), `{"type":"connected"}`)
	waitFor(t, c, Open, ModePush)
}

func TestReconnectFailureFallsBackToPolling(t *testing.T) {
	tr := &fakeTransport{}
	c, clk := newTestChannel(t, tr, Options{})

	c.Connect()
	w := tr.stream(t, 0)
	send(t, w, `{"type":"connected"}`)
	waitFor(t, c, Open, ModePush)

	send(t, w, `{"type":"disconnected"}`)
	waitFor(t, c, Closed, ModePush)

	tr.setOpenErr(errors.New("refused"))
	clk.Advance(DefaultReconnectDelay)

	assert.Equal(t, Open, c.State())
	assert.Equal(t, ModePolling, c.Mode())
	assert.Equal(t, 1, tr.fetchCount())
}

func TestDisconnectStopsEverything(t *testing.T) {
	tr := &fakeTransport{}
	c, clk := newTestChannel(t, tr, Options{})

	c.Connect()
	w := tr.stream(t, 0)
	send(t, w, `{"type":"connected"}`)
	waitFor(t, c, Open, ModePush)

	c.Disconnect()
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, ModeNone, c.Mode())
	assert.Equal(t, 0, clk.Pending())

	require.Eventually(t, func() bool {
		_, err := io.WriteString(w, "data: {}\n\n")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	clk.Advance(time.Hour)
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, 0, tr.fetchCount())
}

func TestDisconnectWhilePolling(t *testing.T) {
	tr := &fakeTransport{openErr: errors.New("no stream")}
	c, clk := newTestChannel(t, tr, Options{})

	c.Connect()
	require.Equal(t, 1, clk.Pending())

	c.Disconnect()
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Minute)
	assert.Equal(t, 1, tr.fetchCount())
}

type countingPinger struct {
	calls atomic.Int32
}

func (p *countingPinger) Ping(context.Context) error {
	p.calls.Add(1)
	return nil
}

func TestKeepaliveWhilePushOpen(t *testing.T) {
	tr := &fakeTransport{}
	pinger := &countingPinger{}
	c, clk := newTestChannel(t, tr, Options{Pinger: pinger})

	c.Connect()
	send(t, tr.stream(t, 0), `{"type":"connected"}`)
	waitFor(t, c, Open, ModePush)

	clk.Advance(DefaultKeepaliveInterval - time.Second)
	assert.Equal(t, int32(0), pinger.calls.Load())

	clk.Advance(time.Second)
	assert.Equal(t, int32(1), pinger.calls.Load())

	clk.Advance(DefaultKeepaliveInterval)
	assert.Equal(t, int32(2), pinger.calls.Load())

	c.Disconnect()
	clk.Advance(DefaultKeepaliveInterval)
	assert.Equal(t, int32(2), pinger.calls.Load())
}

type blockingExtractor struct {
	mu      sync.Mutex
	release map[string]chan struct{}
	colors  map[string]string
}

func (e *blockingExtractor) Extract(ctx context.Context, url string) (palette.Palette, error) {
	e.mu.Lock()
	ch := e.release[url]
	color := e.colors[url]
	e.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return palette.Palette{}, ctx.Err()
		}
	}
	return palette.Palette{Dominant: color, Vibrant: color, Muted: color}, nil
}

func TestTrackChangeExtractsPaletteWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	extractor := &blockingExtractor{
		release: map[string]chan struct{}{"http://art/a": release},
		colors:  map[string]string{"http://art/a": "#aa0000"},
	}
	tr := &fakeTransport{openErr: errors.New("no stream"), statuses: []fakeStatus{{body: playingStatus}}}
	c, _ := newTestChannel(t, tr, Options{Palette: extractor})

	var paletteEvents atomic.Int32
	c.Subscribe(func(ev Event) {
		if ev.Kind == PaletteEvent {
			paletteEvents.Add(1)
		}
	})

	c.Connect()
	require.NotNil(t, c.Latest())
	assert.Nil(t, c.Palette())

	close(release)
	require.Eventually(t, func() bool { return c.Palette() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "#aa0000", c.Palette().Dominant)
	assert.Eventually(t, func() bool { return paletteEvents.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStalePaletteIsDropped(t *testing.T) {
	releaseA := make(chan struct{})
	extractor := &blockingExtractor{
		release: map[string]chan struct{}{"http://art/a": releaseA},
		colors:  map[string]string{"http://art/a": "#aa0000", "http://art/b": "#0000bb"},
	}
	tr := &fakeTransport{
		openErr: errors.New("no stream"),
		statuses: []fakeStatus{
			{body: playingStatus},
			{body: `{"playing":true,"track":{"id":"b","artwork_url":"http://art/b"}}`},
		},
	}
	c, clk := newTestChannel(t, tr, Options{Palette: extractor})

	c.Connect()
	clk.Advance(DefaultPlayingInterval)
	require.Equal(t, "b", c.Latest().TrackID)
	require.Eventually(t, func() bool { return c.Palette() != nil }, time.Second, 5*time.Millisecond)

	close(releaseA)
	assert.Never(t, func() bool { return c.Palette().Dominant != "#0000bb" }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPaletteTimeout(t *testing.T) {
	extractor := &blockingExtractor{
		release: map[string]chan struct{}{"http://art/a": make(chan struct{})},
	}
	tr := &fakeTransport{openErr: errors.New("no stream"), statuses: []fakeStatus{{body: playingStatus}}}
	c, _ := newTestChannel(t, tr, Options{Palette: extractor, PaletteTimeout: 20 * time.Millisecond})

	c.Connect()
	assert.Never(t, func() bool { return c.Palette() != nil }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestListenersMayReenter(t *testing.T) {
	tr := &fakeTransport{openErr: errors.New("no stream")}
	c, _ := newTestChannel(t, tr, Options{})

	var seen []State
	var unsubscribe func()
	unsubscribe = c.Subscribe(func(ev Event) {
		seen = append(seen, c.State())
		if ev.Kind == SnapshotEvent {
			unsubscribe()
		}
	})

	c.Connect()
	assert.Equal(t, []State{Connecting, Open, Open}, seen)

	c.Disconnect()
	assert.Len(t, seen, 3)
}

func TestParseSnapshot(t *testing.T) {
	now := time.Unix(10, 0)
	tests := []struct {
		name    string
		raw     string
		playing bool
		track   string
		artwork string
	}{
		{"playing flag", `{"playing":true,"track":{"id":"x"}}`, true, "x", ""},
		{"paused flag", `{"paused":true,"current":{"identifier":"y","artworkUrl":"http://y"}}`, false, "y", "http://y"},
		{"unpaused with track", `{"paused":false,"current":{"id":"z"}}`, true, "z", ""},
		{"idle", `{}`, false, "", ""},
		{"not an object", `[1,2]`, false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := parseSnapshot(json.RawMessage(tt.raw), now)
			assert.Equal(t, tt.playing, s.Playing)
			assert.Equal(t, tt.track, s.TrackID)
			assert.Equal(t, tt.artwork, s.ArtworkURL)
			assert.Equal(t, now, s.ReceivedAt)
			assert.JSONEq(t, tt.raw, string(s.Raw))
		})
	}
}

func TestChannelOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "access_token=tok", r.Header.Get("Cookie"))
		switch r.URL.Path {
		case "/api/guilds/42/player/events":
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "data: {\"type\":\"connected\"}\n\n")
			_, _ = io.WriteString(w, "data: "+playingStatus+"\n\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", "access_token=tok")
	c := New(NewHTTPTransport(srv.URL, "42", header), Options{})
	defer c.Disconnect()

	c.Connect()
	waitFor(t, c, Open, ModePush)
	require.Eventually(t, func() bool { return c.Latest() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", c.Latest().TrackID)
}
