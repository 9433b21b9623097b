// Package realtime keeps a live player snapshot for one guild, preferring the
// Server-Sent-Events stream and falling back to adaptive polling.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/deepgram/stagehand/pkg/clock"
	"github.com/deepgram/stagehand/pkg/logger"
	"github.com/deepgram/stagehand/pkg/palette"
	"github.com/rs/zerolog"
)

// ErrRetriesExhausted is the terminal polling error
var ErrRetriesExhausted = errors.New("realtime: retries exhausted")

const (
	DefaultPlayingInterval   = 3 * time.Second
	DefaultPausedInterval    = 5 * time.Second
	DefaultMaxBackoff        = 60 * time.Second
	DefaultMaxFailures       = 10
	DefaultReconnectDelay    = 3 * time.Second
	DefaultMaxReconnects     = 5
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultPaletteTimeout    = 5 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
)

// PaletteExtractor runs on track changes, off the update path
type PaletteExtractor interface {
	Extract(ctx context.Context, url string) (palette.Palette, error)
}

// Pinger sends the keepalive payload while the push transport is open
type Pinger interface {
	Ping(ctx context.Context) error
}

type noopPinger struct{}

func (noopPinger) Ping(context.Context) error { return nil }

type Options struct {
	Clock             clock.Clock
	Palette           PaletteExtractor
	Pinger            Pinger
	PlayingInterval   time.Duration
	PausedInterval    time.Duration
	MaxBackoff        time.Duration
	MaxFailures       int
	ReconnectDelay    time.Duration
	MaxReconnects     int
	KeepaliveInterval time.Duration
	PaletteTimeout    time.Duration
	RequestTimeout    time.Duration
	BufferLimit       int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Pinger == nil {
		o.Pinger = noopPinger{}
	}
	if o.PlayingInterval <= 0 {
		o.PlayingInterval = DefaultPlayingInterval
	}
	if o.PausedInterval <= 0 {
		o.PausedInterval = DefaultPausedInterval
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = DefaultMaxReconnects
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.PaletteTimeout <= 0 {
		o.PaletteTimeout = DefaultPaletteTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.BufferLimit <= 0 {
		o.BufferLimit = DefaultBufferLimit
	}
	return o
}

// Snapshot is the latest player payload. Raw is kept verbatim; the other
// fields are read from it on a best-effort basis.
type Snapshot struct {
	Raw        json.RawMessage
	Playing    bool
	TrackID    string
	ArtworkURL string
	ReceivedAt time.Time
}

type EventKind int

const (
	SnapshotEvent EventKind = iota
	StateEvent
	PaletteEvent
)

type listener struct {
	id int
	fn func(Event)
}

type Event struct {
	Kind         EventKind
	State        State
	Mode         Mode
	Err          error
	Snapshot     *Snapshot
	TrackChanged bool
	TrackID      string
	Palette      *palette.Palette
}

// Channel is one subscription. All timers and the stream belong to the
// current generation; bumping the generation orphans them.
type Channel struct {
	transport Transport
	opts      Options
	log       zerolog.Logger

	mu             sync.Mutex
	state          State
	mode           Mode
	gen            uint64
	err            error
	failures       int
	reconnects     int
	latest         *Snapshot
	lastTrack      string
	palette        *palette.Palette
	cancelStream   context.CancelFunc
	pollTimer      clock.Timer
	reconnectTimer clock.Timer
	keepaliveTimer clock.Timer

	listeners    []listener
	nextListener int
	queue        []Event
	delivering   bool
}

func New(transport Transport, opts Options) *Channel {
	return &Channel{
		transport: transport,
		opts:      opts.withDefaults(),
		log:       logger.With(logger.REALTIME),
	}
}

// Subscribe registers fn for every event, delivered in order. The returned
// func removes it.
func (c *Channel) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Err is non-nil once the channel has given up
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Latest returns the last snapshot, kept across outages
func (c *Channel) Latest() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

func (c *Channel) Palette() *palette.Palette {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.palette
}

// Connect opens the push transport, falling back to polling when it cannot
// be established. It returns once the first attempt has settled.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.state == Connecting || c.state == Open {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	c.gen++
	gen := c.gen
	c.err = nil
	c.failures = 0
	c.reconnects = 0
	c.setStateLocked(Connecting, ModePush)
	c.mu.Unlock()
	c.flush()

	c.openPush(gen)
}

// Disconnect stops every timer, closes the stream and suppresses reconnects
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimersLocked()
	c.setStateLocked(Closed, ModeNone)
	c.mu.Unlock()
	c.flush()
}

func (c *Channel) openPush(gen uint64) {
	streamCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancelStream = cancel
	c.mu.Unlock()

	body, err := c.transport.OpenEvents(streamCtx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Push transport unavailable, falling back to polling")
		c.fallbackToPolling(gen)
		return
	}

	go c.readLoop(gen, body)
}

func (c *Channel) readLoop(gen uint64, body io.ReadCloser) {
	defer body.Close()

	reader := newEventReader(body, c.opts.BufferLimit)
	buffer := newFragmentBuffer(c.opts.BufferLimit)

	for {
		data, err := reader.Next()
		if err != nil {
			c.handleStreamEnd(gen, err)
			return
		}

		msg, complete, err := buffer.Push(data)
		if err != nil {
			c.log.Warn().Err(err).Int("limit", c.opts.BufferLimit).Msg("Discarding unparsable push data")
			continue
		}
		if !complete {
			continue
		}

		if !c.handleMessage(gen, msg) {
			return
		}
	}
}

type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// handleMessage applies one push message and reports whether to keep reading
func (c *Channel) handleMessage(gen uint64, msg json.RawMessage) bool {
	var control controlMessage
	_ = json.Unmarshal(msg, &control)

	switch control.Type {
	case "connected":
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return false
		}
		c.setStateLocked(Open, ModePush)
		if c.pollTimer != nil {
			c.pollTimer.Stop()
			c.pollTimer = nil
		}
		c.armKeepaliveLocked(gen)
		c.mu.Unlock()
		c.flush()
		return true

	case "ping":
		return true

	case "error":
		c.log.Warn().Str("message", control.Message).Msg("Push transport reported an error, falling back to polling")
		c.fallbackToPolling(gen)
		return false

	case "disconnected":
		c.handleStreamEnd(gen, io.ErrUnexpectedEOF)
		return false
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.reconnects = 0
	snapshot, trackChanged := c.applySnapshotLocked(msg)
	c.mu.Unlock()
	c.flush()

	if trackChanged {
		c.startPalette(snapshot)
	}
	return true
}

// handleStreamEnd runs when the stream closes without Disconnect
func (c *Channel) handleStreamEnd(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	if c.state == Connecting || c.reconnects >= c.opts.MaxReconnects {
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("Push transport closed before it was usable, falling back to polling")
		c.fallbackToPolling(gen)
		return
	}

	c.log.Info().Err(err).Msg("Push transport closed, scheduling reconnect")
	c.stopTimersLocked()
	c.setStateLocked(Closed, ModePush)
	c.reconnects++
	c.reconnectTimer = c.opts.Clock.AfterFunc(c.opts.ReconnectDelay, func() {
		c.reconnect(gen)
	})
	c.mu.Unlock()
	c.flush()
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.gen++
	next := c.gen
	c.setStateLocked(Connecting, ModePush)
	c.mu.Unlock()
	c.flush()

	c.openPush(next)
}

func (c *Channel) fallbackToPolling(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	c.gen++
	next := c.gen
	c.failures = 0
	c.setStateLocked(Open, ModePolling)
	c.mu.Unlock()
	c.flush()

	c.poll(next)
}

func (c *Channel) poll(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.pollTimer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	raw, err := c.transport.FetchStatus(ctx)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	var (
		delay        time.Duration
		snapshot     *Snapshot
		trackChanged bool
	)
	if err != nil {
		c.failures++
		if c.failures >= c.opts.MaxFailures {
			c.err = fmt.Errorf("%w: %d consecutive polling failures: %w", ErrRetriesExhausted, c.failures, err)
			c.log.Error().Err(err).Int("failures", c.failures).Msg("Polling given up")
			c.setStateLocked(Error, ModePolling)
			c.mu.Unlock()
			c.flush()
			return
		}
		delay = Backoff(c.intervalLocked(), c.failures, c.opts.MaxBackoff)
		c.log.Debug().Err(err).Int("failures", c.failures).Dur("retry_in", delay).Msg("Polling failed")
	} else {
		c.failures = 0
		snapshot, trackChanged = c.applySnapshotLocked(raw)
		delay = c.intervalLocked()
	}

	c.pollTimer = c.opts.Clock.AfterFunc(delay, func() {
		c.poll(gen)
	})
	c.mu.Unlock()
	c.flush()

	if trackChanged {
		c.startPalette(snapshot)
	}
}

// Backoff returns base*2^failures capped at limit
func Backoff(base time.Duration, failures int, limit time.Duration) time.Duration {
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return min(delay, limit)
}

func (c *Channel) intervalLocked() time.Duration {
	if c.latest != nil && c.latest.Playing {
		return c.opts.PlayingInterval
	}
	return c.opts.PausedInterval
}

func (c *Channel) keepalive(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Open || c.mode != ModePush {
		c.mu.Unlock()
		return
	}
	c.armKeepaliveLocked(gen)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if err := c.opts.Pinger.Ping(ctx); err != nil {
		c.log.Debug().Err(err).Msg("Keepalive ping failed")
	}
}

func (c *Channel) armKeepaliveLocked(gen uint64) {
	if c.keepaliveTimer != nil {
		c.keepaliveTimer.Stop()
	}
	c.keepaliveTimer = c.opts.Clock.AfterFunc(c.opts.KeepaliveInterval, func() {
		c.keepalive(gen)
	})
}

func (c *Channel) stopTimersLocked() {
	for _, t := range []*clock.Timer{&c.pollTimer, &c.reconnectTimer, &c.keepaliveTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
	if c.cancelStream != nil {
		c.cancelStream()
		c.cancelStream = nil
	}
}

type statusFields struct {
	Playing *bool        `json:"playing"`
	Paused  *bool        `json:"paused"`
	Track   *trackFields `json:"track"`
	Current *trackFields `json:"current"`
}

type trackFields struct {
	ID              string `json:"id"`
	Identifier      string `json:"identifier"`
	ArtworkURL      string `json:"artwork_url"`
	ArtworkURLCamel string `json:"artworkUrl"`
}

func parseSnapshot(raw json.RawMessage, now time.Time) *Snapshot {
	snapshot := &Snapshot{Raw: raw, ReceivedAt: now}

	var fields statusFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return snapshot
	}

	track := fields.Track
	if track == nil {
		track = fields.Current
	}
	if track != nil {
		snapshot.TrackID = track.Identifier
		if snapshot.TrackID == "" {
			snapshot.TrackID = track.ID
		}
		snapshot.ArtworkURL = track.ArtworkURL
		if snapshot.ArtworkURL == "" {
			snapshot.ArtworkURL = track.ArtworkURLCamel
		}
	}

	switch {
	case fields.Playing != nil:
		snapshot.Playing = *fields.Playing
	case fields.Paused != nil:
		snapshot.Playing = !*fields.Paused && track != nil
	default:
		snapshot.Playing = track != nil
	}

	return snapshot
}

func (c *Channel) applySnapshotLocked(raw json.RawMessage) (*Snapshot, bool) {
	snapshot := parseSnapshot(raw, c.opts.Clock.Now())
	trackChanged := snapshot.TrackID != c.lastTrack
	c.latest = snapshot
	c.lastTrack = snapshot.TrackID
	if trackChanged {
		c.palette = nil
	}
	c.enqueueLocked(Event{
		Kind:         SnapshotEvent,
		State:        c.state,
		Mode:         c.mode,
		Snapshot:     snapshot,
		TrackChanged: trackChanged,
		TrackID:      snapshot.TrackID,
	})
	return snapshot, trackChanged && snapshot.ArtworkURL != ""
}

// startPalette races extraction against the timeout; a late result or one
// for a track that is no longer current is dropped
func (c *Channel) startPalette(snapshot *Snapshot) {
	if c.opts.Palette == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.PaletteTimeout)
		defer cancel()

		type result struct {
			palette palette.Palette
			err     error
		}
		done := make(chan result, 1)
		go func() {
			p, err := c.opts.Palette.Extract(ctx, snapshot.ArtworkURL)
			done <- result{palette: p, err: err}
		}()

		var res result
		select {
		case res = <-done:
		case <-ctx.Done():
			c.log.Debug().Str("track_id", snapshot.TrackID).Msg("Palette extraction timed out")
			return
		}
		if res.err != nil {
			c.log.Debug().Err(res.err).Str("track_id", snapshot.TrackID).Msg("Palette extraction failed")
			return
		}

		c.mu.Lock()
		if c.lastTrack != snapshot.TrackID {
			c.mu.Unlock()
			return
		}
		p := res.palette
		c.palette = &p
		c.enqueueLocked(Event{Kind: PaletteEvent, State: c.state, Mode: c.mode, TrackID: snapshot.TrackID, Palette: &p})
		c.mu.Unlock()
		c.flush()
	}()
}

func (c *Channel) setStateLocked(to State, mode Mode) {
	if to == c.state && mode == c.mode {
		return
	}
	if to != c.state && !CanTransition(c.state, to) {
		c.log.Error().Stringer("from", c.state).Stringer("to", to).Msg("Invalid realtime state transition")
		return
	}
	c.state = to
	c.mode = mode
	c.enqueueLocked(Event{Kind: StateEvent, State: to, Mode: mode, Err: c.err})
}

func (c *Channel) enqueueLocked(ev Event) {
	c.queue = append(c.queue, ev)
}

// flush delivers queued events in order. Only one goroutine delivers at a
// time; listeners may call back into the Channel.
func (c *Channel) flush() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.queue) > 0 {
		ev := c.queue[0]
		c.queue = c.queue[1:]
		listeners := c.listeners
		c.mu.Unlock()

		for _, l := range listeners {
			l.fn(ev)
		}

		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}
