// Package loading merges many concurrent in-flight operations into a single
// loading indicator with debouncing and minimum display times.
package loading

import (
	"context"
	"sync"
	"time"

	"github.com/deepgram/stagehand/pkg/clock"
)

type Type int

// Ordered by priority, lowest first
const (
	Navigation Type = iota
	API
	Operation
	Critical
)

func (t Type) String() string {
	switch t {
	case Navigation:
		return "navigation"
	case API:
		return "api"
	case Operation:
		return "operation"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// DefaultMessage is shown when the winning entry has no message of its own
func (t Type) DefaultMessage() string {
	switch t {
	case Navigation:
		return "Loading page..."
	case API:
		return "Loading data..."
	case Operation:
		return "Working..."
	case Critical:
		return "Please wait..."
	default:
		return "Loading..."
	}
}

const (
	NavigationID = "navigation"

	DefaultDebounce             = 100 * time.Millisecond
	DefaultMinDisplay           = 500 * time.Millisecond
	DefaultNavigationMinDisplay = 200 * time.Millisecond
)

type entry struct {
	id          string
	typ         Type
	message     string
	progress    int
	hasProgress bool
	started     time.Time
	minDisplay  time.Duration
	stopTimer   clock.Timer
}

type StartOption func(*entry)

func WithMinDisplay(d time.Duration) StartOption {
	return func(e *entry) { e.minDisplay = d }
}

func WithProgress(pct int) StartOption {
	return func(e *entry) {
		e.progress = clampProgress(pct)
		e.hasProgress = true
	}
}

// Snapshot is the derived indicator state
type Snapshot struct {
	IsLoading      bool
	ShowSpinner    bool
	PrimaryMessage string
	PrimaryType    Type
	// Progress of the winning entry, -1 when it reports none
	Progress int
	Active   int
}

type Coordinator struct {
	clock    clock.Clock
	debounce time.Duration

	mu           sync.Mutex
	entries      map[string]*entry
	spinnerTimer clock.Timer
	navTimer     clock.Timer
	navigating   bool

	listeners    []listener
	nextListener int
	queue        []Snapshot
	delivering   bool
}

type listener struct {
	id int
	fn func(Snapshot)
}

func New(clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Coordinator{
		clock:    clk,
		debounce: DefaultDebounce,
		entries:  make(map[string]*entry),
	}
}

// Start adds or replaces the entry for id. Replacing cancels a deferred stop.
func (c *Coordinator) Start(id string, typ Type, message string, opts ...StartOption) {
	c.mu.Lock()
	c.startLocked(id, typ, message, c.clock.Now(), opts...)
	c.changedLocked()
	c.mu.Unlock()
	c.flush()
}

func (c *Coordinator) startLocked(id string, typ Type, message string, started time.Time, opts ...StartOption) {
	if old, ok := c.entries[id]; ok && old.stopTimer != nil {
		old.stopTimer.Stop()
	}

	e := &entry{
		id:         id,
		typ:        typ,
		message:    message,
		started:    started,
		minDisplay: DefaultMinDisplay,
	}
	if typ == Navigation {
		e.minDisplay = DefaultNavigationMinDisplay
	}
	for _, opt := range opts {
		opt(e)
	}
	c.entries[id] = e
}

// Stop removes id once it has been visible for its minimum display time.
// force removes it immediately. Unknown ids are ignored.
func (c *Coordinator) Stop(id string, force bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return
	}

	remaining := e.minDisplay - c.clock.Now().Sub(e.started)
	if force || remaining <= 0 {
		c.removeLocked(e)
		c.changedLocked()
		c.mu.Unlock()
		c.flush()
		return
	}

	if e.stopTimer == nil {
		e.stopTimer = c.clock.AfterFunc(remaining, func() {
			c.mu.Lock()
			if c.entries[id] != e {
				c.mu.Unlock()
				return
			}
			c.removeLocked(e)
			c.changedLocked()
			c.mu.Unlock()
			c.flush()
		})
	}
	c.mu.Unlock()
}

func (c *Coordinator) removeLocked(e *entry) {
	if e.stopTimer != nil {
		e.stopTimer.Stop()
		e.stopTimer = nil
	}
	delete(c.entries, e.id)
}

// UpdateProgress sets the progress of id, clamped to 0..100. A non-empty
// message replaces the current one.
func (c *Coordinator) UpdateProgress(id string, pct int, message string) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.progress = clampProgress(pct)
	e.hasProgress = true
	if message != "" {
		e.message = message
	}
	c.changedLocked()
	c.mu.Unlock()
	c.flush()
}

// ClearAll drops every entry and pending timer
func (c *Coordinator) ClearAll() {
	c.mu.Lock()
	for _, e := range c.entries {
		c.removeLocked(e)
	}
	if c.navTimer != nil {
		c.navTimer.Stop()
		c.navTimer = nil
	}
	c.navigating = false
	c.changedLocked()
	c.mu.Unlock()
	c.flush()
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.clock.Now())
}

func (c *Coordinator) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{Active: len(c.entries), Progress: -1}
	if len(c.entries) == 0 {
		return s
	}
	s.IsLoading = true

	var winner *entry
	for _, e := range c.entries {
		if e.typ != Navigation || now.Sub(e.started) >= c.debounce {
			s.ShowSpinner = true
		}
		if winner == nil || e.typ > winner.typ || (e.typ == winner.typ && e.started.Before(winner.started)) {
			winner = e
		}
	}

	s.PrimaryType = winner.typ
	s.PrimaryMessage = winner.message
	if s.PrimaryMessage == "" {
		s.PrimaryMessage = winner.typ.DefaultMessage()
	}
	if winner.hasProgress {
		s.Progress = winner.progress
	}
	return s
}

// changedLocked queues a snapshot and, while a navigation entry is still
// inside the debounce window, arms a timer to publish when it leaves it
func (c *Coordinator) changedLocked() {
	now := c.clock.Now()
	c.queue = append(c.queue, c.snapshotLocked(now))

	if c.spinnerTimer != nil {
		c.spinnerTimer.Stop()
		c.spinnerTimer = nil
	}

	var wait time.Duration
	for _, e := range c.entries {
		if e.typ != Navigation {
			continue
		}
		if left := c.debounce - now.Sub(e.started); left > 0 && (wait == 0 || left < wait) {
			wait = left
		}
	}
	if wait > 0 {
		c.spinnerTimer = c.clock.AfterFunc(wait, func() {
			c.mu.Lock()
			c.spinnerTimer = nil
			c.changedLocked()
			c.mu.Unlock()
			c.flush()
		})
	}
}

// SetNavigating reports the router's navigation-in-progress signal. The
// navigation entry only appears if navigation lasts past the debounce window.
func (c *Coordinator) SetNavigating(active bool) {
	c.mu.Lock()
	if active == c.navigating {
		c.mu.Unlock()
		return
	}
	c.navigating = active

	if active {
		began := c.clock.Now()
		c.navTimer = c.clock.AfterFunc(c.debounce, func() {
			c.mu.Lock()
			if !c.navigating || c.navTimer == nil {
				c.mu.Unlock()
				return
			}
			c.navTimer = nil
			c.startLocked(NavigationID, Navigation, "", began)
			c.changedLocked()
			c.mu.Unlock()
			c.flush()
		})
		c.mu.Unlock()
		return
	}

	if c.navTimer != nil {
		c.navTimer.Stop()
		c.navTimer = nil
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Stop(NavigationID, false)
}

// BindNavigation follows signals until ch is closed or ctx is done
func (c *Coordinator) BindNavigation(ctx context.Context, ch <-chan bool) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case active, ok := <-ch:
				if !ok {
					return
				}
				c.SetNavigating(active)
			}
		}
	}()
}

// Subscribe registers fn for every change. The returned func removes it.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
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

func (c *Coordinator) flush() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.queue) > 0 {
		s := c.queue[0]
		c.queue = c.queue[1:]
		listeners := c.listeners
		c.mu.Unlock()

		for _, l := range listeners {
			l.fn(s)
		}

		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

// Wrap runs op under a loading entry that is stopped however op returns
func Wrap[T any](ctx context.Context, c *Coordinator, id string, typ Type, message string, op func(context.Context) (T, error)) (T, error) {
	c.Start(id, typ, message)
	defer c.Stop(id, false)
	return op(ctx)
}

func clampProgress(pct int) int {
	return max(0, min(100, pct))
}
