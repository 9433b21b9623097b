package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/deepgram/stagehand/internal/services/tokens"
	"github.com/deepgram/stagehand/pkg/loading"
	"github.com/deepgram/stagehand/pkg/palette"
	"github.com/deepgram/stagehand/pkg/realtime"
)

const connectID = "connect"

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262")).Italic(true)
)

func runWatch(ctx context.Context, out io.Writer, opts watchOptions) error {
	header := http.Header{}
	if opts.cookie != "" {
		header.Set("Cookie", (&http.Cookie{Name: tokens.AccessTokenCookie, Value: opts.cookie}).String())
	}

	channelOpts := realtime.Options{}
	if !opts.noPalette {
		channelOpts.Palette = palette.NewExtractor()
	}
	channel := realtime.New(realtime.NewHTTPTransport(opts.server, opts.guild, header), channelOpts)

	w := newWatcher(out, loading.New(nil), opts.quiet)
	unsubscribe := w.loading.Subscribe(w.onLoading)
	defer unsubscribe()
	channel.Subscribe(w.onEvent)

	fmt.Fprintln(out, titleStyle.Render("Watching guild "+opts.guild))
	channel.Connect()

	var err error
	select {
	case <-ctx.Done():
	case err = <-w.failed:
	}

	channel.Disconnect()
	w.loading.ClearAll()
	w.stopSpinner()

	if err != nil {
		fmt.Fprintln(out, errStyle.Render("Gave up: "+err.Error()))
	}
	return err
}

type watcher struct {
	out     io.Writer
	loading *loading.Coordinator
	failed  chan error

	mu   sync.Mutex
	spin *spinner.Spinner
}

func newWatcher(out io.Writer, coordinator *loading.Coordinator, quiet bool) *watcher {
	w := &watcher{
		out:     out,
		loading: coordinator,
		failed:  make(chan error, 1),
	}
	if !quiet {
		w.spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	}
	return w
}

func (w *watcher) onEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.StateEvent:
		w.onState(ev)
	case realtime.SnapshotEvent:
		if ev.TrackChanged {
			w.println(formatTrack(ev.Snapshot))
		}
	case realtime.PaletteEvent:
		w.println(renderPalette(*ev.Palette))
	}
}

func (w *watcher) onState(ev realtime.Event) {
	switch ev.State {
	case realtime.Connecting:
		w.loading.Start(connectID, loading.Operation, "Connecting to player...")
	case realtime.Closed:
		if ev.Mode == realtime.ModePush {
			w.loading.Start(connectID, loading.Operation, "Reconnecting...")
			w.println(warnStyle.Render("Stream closed, reconnecting"))
		}
	case realtime.Open:
		w.loading.Stop(connectID, false)
		w.println(okStyle.Render("Connected (" + ev.Mode.String() + ")"))
	case realtime.Error:
		w.loading.Stop(connectID, true)
		select {
		case w.failed <- ev.Err:
		default:
		}
	}
}

func (w *watcher) onLoading(s loading.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.spin == nil {
		return
	}

	if !s.ShowSpinner {
		if w.spin.Active() {
			w.spin.Stop()
		}
		return
	}

	w.spin.Suffix = " " + s.PrimaryMessage
	if !w.spin.Active() {
		w.spin.Start()
	}
}

func (w *watcher) stopSpinner() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.spin != nil && w.spin.Active() {
		w.spin.Stop()
	}
}

func (w *watcher) println(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, line)
}

type trackInfo struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Info   *struct {
		Title  string `json:"title"`
		Author string `json:"author"`
	} `json:"info"`
}

// formatTrack renders "Title - Author", falling back to the track id
func formatTrack(s *realtime.Snapshot) string {
	var payload struct {
		Track   *trackInfo `json:"track"`
		Current *trackInfo `json:"current"`
	}
	_ = json.Unmarshal(s.Raw, &payload)

	track := payload.Track
	if track == nil {
		track = payload.Current
	}
	if track == nil && s.TrackID == "" {
		return helpStyle.Render("Nothing playing")
	}

	var title, author string
	if track != nil {
		title, author = track.Title, track.Author
		if track.Info != nil {
			title = cmp.Or(title, track.Info.Title)
			author = cmp.Or(author, track.Info.Author)
		}
	}
	title = cmp.Or(title, s.TrackID)

	line := titleStyle.Render(title)
	if author != "" {
		line += " - " + author
	}
	if !s.Playing {
		line += " " + helpStyle.Render("(paused)")
	}
	return line
}

func renderPalette(p palette.Palette) string {
	var b strings.Builder
	for _, hex := range []string{p.Dominant, p.Vibrant, p.Muted} {
		b.WriteString(lipgloss.NewStyle().Background(lipgloss.Color(hex)).Render("  "))
		b.WriteString(" ")
		b.WriteString(helpStyle.Render(hex))
		b.WriteString(" ")
	}
	return strings.TrimRight(b.String(), " ")
}
