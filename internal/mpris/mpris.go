// Package mpris adapts any MPRIS-capable player on the D-Bus session bus to
// host.Host.
package mpris

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/quarckster/go-mpris-server/pkg/types"

	"github.com/nowplaying/nowplaying/internal/host"
)

const (
	BusPrefix   = "org.mpris.MediaPlayer2."
	objectPath  = "/org/mpris/MediaPlayer2"
	playerIface = "org.mpris.MediaPlayer2.Player"
	propsIface  = "org.freedesktop.DBus.Properties"
	noTrack     = "/org/mpris/MediaPlayer2/TrackList/NoTrack"

	DefaultPollInterval = time.Second
)

// Options configures an Adapter.
type Options struct {
	// BusName selects a player, either fully ("org.mpris.MediaPlayer2.mpd")
	// or by suffix ("mpd"). Empty picks the first player found.
	BusName      string
	PollInterval time.Duration
	Logger       *slog.Logger
	Listener     host.Listener
	Now          func() time.Time
}

type track struct {
	id       string
	url      string
	title    string
	artist   string
	album    string
	artURL   string
	lengthMs int
}

// key identifies a track across Metadata updates.
func (t track) key() string {
	if t.id != "" && t.id != noTrack {
		return t.id
	}
	if t.url != "" {
		return t.url
	}
	if t.title != "" {
		return t.title + "\x00" + t.artist
	}
	return ""
}

// Adapter mirrors one MPRIS player. Notifications are delivered from a single
// goroutine; position is polled and extrapolated between polls.
type Adapter struct {
	opts Options
	bus  bus

	mu        sync.RWMutex
	connected bool
	status    types.PlaybackStatus
	cur       track
	posMs     int
	posAt     time.Time
	hasPos    bool
	active    bool
}

var _ host.Host = (*Adapter)(nil)

func New(opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Adapter{opts: opts, status: types.PlaybackStatusStopped}
}

// matchesName reports whether a bus name is an MPRIS player acceptable under
// the configured selector.
func matchesName(selector, name string) bool {
	if !strings.HasPrefix(name, BusPrefix) {
		return false
	}
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return true
	}
	if strings.HasPrefix(selector, BusPrefix) {
		return name == selector || strings.HasPrefix(name, selector+".")
	}
	suffix := strings.TrimPrefix(name, BusPrefix)
	return suffix == selector || strings.HasPrefix(suffix, selector+".")
}

func (a *Adapter) deliver(notes ...host.Notification) {
	if a.opts.Listener == nil {
		return
	}
	for _, n := range notes {
		a.opts.Logger.Debug("mpris notification", slog.String("notification", n.String()))
		a.opts.Listener.ReceiveNotification(n)
	}
}

// load replaces the mirrored state with a full property set and announces
// Startup.
func (a *Adapter) load(props map[string]dbus.Variant) {
	a.mu.Lock()
	a.connected = true
	a.status = parseStatus(props["PlaybackStatus"])
	a.cur = parseMetadata(variantMap(props["Metadata"]))
	a.hasPos = false
	if us, ok := variantInt64(props["Position"]); ok {
		a.setPositionLocked(us)
	}
	a.active = a.cur.key() != "" && a.status != types.PlaybackStatusStopped
	a.mu.Unlock()
	a.deliver(host.Startup)
}

// applyChanged folds a PropertiesChanged payload into the mirrored state.
// Status is applied before Metadata so a combined stop-and-clear is judged
// against the outgoing track.
func (a *Adapter) applyChanged(changed map[string]dbus.Variant) {
	if v, ok := changed["PlaybackStatus"]; ok {
		a.applyStatus(parseStatus(v))
	}
	if v, ok := changed["Metadata"]; ok {
		a.applyMetadata(parseMetadata(variantMap(v)))
	}
	if v, ok := changed["Position"]; ok {
		if us, ok := variantInt64(v); ok {
			a.setPosition(us)
		}
	}
}

func (a *Adapter) applyStatus(status types.PlaybackStatus) {
	a.mu.Lock()
	if status == a.status {
		a.mu.Unlock()
		return
	}
	if a.hasPos {
		// freeze or resume extrapolation at the switch
		a.posMs = a.positionLocked()
		a.posAt = a.opts.Now()
	}
	a.status = status
	notify := a.active
	if status != types.PlaybackStatusStopped && !a.active && a.cur.key() != "" {
		a.active = true
		a.mu.Unlock()
		a.deliver(host.TrackStarted)
		return
	}
	a.mu.Unlock()
	if !notify {
		return
	}
	a.deliver(host.PlayStateChanged)
	if status == types.PlaybackStatusStopped {
		// resuming after a stop starts the track afresh
		a.mu.Lock()
		a.active = false
		a.mu.Unlock()
	}
}

func (a *Adapter) applyMetadata(next track) {
	a.mu.RLock()
	same := next.key() == a.cur.key()
	wasActive := a.active
	a.mu.RUnlock()

	if same {
		a.mu.Lock()
		// tags or art may be filled in after the track id
		a.cur = next
		a.mu.Unlock()
		return
	}

	if wasActive {
		a.deliver(host.TrackChanging)
	}

	a.mu.Lock()
	a.cur = next
	a.posMs, a.posAt, a.hasPos = 0, a.opts.Now(), a.connected
	a.active = next.key() != "" && a.status != types.PlaybackStatusStopped
	started := a.active
	a.mu.Unlock()

	if started {
		a.deliver(host.TrackStarted)
	}
}

func (a *Adapter) setPosition(us int64) {
	a.mu.Lock()
	a.setPositionLocked(us)
	a.mu.Unlock()
}

func (a *Adapter) setPositionLocked(us int64) {
	if us < 0 {
		us = 0
	}
	a.posMs = int(types.Microseconds(us) / 1000)
	a.posAt = a.opts.Now()
	a.hasPos = true
}

// vanished marks the player gone.
func (a *Adapter) vanished() {
	a.mu.Lock()
	wasActive := a.active
	a.connected = false
	a.status = types.PlaybackStatusStopped
	a.mu.Unlock()
	if wasActive {
		a.deliver(host.PlayStateChanged)
	}
	a.mu.Lock()
	a.active = false
	a.mu.Unlock()
}

func (a *Adapter) positionLocked() int {
	pos := a.posMs
	if a.status == types.PlaybackStatusPlaying {
		pos += int(a.opts.Now().Sub(a.posAt) / time.Millisecond)
	}
	if a.cur.lengthMs > 0 && pos > a.cur.lengthMs {
		pos = a.cur.lengthMs
	}
	return pos
}

// PlayState implements host.Host.
func (a *Adapter) PlayState() host.PlayState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return host.StateStopped
	}
	switch a.status {
	case types.PlaybackStatusPlaying:
		return host.StatePlaying
	case types.PlaybackStatusPaused:
		return host.StatePaused
	case types.PlaybackStatusStopped:
		return host.StateStopped
	}
	return host.StateOther
}

// FileReference implements host.Host. It prefers xesam:url and falls back to
// the track id.
func (a *Adapter) FileReference() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cur.url != "" {
		return a.cur.url
	}
	if a.cur.id != noTrack {
		return a.cur.id
	}
	return ""
}

// Metadata implements host.Host.
func (a *Adapter) Metadata(field host.Field) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch field {
	case host.FieldTitle:
		return a.cur.title
	case host.FieldArtist:
		return a.cur.artist
	case host.FieldAlbum:
		return a.cur.album
	}
	return ""
}

// DurationMs implements host.Host.
func (a *Adapter) DurationMs() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur.lengthMs
}

// PositionMs implements host.Host.
func (a *Adapter) PositionMs() (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.hasPos {
		return 0, false
	}
	return a.positionLocked(), true
}

// FetchArtwork implements host.Host: the picture embedded in a local file,
// else a cover file next to it, else the player's mpris:artUrl when it is a
// local file.
func (a *Adapter) FetchArtwork(ref string) ([]byte, string) {
	if data, fallback := host.LocalArtwork(ref); len(data) > 0 || fallback != "" {
		return data, fallback
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if ref != a.cur.url && ref != a.cur.id {
		return nil, ""
	}
	if !strings.HasPrefix(a.cur.artURL, "file://") {
		return nil, ""
	}
	return nil, host.LocalPath(a.cur.artURL)
}

func parseStatus(v dbus.Variant) types.PlaybackStatus {
	s, _ := v.Value().(string)
	switch types.PlaybackStatus(s) {
	case types.PlaybackStatusPlaying:
		return types.PlaybackStatusPlaying
	case types.PlaybackStatusPaused:
		return types.PlaybackStatusPaused
	}
	return types.PlaybackStatusStopped
}

func parseMetadata(m map[string]dbus.Variant) track {
	var t track
	switch id := m["mpris:trackid"].Value().(type) {
	case dbus.ObjectPath:
		t.id = string(id)
	case string:
		t.id = id
	}
	t.url = variantString(m["xesam:url"])
	t.title = variantString(m["xesam:title"])
	t.artist = strings.Join(variantStrings(m["xesam:artist"]), ", ")
	t.album = variantString(m["xesam:album"])
	t.artURL = variantString(m["mpris:artUrl"])
	if us, ok := variantInt64(m["mpris:length"]); ok && us > 0 {
		t.lengthMs = int(types.Microseconds(us) / 1000)
	}
	return t
}

func variantMap(v dbus.Variant) map[string]dbus.Variant {
	m, _ := v.Value().(map[string]dbus.Variant)
	return m
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func variantStrings(v dbus.Variant) []string {
	switch t := v.Value().(type) {
	case []string:
		return t
	case string:
		if t != "" {
			return []string{t}
		}
	}
	return nil
}

func variantInt64(v dbus.Variant) (int64, bool) {
	switch n := v.Value().(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
