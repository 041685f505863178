package scrobble

import (
	"log/slog"
	"sync"

	"github.com/nowplaying/nowplaying/internal/host"
)

// CompletionToleranceMs is how far before the reported duration a stop or
// skip still counts as the track having finished.
const CompletionToleranceMs = 5000

type Trigger int

const (
	TriggerTrackChanging Trigger = iota
	TriggerPlayStateStopped
	TriggerPlaylistEnded
)

func (t Trigger) String() string {
	switch t {
	case TriggerTrackChanging:
		return "track-changing"
	case TriggerPlayStateStopped:
		return "stopped"
	case TriggerPlaylistEnded:
		return "playlist-ended"
	default:
		return "unknown"
	}
}

// HasFinished applies the completion policy. A playlist end always counts;
// otherwise the position must be known, the duration positive, and the
// position within CompletionToleranceMs of the end.
func HasFinished(track Track, trigger Trigger, positionMs int, havePosition bool) bool {
	if trigger == TriggerPlaylistEnded {
		return true
	}
	if !havePosition || track.DurationMs <= 0 {
		return false
	}
	return positionMs >= max(0, track.DurationMs-CompletionToleranceMs)
}

// Detector tracks the current song and judges completion signals against it.
type Detector struct {
	host   host.Host
	logger *slog.Logger

	mu      sync.Mutex
	current *Track
}

func NewDetector(h host.Host, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{host: h, logger: logger}
}

// Current returns a copy of the tracked snapshot.
func (d *Detector) Current() (Track, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return Track{}, false
	}
	return *d.current, true
}

// OnTrackStart replaces the tracked snapshot with whatever the host is
// playing now, or clears it if nothing usable is loaded.
func (d *Detector) OnTrackStart() {
	snap := d.capture()
	d.mu.Lock()
	d.current = snap
	d.mu.Unlock()
	if snap != nil {
		d.logger.Debug("track started", slog.String("title", snap.Title), slog.String("artist", snap.Artist), slog.Int("duration_ms", snap.DurationMs))
	}
}

func (d *Detector) capture() *Track {
	state := d.host.PlayState()
	if state != host.StatePlaying && state != host.StatePaused {
		return nil
	}
	ref := d.host.FileReference()
	if ref == "" {
		return nil
	}
	t := NewTrack(
		ref,
		d.host.Metadata(host.FieldTitle),
		d.host.Metadata(host.FieldArtist),
		d.host.Metadata(host.FieldAlbum),
		d.host.DurationMs(),
	)
	return &t
}

// OnCompletionSignal evaluates trigger against the tracked snapshot and
// returns it when finished. TrackChanging always clears the slot; the other
// triggers clear it only on a finish, since playback may resume.
func (d *Detector) OnCompletionSignal(trigger Trigger) (Track, bool) {
	d.mu.Lock()
	snap := d.current
	d.mu.Unlock()
	if snap == nil {
		return Track{}, false
	}

	var pos int
	var ok bool
	if trigger != TriggerPlaylistEnded {
		pos, ok = d.host.PositionMs()
	}
	finished := HasFinished(*snap, trigger, pos, ok)

	if finished || trigger == TriggerTrackChanging {
		d.mu.Lock()
		// A track-start may have raced in; keep the newer snapshot.
		if d.current == snap {
			d.current = nil
		}
		d.mu.Unlock()
	}

	d.logger.Debug("completion signal",
		slog.String("trigger", trigger.String()),
		slog.String("title", snap.Title),
		slog.Int("position_ms", pos),
		slog.Bool("have_position", ok),
		slog.Bool("finished", finished))

	if !finished {
		return Track{}, false
	}
	return *snap, true
}
