// Package host describes the media player surface the watcher consumes.
//
// Adapters (mpv, MPRIS) implement Host and deliver lifecycle notifications to
// a Listener synchronously from their read loop, so a query issued from
// inside ReceiveNotification observes the player as it was when the
// notification fired.
package host

import "errors"

var (
	ErrNotConnected = errors.New("host: not connected")
	ErrUnavailable  = errors.New("host: unavailable")
)

type PlayState int

const (
	StateOther PlayState = iota
	StatePlaying
	StatePaused
	StateStopped
)

func (s PlayState) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "other"
	}
}

// Field selects a metadata tag of the current track.
type Field int

const (
	FieldTitle Field = iota
	FieldArtist
	FieldAlbum
)

type Notification int

const (
	// Startup is delivered once after the adapter connects.
	Startup Notification = iota
	// TrackStarted fires once the new track's metadata is available.
	TrackStarted
	// TrackChanging fires before the player switches away from the current
	// track. Queries still describe the outgoing track.
	TrackChanging
	PlayStateChanged
	PlaylistEnded
)

func (n Notification) String() string {
	switch n {
	case Startup:
		return "startup"
	case TrackStarted:
		return "track-started"
	case TrackChanging:
		return "track-changing"
	case PlayStateChanged:
		return "play-state-changed"
	case PlaylistEnded:
		return "playlist-ended"
	default:
		return "unknown"
	}
}

// Host is the query side of a player adapter.
type Host interface {
	PlayState() PlayState
	// FileReference returns a stable identifier of the current track (a path
	// or URL), or "" when none is loaded.
	FileReference() string
	Metadata(field Field) string
	DurationMs() int
	// PositionMs reports the playback position; ok is false when the player
	// cannot supply one.
	PositionMs() (pos int, ok bool)
	// FetchArtwork returns embedded artwork bytes for ref, and/or the path of
	// an artwork file the caller may read instead.
	FetchArtwork(ref string) (data []byte, fallbackPath string)
}

// Listener receives lifecycle notifications. Implementations must not block.
type Listener interface {
	ReceiveNotification(n Notification)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(n Notification)

func (f ListenerFunc) ReceiveNotification(n Notification) { f(n) }
