// Package scrobble decides when a playing track counts as finished and
// hands finished tracks to a Publisher at the configured rate.
package scrobble

import (
	"context"
	"errors"
	"strings"

	"github.com/nowplaying/nowplaying/internal/settings"
)

var (
	ErrNotConfigured = errors.New("scrobble: posting not configured")
	ErrThrottled     = errors.New("scrobble: below post frequency")
)

const (
	UnknownTitle  = "Unknown Title"
	UnknownArtist = "Unknown Artist"
	UnknownAlbum  = "Unknown Album"
)

// Track is an immutable capture of the track a player reported at start.
type Track struct {
	FileRef    string
	Title      string
	Artist     string
	Album      string
	DurationMs int
}

// NewTrack builds a Track, substituting the "Unknown …" placeholders for
// blank metadata.
func NewTrack(fileRef, title, artist, album string, durationMs int) Track {
	return Track{
		FileRef:    strings.TrimSpace(fileRef),
		Title:      orDefault(title, UnknownTitle),
		Artist:     orDefault(artist, UnknownArtist),
		Album:      orDefault(album, UnknownAlbum),
		DurationMs: durationMs,
	}
}

func orDefault(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	return v
}

// Publisher sends a post for a finished track. Implementations must return
// promptly once ctx is cancelled.
type Publisher interface {
	Publish(ctx context.Context, track Track, s settings.Settings) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, track Track, s settings.Settings) error

func (f PublisherFunc) Publish(ctx context.Context, track Track, s settings.Settings) error {
	return f(ctx, track, s)
}

// SkipRecorder is implemented by publishers that keep a record of finished
// tracks which were not posted. reason is ErrNotConfigured or ErrThrottled.
type SkipRecorder interface {
	Skipped(ctx context.Context, track Track, reason error)
}
