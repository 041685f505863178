package scrobble_test

import (
	"sync"

	"github.com/nowplaying/nowplaying/internal/host"
)

// fakeHost is a scriptable host.Host.
type fakeHost struct {
	mu          sync.Mutex
	state       host.PlayState
	ref         string
	meta        map[host.Field]string
	durationMs  int
	positionMs  int
	hasPosition bool
	artworkHits int

	// onPosition runs before PositionMs answers, without the lock held.
	onPosition func()
}

func newFakeHost() *fakeHost {
	return &fakeHost{state: host.StateStopped, meta: map[host.Field]string{}}
}

func (h *fakeHost) load(ref, title, artist, album string, durationMs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = host.StatePlaying
	h.ref = ref
	h.meta = map[host.Field]string{host.FieldTitle: title, host.FieldArtist: artist, host.FieldAlbum: album}
	h.durationMs = durationMs
	h.positionMs = 0
	h.hasPosition = true
}

func (h *fakeHost) setPosition(ms int, ok bool) {
	h.mu.Lock()
	h.positionMs, h.hasPosition = ms, ok
	h.mu.Unlock()
}

func (h *fakeHost) setState(s host.PlayState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *fakeHost) PlayState() host.PlayState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHost) FileReference() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ref
}

func (h *fakeHost) Metadata(f host.Field) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta[f]
}

func (h *fakeHost) DurationMs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.durationMs
}

func (h *fakeHost) PositionMs() (int, bool) {
	h.mu.Lock()
	hook := h.onPosition
	h.onPosition = nil
	h.mu.Unlock()
	if hook != nil {
		hook()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.positionMs, h.hasPosition
}

func (h *fakeHost) FetchArtwork(string) ([]byte, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.artworkHits++
	return nil, ""
}
