package scrobble

import (
	"sync"

	"github.com/nowplaying/nowplaying/internal/settings"
)

// Throttle counts finished tracks and lets every Nth one through.
type Throttle struct {
	mu    sync.Mutex
	count int
}

// ShouldPublish records a finished track and reports whether it is due for a
// post. The count advances even while unconfigured.
func (t *Throttle) ShouldPublish(s settings.Settings) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	if !s.IsConfigured() {
		return false
	}
	if t.count < s.Frequency() {
		return false
	}
	t.count = 0
	return true
}

// Count returns the number of finished tracks since the last publish.
func (t *Throttle) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *Throttle) Reset() {
	t.mu.Lock()
	t.count = 0
	t.mu.Unlock()
}
