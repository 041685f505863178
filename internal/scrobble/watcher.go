package scrobble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nowplaying/nowplaying/internal/host"
	"github.com/nowplaying/nowplaying/internal/settings"
)

// Options configures a Watcher.
type Options struct {
	Host      host.Host
	Publisher Publisher
	Settings  *settings.Store
	Logger    *slog.Logger
}

// Watcher turns host notifications into posts. ReceiveNotification runs on
// the adapter's delivery goroutine and never waits on the network: each due
// post runs in its own goroutine under a shared context that Close cancels.
type Watcher struct {
	host      host.Host
	detector  *Detector
	throttle  Throttle
	publisher Publisher
	settings  *settings.Store
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inFlight atomic.Int32
}

func NewWatcher(opts Options) *Watcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Settings == nil {
		opts.Settings = settings.NewStore(settings.Default())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		host:      opts.Host,
		detector:  NewDetector(opts.Host, opts.Logger),
		publisher: opts.Publisher,
		settings:  opts.Settings,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Detector exposes the completion detector, mainly for diagnostics.
func (w *Watcher) Detector() *Detector { return w.detector }

// PendingCount returns the number of finished tracks since the last post.
func (w *Watcher) PendingCount() int { return w.throttle.Count() }

// InFlight returns the number of publish tasks still running.
func (w *Watcher) InFlight() int { return int(w.inFlight.Load()) }

// ReceiveNotification implements host.Listener.
func (w *Watcher) ReceiveNotification(n host.Notification) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("notification handler panicked", slog.String("notification", n.String()), slog.Any("panic", r))
		}
	}()

	switch n {
	case host.Startup, host.TrackStarted:
		w.detector.OnTrackStart()
	case host.TrackChanging:
		w.handleCompletion(TriggerTrackChanging)
	case host.PlayStateChanged:
		if w.host.PlayState() == host.StateStopped {
			w.handleCompletion(TriggerPlayStateStopped)
		}
	case host.PlaylistEnded:
		w.handleCompletion(TriggerPlaylistEnded)
	}
}

func (w *Watcher) handleCompletion(trigger Trigger) {
	track, finished := w.detector.OnCompletionSignal(trigger)
	if !finished {
		return
	}
	snap := w.settings.Snapshot()
	if !w.throttle.ShouldPublish(snap) {
		reason := ErrThrottled
		if !snap.IsConfigured() {
			reason = ErrNotConfigured
			w.logger.Debug("posting not configured, skipping", slog.String("title", track.Title))
		}
		w.skip(track, reason)
		return
	}
	w.spawn(func() { w.publish(track, snap) })
}

func (w *Watcher) skip(track Track, reason error) {
	rec, ok := w.publisher.(SkipRecorder)
	if !ok {
		return
	}
	w.spawn(func() { rec.Skipped(w.ctx, track, reason) })
}

// spawn runs task on its own goroutine, tracked by Close.
func (w *Watcher) spawn(task func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.publisher == nil {
		return
	}

	w.wg.Add(1)
	w.inFlight.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.inFlight.Add(-1)
		task()
	}()
}

func (w *Watcher) publish(track Track, snap settings.Settings) {
	err := w.publisher.Publish(w.ctx, track, snap)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || w.ctx.Err() != nil:
		// shutting down
	case errors.Is(err, ErrNotConfigured):
		w.logger.Debug("post skipped", slog.String("title", track.Title), slog.Any("err", err))
	default:
		w.logger.Warn("post failed", slog.String("title", track.Title), slog.String("artist", track.Artist), slog.Any("err", err))
	}
}

// Reconfigure installs new settings and restarts the post counter.
func (w *Watcher) Reconfigure(s settings.Settings) {
	w.settings.Update(s)
	w.throttle.Reset()
	w.logger.Info("settings reloaded", slog.Bool("configured", s.IsConfigured()), slog.Int("post_every", s.Frequency()))
}

// Close cancels in-flight posts and waits for them to exit or ctx to expire.
// Notifications received afterwards no longer start posts.
func (w *Watcher) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
