// Package player adapts an mpv instance, reached over its JSON IPC socket,
// to host.Host.
package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nowplaying/nowplaying/internal/host"
)

// observed lists the properties mirrored into the controller's state. Startup
// is announced once mpv has reported each of them at least once.
var observed = []string{"pause", "time-pos", "duration", "path", "metadata", "idle-active"}

// Options configures the Controller.
type Options struct {
	MPVPath        string
	IPCPath        string
	Logger         *slog.Logger
	DisableProcess bool
	Dial           func(ctx context.Context, network, addr string) (net.Conn, error)
	ExtraArgs      []string
	Listener       host.Listener
}

// Controller manages the mpv process and IPC connection and mirrors the
// playback state mpv reports.
type Controller struct {
	opts    Options
	cmd     *exec.Cmd
	conn    net.Conn
	mu      sync.Mutex
	done    chan struct{}
	closing atomic.Bool

	stateMu sync.RWMutex
	st      state
}

type state struct {
	connected   bool
	quit        bool
	paused      bool
	idle        bool
	path        string
	meta        map[string]string
	metaSeen    bool
	durationMs  int
	hasDuration bool
	positionMs  int
	hasPosition bool

	pending     bool // file loaded, TrackStarted not yet sent
	active      bool // TrackStarted sent and the file has not ended
	hadTrack    bool // a track played since mpv was last idle
	seen        map[string]bool
	startupSent bool
}

var _ host.Host = (*Controller)(nil)

func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MPVPath == "" {
		opts.MPVPath = "mpv"
	}
	if opts.IPCPath == "" {
		opts.IPCPath = DefaultIPCPath()
	}
	return &Controller{
		opts: opts,
		done: make(chan struct{}),
		st:   state{seen: make(map[string]bool)},
	}
}

// DefaultIPCPath is the socket used when none is configured.
func DefaultIPCPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\nowplaying-mpv`
	}
	return filepath.Join(os.TempDir(), "nowplaying-mpv.sock")
}

// Start launches mpv (unless disabled), connects to the IPC socket and begins
// delivering notifications to the listener.
func (c *Controller) Start(ctx context.Context) error {
	c.opts.Logger.Debug("starting mpv adapter", slog.String("ipc_path", c.opts.IPCPath), slog.Bool("disable_process", c.opts.DisableProcess))
	if !c.opts.DisableProcess {
		if err := c.spawnMPV(ctx); err != nil {
			return err
		}
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.stateMu.Lock()
	c.st.connected = true
	c.stateMu.Unlock()

	if err := c.observeProperties(); err != nil {
		return fmt.Errorf("observe mpv properties: %w", err)
	}
	go c.readLoop()
	c.opts.Logger.Info("connected to mpv", slog.String("ipc_path", c.opts.IPCPath))
	return nil
}

// Done is closed when the IPC connection ends.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) spawnMPV(ctx context.Context) error {
	args := []string{
		"--idle=yes",
		"--force-window=no",
		"--no-video",
		"--input-ipc-server=" + c.opts.IPCPath,
	}
	args = append(args, c.opts.ExtraArgs...)
	c.opts.Logger.Debug("spawning mpv process", slog.String("mpv_path", c.opts.MPVPath), slog.Any("args", args))
	c.cmd = exec.CommandContext(ctx, c.opts.MPVPath, args...)
	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("start mpv: %w", err)
	}
	c.opts.Logger.Debug("mpv process started", slog.Int("pid", c.cmd.Process.Pid))
	return nil
}

func (c *Controller) dialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	if c.opts.Dial != nil {
		return c.opts.Dial
	}
	return (&net.Dialer{Timeout: 5 * time.Second}).DialContext
}

func (c *Controller) connect(ctx context.Context) error {
	dial := c.dialer()
	var conn net.Conn
	var err error
	baseDelay := 50 * time.Millisecond
	maxDelay := 500 * time.Millisecond
	maxRetries := 10
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for i := 0; i < maxRetries; i++ {
		conn, err = dial(ctx, "unix", c.opts.IPCPath)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.opts.Logger.Debug("connected to mpv ipc on attempt", slog.Int("attempt", i+1))
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect mpv ipc: %w", ctx.Err())
		default:
		}

		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(i))
			if delay > maxDelay {
				delay = maxDelay
			}
			jitter := time.Duration(float64(delay) * 0.2 * rng.Float64())
			c.opts.Logger.Debug("mpv ipc connection failed, retrying", slog.Int("attempt", i+1), slog.Any("err", err), slog.Duration("delay", delay+jitter))
			time.Sleep(delay + jitter)
		}
	}
	return fmt.Errorf("connect mpv ipc: %w", err)
}

func (c *Controller) observeProperties() error {
	for i, p := range observed {
		if err := c.send(map[string]any{
			"command": []any{"observe_property", i + 1, p},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) send(cmd map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return host.ErrNotConnected
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(append(b, '\n'))
	return err
}

// Close disconnects from mpv. A process spawned by Start is asked to quit and
// then killed; an mpv we merely attached to is left running.
func (c *Controller) Close() error {
	c.closing.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if c.cmd != nil {
			b, _ := json.Marshal(map[string]any{"command": []any{"quit"}})
			_, _ = c.conn.Write(append(b, '\n'))
		}
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
		c.cmd = nil
	}
	return nil
}

type ipcMessage struct {
	Event     string `json:"event"`
	Name      string `json:"name"`
	Data      any    `json:"data"`
	Reason    string `json:"reason"` // end-file: "eof", "stop", "quit", "error", "redirect"
	RequestID int    `json:"request_id"`
	Error     string `json:"error"`
}

func (c *Controller) readLoop() {
	defer close(c.done)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg ipcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.opts.Logger.Debug("undecodable mpv message", slog.Any("err", err))
			continue
		}
		if msg.Event == "" {
			continue
		}
		c.deliver(c.apply(msg))
	}

	if err := scanner.Err(); err != nil && !c.closing.Load() {
		c.opts.Logger.Warn("mpv ipc read failed", slog.Any("err", err))
	}
	c.deliver(c.disconnected())
}

func (c *Controller) deliver(notes []host.Notification) {
	if c.opts.Listener == nil {
		return
	}
	for _, n := range notes {
		c.opts.Logger.Debug("mpv notification", slog.String("notification", n.String()))
		c.opts.Listener.ReceiveNotification(n)
	}
}

// apply folds one mpv event into the mirrored state and returns the
// notifications it produces.
func (c *Controller) apply(msg ipcMessage) []host.Notification {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	s := &c.st

	var out []host.Notification
	switch msg.Event {
	case "property-change":
		out = s.applyProperty(msg.Name, msg.Data)
	case "start-file":
		s.resetTrack()
	case "file-loaded":
		s.pending = true
		s.quit = false
		out = s.maybeStart()
	case "playback-restart":
		if s.pending {
			out = s.started()
		}
	case "end-file":
		live := s.active || s.pending
		s.active, s.pending = false, false
		if !live {
			break
		}
		if msg.Reason == "quit" {
			s.quit = true
			out = append(out, host.PlayStateChanged)
		} else {
			out = append(out, host.TrackChanging)
		}
	}

	if !s.startupSent && len(s.seen) == len(observed) {
		s.startupSent = true
		if s.path != "" && !s.idle && !s.pending {
			s.active = true
			s.hadTrack = true
		}
		out = append([]host.Notification{host.Startup}, out...)
	}
	return out
}

func (s *state) applyProperty(name string, data any) []host.Notification {
	s.seen[name] = true
	switch name {
	case "pause":
		b, ok := data.(bool)
		if !ok || b == s.paused {
			return nil
		}
		s.paused = b
		if s.active {
			return []host.Notification{host.PlayStateChanged}
		}
	case "time-pos":
		// mpv reports null between files; keep the last position until the
		// next file starts.
		if v, ok := toFloat(data); ok {
			s.positionMs = secondsToMs(v)
			s.hasPosition = true
		}
	case "duration":
		if v, ok := toFloat(data); ok {
			s.durationMs = secondsToMs(v)
			s.hasDuration = true
			return s.maybeStart()
		}
	case "path":
		if v, ok := data.(string); ok {
			s.path = v
		}
	case "metadata":
		if m, ok := data.(map[string]any); ok {
			s.meta = normalizeMetadata(m)
			s.metaSeen = true
			return s.maybeStart()
		}
	case "idle-active":
		b, ok := data.(bool)
		if !ok {
			return nil
		}
		wasIdle := s.idle
		s.idle = b
		if b && !wasIdle && s.hadTrack {
			s.hadTrack = false
			return []host.Notification{host.PlaylistEnded}
		}
	}
	return nil
}

// resetTrack forgets the previous file. path is left for mpv's own update so
// that a property change racing ahead of start-file is not lost.
func (s *state) resetTrack() {
	s.meta = nil
	s.metaSeen = false
	s.durationMs, s.hasDuration = 0, false
	s.positionMs, s.hasPosition = 0, false
	s.pending, s.active = false, false
}

func (s *state) maybeStart() []host.Notification {
	if s.pending && s.hasDuration && s.metaSeen {
		return s.started()
	}
	return nil
}

func (s *state) started() []host.Notification {
	s.pending = false
	s.active = true
	s.hadTrack = true
	return []host.Notification{host.TrackStarted}
}

func (c *Controller) disconnected() []host.Notification {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	s := &c.st
	live := s.active
	s.connected = false
	s.quit = true
	s.active, s.pending = false, false
	if live && !c.closing.Load() {
		return []host.Notification{host.PlayStateChanged}
	}
	return nil
}

func normalizeMetadata(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[strings.ToLower(k)] = s
		}
	}
	return out
}

func secondsToMs(v float64) int {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return int(math.Round(v * 1000))
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// PlayState implements host.Host.
func (c *Controller) PlayState() host.PlayState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	s := c.st
	switch {
	case !s.connected || s.quit || s.idle:
		return host.StateStopped
	case s.path == "":
		return host.StateOther
	case s.paused:
		return host.StatePaused
	default:
		return host.StatePlaying
	}
}

// FileReference implements host.Host.
func (c *Controller) FileReference() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.st.path
}

// Metadata implements host.Host.
func (c *Controller) Metadata(field host.Field) string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	switch field {
	case host.FieldTitle:
		return c.st.meta["title"]
	case host.FieldArtist:
		if v := c.st.meta["artist"]; v != "" {
			return v
		}
		return c.st.meta["album_artist"]
	case host.FieldAlbum:
		return c.st.meta["album"]
	}
	return ""
}

// DurationMs implements host.Host.
func (c *Controller) DurationMs() int {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.st.durationMs
}

// PositionMs implements host.Host.
func (c *Controller) PositionMs() (int, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if !c.st.hasPosition {
		return 0, false
	}
	return c.st.positionMs, true
}

// FetchArtwork implements host.Host for local files.
func (c *Controller) FetchArtwork(ref string) ([]byte, string) {
	return host.LocalArtwork(ref)
}

// Probe connects to an mpv IPC socket and returns its version.
func Probe(ctx context.Context, opts Options) (string, error) {
	c := New(opts)
	conn, err := c.dialer()(ctx, "unix", c.opts.IPCPath)
	if err != nil {
		return "", fmt.Errorf("connect mpv ipc: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	const requestID = 1
	b, _ := json.Marshal(map[string]any{"command": []any{"get_property", "mpv-version"}, "request_id": requestID})
	if _, err := conn.Write(append(b, '\n')); err != nil {
		return "", fmt.Errorf("query mpv: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg ipcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil || msg.Event != "" || msg.RequestID != requestID {
			continue
		}
		if msg.Error != "success" {
			return "", fmt.Errorf("query mpv: %s", msg.Error)
		}
		v, _ := msg.Data.(string)
		return v, nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("query mpv: %w", err)
	}
	return "", errors.New("query mpv: connection closed")
}
