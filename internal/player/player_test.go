package player

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nowplaying/nowplaying/internal/host"
)

// observation captures what a listener could query when a notification fired.
type observation struct {
	n     host.Notification
	state host.PlayState
	ref   string
	title string
	pos   int
	okPos bool
}

type recorder struct {
	c   *Controller
	got chan observation
}

func (r *recorder) ReceiveNotification(n host.Notification) {
	pos, ok := r.c.PositionMs()
	r.got <- observation{
		n:     n,
		state: r.c.PlayState(),
		ref:   r.c.FileReference(),
		title: r.c.Metadata(host.FieldTitle),
		pos:   pos,
		okPos: ok,
	}
}

// fakeMPV is a unix-socket peer speaking just enough of mpv's IPC.
type fakeMPV struct {
	t    *testing.T
	conn net.Conn
}

func (f *fakeMPV) send(msg map[string]any) {
	f.t.Helper()
	b, _ := json.Marshal(msg)
	if _, err := f.conn.Write(append(b, '\n')); err != nil {
		f.t.Fatalf("write: %v", err)
	}
}

func (f *fakeMPV) prop(name string, data any) {
	f.send(map[string]any{"event": "property-change", "name": name, "data": data})
}

func (f *fakeMPV) event(name string, extra ...string) {
	msg := map[string]any{"event": name}
	if len(extra) == 2 {
		msg[extra[0]] = extra[1]
	}
	f.send(msg)
}

// idle reports the initial property values of an mpv with nothing loaded.
func (f *fakeMPV) idle() {
	f.prop("pause", false)
	f.prop("time-pos", nil)
	f.prop("duration", nil)
	f.prop("path", nil)
	f.prop("metadata", nil)
	f.prop("idle-active", true)
}

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "np")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "mpv.sock")
}

func startController(t *testing.T) (*Controller, *fakeMPV, *recorder) {
	t.Helper()
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// drain commands
		go func() {
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
			}
		}()
		accepted <- conn
	}()

	rec := &recorder{got: make(chan observation, 16)}
	ctrl := New(Options{IPCPath: path, DisableProcess: true, Listener: rec})
	rec.c = ctrl
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start controller: %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })

	conn := <-accepted
	t.Cleanup(func() { conn.Close() })
	return ctrl, &fakeMPV{t: t, conn: conn}, rec
}

func expect(t *testing.T, rec *recorder, want host.Notification) observation {
	t.Helper()
	select {
	case o := <-rec.got:
		if o.n != want {
			t.Fatalf("expected %s, got %s", want, o.n)
		}
		return o
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", want)
	}
	return observation{}
}

func expectNone(t *testing.T, rec *recorder) {
	t.Helper()
	select {
	case o := <-rec.got:
		t.Fatalf("unexpected notification %s", o.n)
	case <-time.After(100 * time.Millisecond):
	}
}

func loadTrack(mpv *fakeMPV) {
	mpv.event("start-file")
	mpv.prop("path", "/music/a.flac")
	mpv.prop("idle-active", false)
	mpv.event("file-loaded")
	mpv.prop("duration", 200.0)
	mpv.prop("metadata", map[string]any{"TITLE": "Song", "Artist": "Band", "album": "LP"})
	mpv.prop("time-pos", 0.0)
}

func TestStartupWhenIdle(t *testing.T) {
	_, mpv, rec := startController(t)
	mpv.idle()

	o := expect(t, rec, host.Startup)
	if o.state != host.StateStopped {
		t.Errorf("expected stopped at startup, got %s", o.state)
	}
	expectNone(t, rec)
}

func TestStartupMidTrack(t *testing.T) {
	ctrl, mpv, rec := startController(t)
	mpv.prop("pause", false)
	mpv.prop("time-pos", 42.0)
	mpv.prop("duration", 180.0)
	mpv.prop("path", "/music/b.mp3")
	mpv.prop("metadata", map[string]any{"title": "Mid"})
	mpv.prop("idle-active", false)

	o := expect(t, rec, host.Startup)
	if o.state != host.StatePlaying || o.title != "Mid" || o.ref != "/music/b.mp3" {
		t.Errorf("unexpected startup view: %+v", o)
	}
	if ctrl.DurationMs() != 180000 {
		t.Errorf("expected duration 180000, got %d", ctrl.DurationMs())
	}

	mpv.prop("time-pos", 179.0)
	mpv.event("end-file", "reason", "eof")
	o = expect(t, rec, host.TrackChanging)
	if o.pos != 179000 || o.title != "Mid" {
		t.Errorf("unexpected track-changing view: %+v", o)
	}
}

func TestTrackLifecycle(t *testing.T) {
	ctrl, mpv, rec := startController(t)
	mpv.idle()
	expect(t, rec, host.Startup)

	loadTrack(mpv)
	o := expect(t, rec, host.TrackStarted)
	if o.title != "Song" || o.ref != "/music/a.flac" || o.state != host.StatePlaying {
		t.Errorf("unexpected track-started view: %+v", o)
	}
	if got := ctrl.Metadata(host.FieldArtist); got != "Band" {
		t.Errorf("expected artist Band, got %q", got)
	}
	if got := ctrl.Metadata(host.FieldAlbum); got != "LP" {
		t.Errorf("expected album LP, got %q", got)
	}

	mpv.prop("time-pos", 197.5)
	mpv.prop("time-pos", nil)
	mpv.event("end-file", "reason", "eof")
	o = expect(t, rec, host.TrackChanging)
	if !o.okPos || o.pos != 197500 {
		t.Errorf("expected last position 197500, got %d (ok=%v)", o.pos, o.okPos)
	}
	if o.title != "Song" {
		t.Errorf("expected outgoing title, got %q", o.title)
	}

	mpv.prop("idle-active", true)
	o = expect(t, rec, host.PlaylistEnded)
	if o.state != host.StateStopped {
		t.Errorf("expected stopped after playlist end, got %s", o.state)
	}
}

func TestPauseAndQuit(t *testing.T) {
	_, mpv, rec := startController(t)
	mpv.idle()
	expect(t, rec, host.Startup)
	loadTrack(mpv)
	expect(t, rec, host.TrackStarted)

	mpv.prop("pause", true)
	o := expect(t, rec, host.PlayStateChanged)
	if o.state != host.StatePaused {
		t.Errorf("expected paused, got %s", o.state)
	}
	mpv.prop("pause", true)
	expectNone(t, rec)

	mpv.event("end-file", "reason", "quit")
	o = expect(t, rec, host.PlayStateChanged)
	if o.state != host.StateStopped {
		t.Errorf("expected stopped after quit, got %s", o.state)
	}
}

func TestPlaybackRestartStartsTrackWithoutMetadata(t *testing.T) {
	_, mpv, rec := startController(t)
	mpv.idle()
	expect(t, rec, host.Startup)

	mpv.event("start-file")
	mpv.prop("path", "http://radio.example/stream")
	mpv.prop("idle-active", false)
	mpv.event("file-loaded")
	expectNone(t, rec)
	mpv.event("playback-restart")
	o := expect(t, rec, host.TrackStarted)
	if o.ref != "http://radio.example/stream" {
		t.Errorf("unexpected ref %q", o.ref)
	}
}

func TestEndFileWithoutTrackIsIgnored(t *testing.T) {
	_, mpv, rec := startController(t)
	mpv.idle()
	expect(t, rec, host.Startup)

	mpv.event("end-file", "reason", "error")
	mpv.prop("idle-active", true)
	expectNone(t, rec)
}

func TestDisconnectStopsPlayback(t *testing.T) {
	ctrl, mpv, rec := startController(t)
	mpv.idle()
	expect(t, rec, host.Startup)
	loadTrack(mpv)
	expect(t, rec, host.TrackStarted)

	mpv.conn.Close()
	o := expect(t, rec, host.PlayStateChanged)
	if o.state != host.StateStopped {
		t.Errorf("expected stopped after disconnect, got %s", o.state)
	}
	select {
	case <-ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not finish")
	}
}

func TestProbe(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			conn.Write([]byte(`{"event":"idle"}` + "\n"))
			conn.Write([]byte(`{"data":"mpv 0.38.0","request_id":1,"error":"success"}` + "\n"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	version, err := Probe(ctx, Options{IPCPath: path})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if version != "mpv 0.38.0" {
		t.Errorf("unexpected version %q", version)
	}
}

func TestProbeNoSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Probe(ctx, Options{IPCPath: filepath.Join(t.TempDir(), "missing.sock")}); err == nil {
		t.Fatal("expected error for missing socket")
	}
}
