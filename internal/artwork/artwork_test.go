package artwork

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nowplaying/nowplaying/internal/scrobble"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	calls    int
	data     []byte
	fallback string
}

func (f *fakeSource) FetchArtwork(string) ([]byte, string) {
	f.calls++
	return f.data, f.fallback
}

func TestDetectImageType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ext  string
		ct   string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, ".jpg", "image/jpeg"},
		{"png", pngHeader, ".png", "image/png"},
		{"gif", []byte("GIF89a"), ".gif", "image/gif"},
		{"bmp", []byte("BM\x00\x00"), ".bmp", "image/bmp"},
		{"unknown", []byte("hello"), ".bin", "application/octet-stream"},
		{"short png", []byte{0x89, 0x50}, ".bin", "application/octet-stream"},
		{"empty", nil, ".bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, ct := DetectImageType(tt.data)
			assert.Equal(t, tt.ext, ext)
			assert.Equal(t, tt.ct, ct)
		})
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "Song.jpg", FileName("Song", ".jpg"))
	assert.Equal(t, "AC_DC _ Live_.png", FileName("AC/DC | Live?", ".png"))
	assert.Equal(t, "a_b.bin", FileName("a\tb", ""))
	assert.Equal(t, "artwork.jpg", FileName("  ", ".jpg"))
}

func TestResolveDisabledSkipsHost(t *testing.T) {
	src := &fakeSource{data: pngHeader}
	r := NewResolver(src, quietLogger())

	_, ok := r.Resolve(scrobble.NewTrack("/music/a.flac", "Song", "", "", 1000), false)
	assert.False(t, ok)
	assert.Zero(t, src.calls)
}

func TestResolveEmbedded(t *testing.T) {
	src := &fakeSource{data: pngHeader}
	r := NewResolver(src, quietLogger())

	art, ok := r.Resolve(scrobble.NewTrack("/music/a.flac", "Song", "", "", 1000), true)
	require.True(t, ok)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, "Song.png", art.FileName)
	assert.Equal(t, "image/png", art.ContentType)
	assert.Equal(t, pngHeader, art.Data)
}

func TestResolveFallbackFile(t *testing.T) {
	dir := t.TempDir()
	cover := filepath.Join(dir, "cover.jpg")
	require.NoError(t, os.WriteFile(cover, []byte{0xFF, 0xD8, 0xFF, 0xDB}, 0o644))

	r := NewResolver(&fakeSource{fallback: cover}, quietLogger())
	art, ok := r.Resolve(scrobble.NewTrack(filepath.Join(dir, "a.mp3"), "", "", "", 0), true)
	require.True(t, ok)
	assert.Equal(t, "Unknown Title.jpg", art.FileName)
	assert.Equal(t, "image/jpeg", art.ContentType)
}

func TestResolveNoArtwork(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		src   *fakeSource
		track scrobble.Track
	}{
		{"nothing", &fakeSource{}, scrobble.NewTrack("/a.mp3", "", "", "", 0)},
		{"missing fallback", &fakeSource{fallback: filepath.Join(dir, "nope.jpg")}, scrobble.NewTrack("/a.mp3", "", "", "", 0)},
		{"no file ref", &fakeSource{data: pngHeader}, scrobble.NewTrack("", "", "", "", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := NewResolver(tt.src, quietLogger()).Resolve(tt.track, true)
			assert.False(t, ok)
		})
	}
}

func TestUploadCacheGetSet(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewUploadCache(dir)
	require.NoError(t, err)

	_, ok := cache.Get("/music/a.flac")
	assert.False(t, ok)

	require.NoError(t, cache.Set("/Music/A.flac", "file1"))
	id, ok := cache.Get("/music/a.FLAC")
	require.True(t, ok)
	assert.Equal(t, "file1", id)
	assert.Equal(t, 1, cache.Len())

	data, err := os.ReadFile(filepath.Join(dir, UploadCacheFileName))
	require.NoError(t, err)
	assert.Equal(t, "/Music/A.flac|file1\n", string(data))
}

func TestUploadCacheIdenticalSetDoesNotWrite(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewUploadCache(dir)
	require.NoError(t, err)
	require.NoError(t, cache.Set("k", "v"))

	path := filepath.Join(dir, UploadCacheFileName)
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(path, old, old))

	require.NoError(t, cache.Set("K", "v"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old), "file rewritten for identical value")

	require.NoError(t, cache.Set("k", "v2"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "k|v2\n", string(data))
}

func TestUploadCacheBlankAndInvalid(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewUploadCache(dir)
	require.NoError(t, err)

	assert.NoError(t, cache.Set("", "v"))
	assert.NoError(t, cache.Set("k", " "))
	assert.ErrorIs(t, cache.Set("a|b", "v"), ErrInvalidEntry)
	assert.ErrorIs(t, cache.Set("a\nb", "v"), ErrInvalidEntry)
	assert.Zero(t, cache.Len())

	_, err = os.Stat(filepath.Join(dir, UploadCacheFileName))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUploadCacheLoadSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	content := "/a.mp3|id1\n\nbroken line\n/b.mp3|id2|extra\n|noKey\n/c.mp3|id3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, UploadCacheFileName), []byte(content), 0o644))

	cache, err := NewUploadCache(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	id, ok := cache.Get("/A.MP3")
	assert.True(t, ok)
	assert.Equal(t, "id1", id)
	_, ok = cache.Get("/b.mp3")
	assert.False(t, ok)
	id, _ = cache.Get("/c.mp3")
	assert.Equal(t, "id3", id)
}

func TestUploadCacheReload(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewUploadCache(dir)
	require.NoError(t, err)
	require.NoError(t, cache.Set("/b.mp3", "id2"))
	require.NoError(t, cache.Set("/a.mp3", "id1"))

	reloaded, err := NewUploadCache(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Len())
	id, ok := reloaded.Get("/b.mp3")
	assert.True(t, ok)
	assert.Equal(t, "id2", id)

	data, err := os.ReadFile(filepath.Join(dir, UploadCacheFileName))
	require.NoError(t, err)
	assert.Equal(t, "/a.mp3|id1\n/b.mp3|id2\n", string(data))
}
