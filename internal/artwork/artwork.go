// Package artwork resolves album art for a finished track and remembers
// which tracks already have their art uploaded.
package artwork

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/nowplaying/nowplaying/internal/scrobble"
)

var ErrNotFound = errors.New("artwork not found")

const (
	DefaultName        = "artwork"
	DefaultContentType = "application/octet-stream"
	DefaultExtension   = ".bin"
)

// Artwork is an image ready for upload.
type Artwork struct {
	FileName    string
	ContentType string
	Data        []byte
}

type signature struct {
	magic       []byte
	ext         string
	contentType string
}

var signatures = []signature{
	{[]byte{0xFF, 0xD8}, ".jpg", "image/jpeg"},
	{[]byte{0x89, 0x50, 0x4E, 0x47}, ".png", "image/png"},
	{[]byte{0x47, 0x49, 0x46}, ".gif", "image/gif"},
	{[]byte{0x42, 0x4D}, ".bmp", "image/bmp"},
}

// DetectImageType sniffs the leading bytes of data. Unrecognised input is
// reported as generic binary.
func DetectImageType(data []byte) (ext, contentType string) {
	for _, sig := range signatures {
		if bytes.HasPrefix(data, sig.magic) {
			return sig.ext, sig.contentType
		}
	}
	return DefaultExtension, DefaultContentType
}

// invalidNameChars covers characters rejected in file names on any
// mainstream filesystem.
const invalidNameChars = `"<>|:*?\/`

// FileName derives an upload name from a track title.
func FileName(title, ext string) string {
	name := strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(invalidNameChars, r) {
			return '_'
		}
		return r
	}, title)
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	if strings.TrimSpace(ext) == "" {
		ext = DefaultExtension
	}
	return name + ext
}

// Source is the part of host.Host the resolver needs.
type Source interface {
	FetchArtwork(ref string) (data []byte, fallbackPath string)
}

// Resolver fetches artwork bytes for a track from the host.
type Resolver struct {
	source Source
	logger *slog.Logger
}

func NewResolver(source Source, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger}
}

// Resolve returns the track's artwork. It reports false without touching the
// host when attach is off or the track has no file reference.
func (r *Resolver) Resolve(track scrobble.Track, attach bool) (Artwork, bool) {
	if !attach {
		return Artwork{}, false
	}
	if strings.TrimSpace(track.FileRef) == "" {
		r.logger.Debug("artwork skipped: no file reference", slog.String("title", track.Title))
		return Artwork{}, false
	}

	data, err := r.fetch(track.FileRef)
	if err != nil {
		r.logger.Debug("artwork unavailable", slog.String("title", track.Title), slog.Any("err", err))
		return Artwork{}, false
	}

	ext, contentType := DetectImageType(data)
	art := Artwork{
		FileName:    FileName(track.Title, ext),
		ContentType: contentType,
		Data:        data,
	}
	r.logger.Debug("artwork resolved",
		slog.String("file", art.FileName),
		slog.String("content_type", art.ContentType),
		slog.String("size", humanize.Bytes(uint64(len(data)))))
	return art, true
}

func (r *Resolver) fetch(ref string) ([]byte, error) {
	if r.source == nil {
		return nil, ErrNotFound
	}
	data, fallback := r.source.FetchArtwork(ref)
	if len(data) > 0 {
		return data, nil
	}
	if fallback == "" {
		return nil, ErrNotFound
	}
	if _, err := os.Stat(fallback); err != nil {
		return nil, ErrNotFound
	}
	r.logger.Debug("reading artwork from file", slog.String("path", fallback))
	data, err := os.ReadFile(fallback)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}
