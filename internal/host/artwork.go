package host

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
)

// coverNames lists common album art filenames in priority order.
var coverNames = []string{
	"cover.jpg", "cover.png", "cover.jpeg",
	"folder.jpg", "folder.png", "folder.jpeg",
	"album.jpg", "album.png", "album.jpeg",
	"front.jpg", "front.png", "front.jpeg",
}

// LocalPath converts a file reference to a local filesystem path. Plain
// paths are returned as-is, file:// URLs are decoded, and any other scheme
// yields "".
func LocalPath(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if !strings.Contains(ref, "://") {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil || !strings.EqualFold(u.Scheme, "file") {
		return ""
	}
	return u.Path
}

// ReadEmbeddedArtwork returns the picture embedded in the audio file at path.
func ReadEmbeddedArtwork(path string) ([]byte, error) {
	if path == "" {
		return nil, ErrUnavailable
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open track: %w", err)
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		return nil, fmt.Errorf("read tags: %w", err)
	}
	pic := meta.Picture()
	if pic == nil || len(pic.Data) == 0 {
		return nil, ErrUnavailable
	}
	return pic.Data, nil
}

// FindCoverFile looks for album art in the same directory as the track.
// Returns the path to the art file, or "" if not found.
func FindCoverFile(trackPath string) string {
	if trackPath == "" {
		return ""
	}
	dir := filepath.Dir(trackPath)
	for _, name := range coverNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LocalArtwork implements the artwork half of Host for players whose file
// references point at local files.
func LocalArtwork(ref string) ([]byte, string) {
	path := LocalPath(ref)
	if path == "" {
		return nil, ""
	}
	data, err := ReadEmbeddedArtwork(path)
	if err == nil {
		return data, ""
	}
	return nil, FindCoverFile(path)
}
