package artwork

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	UploadCacheFileName = "misskey_uploaded_files.cache"
	cacheSeparator      = "|"
)

var ErrInvalidEntry = errors.New("artwork: cache entry contains a separator or line break")

// UploadCache maps track file references (case-insensitively) to the drive
// file ids their artwork was uploaded as. The whole map lives in memory and
// is rewritten to disk on every change.
type UploadCache struct {
	mu      sync.Mutex
	path    string
	entries map[string]cacheEntry
}

type cacheEntry struct {
	key    string
	fileID string
}

// NewUploadCache loads the cache file from dir, creating dir if needed.
func NewUploadCache(dir string) (*UploadCache, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("artwork: storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	c := &UploadCache{
		path:    filepath.Join(dir, UploadCacheFileName),
		entries: make(map[string]cacheEntry),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func foldKey(key string) string {
	return strings.ToLower(key)
}

// Path returns the backing file location.
func (c *UploadCache) Path() string { return c.path }

// Len returns the number of cached uploads.
func (c *UploadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Get returns the file id stored for key.
func (c *UploadCache) Get(key string) (string, bool) {
	if strings.TrimSpace(key) == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[foldKey(key)]
	if !ok {
		return "", false
	}
	return e.fileID, true
}

// Set stores fileID for key and persists the cache before returning. Blank
// arguments and unchanged values are no-ops that do not touch the file.
func (c *UploadCache) Set(key, fileID string) error {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(fileID) == "" {
		return nil
	}
	if !validField(key) || !validField(fileID) {
		return ErrInvalidEntry
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	folded := foldKey(key)
	if e, ok := c.entries[folded]; ok && e.fileID == fileID {
		return nil
	}
	c.entries[folded] = cacheEntry{key: key, fileID: fileID}
	return c.save()
}

func validField(v string) bool {
	return !strings.ContainsAny(v, cacheSeparator+"\r\n")
}

func (c *UploadCache) load() error {
	f, err := os.Open(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open upload cache: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.Count(line, cacheSeparator) != 1 {
			continue
		}
		key, fileID, _ := strings.Cut(line, cacheSeparator)
		if key == "" || fileID == "" {
			continue
		}
		c.entries[foldKey(key)] = cacheEntry{key: key, fileID: fileID}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read upload cache: %w", err)
	}
	return nil
}

// save rewrites the cache file. Callers hold c.mu.
func (c *UploadCache) save() error {
	folded := make([]string, 0, len(c.entries))
	for k := range c.entries {
		folded = append(folded, k)
	}
	sort.Strings(folded)

	var b strings.Builder
	for _, k := range folded {
		e := c.entries[k]
		b.WriteString(e.key)
		b.WriteString(cacheSeparator)
		b.WriteString(e.fileID)
		b.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".upload-cache-*")
	if err != nil {
		return fmt.Errorf("write upload cache: %w", err)
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write upload cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write upload cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace upload cache: %w", err)
	}
	return nil
}
