// Package settings holds the Misskey posting settings and their flat
// key=value persistence.
package settings

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

const (
	FileName = "misskey_settings.ini"

	MinPostEvery = 1
	MaxPostEvery = 50
)

const (
	keyInstanceURL    = "InstanceUrl"
	keyAccessToken    = "AccessToken"
	keyPostEvery      = "PostEvery"
	keyCustomHashtags = "CustomHashtags"
	keyAttachAlbumArt = "AttachAlbumArt"
)

var (
	ErrInstanceRequired = errors.New("instance URL is required")
	ErrInstanceInvalid  = errors.New("instance URL must be an absolute http(s) URL")
	ErrTokenRequired    = errors.New("access token is required")
	ErrPostEveryRange   = fmt.Errorf("post frequency must be between %d and %d", MinPostEvery, MaxPostEvery)
)

// Settings is the user-facing posting configuration. Values are copied, never
// shared, so a snapshot taken at publish time cannot change underneath a
// running task.
type Settings struct {
	InstanceURL    string
	AccessToken    string
	PostEvery      int
	CustomHashtags string
	AttachAlbumArt bool
}

func Default() Settings {
	return Settings{PostEvery: 1, AttachAlbumArt: true}
}

// IsConfigured reports whether enough is set to attempt a post.
func (s Settings) IsConfigured() bool {
	return strings.TrimSpace(s.InstanceURL) != "" && strings.TrimSpace(s.AccessToken) != ""
}

// Frequency returns PostEvery clamped to at least one.
func (s Settings) Frequency() int {
	if s.PostEvery < MinPostEvery {
		return MinPostEvery
	}
	return s.PostEvery
}

func (s *Settings) ensureValid() {
	if s.PostEvery < MinPostEvery {
		s.PostEvery = MinPostEvery
	}
	s.InstanceURL = NormalizeInstanceURL(s.InstanceURL)
	s.AccessToken = strings.TrimSpace(s.AccessToken)
	s.CustomHashtags = strings.TrimSpace(s.CustomHashtags)
}

// NormalizeInstanceURL trims whitespace and trailing slashes and assumes
// https:// when no scheme is given. An explicit http:// is preserved.
func NormalizeInstanceURL(v string) string {
	v = strings.TrimRight(strings.TrimSpace(v), "/")
	if v == "" {
		return ""
	}
	lower := strings.ToLower(v)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		v = "https://" + v
	}
	return v
}

// Validate applies the checks the setup form enforces before saving.
func Validate(s Settings) error {
	instance := NormalizeInstanceURL(s.InstanceURL)
	if instance == "" {
		return ErrInstanceRequired
	}
	u, err := url.Parse(instance)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInstanceInvalid
	}
	if strings.TrimSpace(s.AccessToken) == "" {
		return ErrTokenRequired
	}
	if s.PostEvery < MinPostEvery || s.PostEvery > MaxPostEvery {
		return ErrPostEveryRange
	}
	return nil
}

// Path returns the settings file location inside the storage directory.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Load reads settings from dir. A missing directory or file yields defaults;
// unknown keys and unparsable values are ignored.
//
// Lines are split on the first '=' and the value is taken verbatim, so '#'
// inside a value is kept. A value wrapped in double quotes is decoded as a
// dotenv string.
func Load(dir string) (Settings, error) {
	s := Default()
	if strings.TrimSpace(dir) == "" {
		return s, nil
	}
	f, err := os.Open(Path(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("open settings: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(key, strings.TrimSpace(value))

		switch key {
		case keyInstanceURL:
			s.InstanceURL = value
		case keyAccessToken:
			s.AccessToken = value
		case keyPostEvery:
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				s.PostEvery = n
			}
		case keyCustomHashtags:
			s.CustomHashtags = value
		case keyAttachAlbumArt:
			if b, ok := parseBool(value); ok {
				s.AttachAlbumArt = b
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}

	s.ensureValid()
	return s, nil
}

// unquote decodes a double-quoted value as written by dotenv tooling. Other
// values are returned unchanged.
func unquote(key, value string) string {
	if len(value) < 2 || value[0] != '"' || value[len(value)-1] != '"' {
		return value
	}
	parsed, err := godotenv.Unmarshal(key + "=" + value)
	if err != nil {
		return value
	}
	if v, ok := parsed[key]; ok {
		return v
	}
	return value
}

// parseBool accepts true/false in any case, or an integer where non-zero is
// true.
func parseBool(v string) (bool, bool) {
	v = strings.TrimSpace(v)
	if b, err := strconv.ParseBool(v); err == nil {
		return b, true
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n != 0, true
	}
	return false, false
}

// Save writes s to dir as flat key=value lines, creating the directory if
// needed.
func Save(dir string, s Settings) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("settings: storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	s.ensureValid()

	lines := []string{
		keyInstanceURL + "=" + oneLine(s.InstanceURL),
		keyAccessToken + "=" + oneLine(s.AccessToken),
		keyPostEvery + "=" + strconv.Itoa(s.PostEvery),
		keyCustomHashtags + "=" + oneLine(s.CustomHashtags),
		keyAttachAlbumArt + "=" + strconv.FormatBool(s.AttachAlbumArt),
	}
	data := []byte(strings.Join(lines, "\n") + "\n")

	path := Path(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func oneLine(v string) string {
	return strings.Join(strings.FieldsFunc(v, func(r rune) bool { return r == '\r' || r == '\n' }), " ")
}

// Store holds the live settings snapshot shared by the event path and the
// reload handler.
type Store struct {
	mu sync.RWMutex
	s  Settings
}

func NewStore(s Settings) *Store {
	return &Store{s: s}
}

// Snapshot returns a copy of the current settings.
func (st *Store) Snapshot() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

func (st *Store) Update(s Settings) {
	s.ensureValid()
	st.mu.Lock()
	st.s = s
	st.mu.Unlock()
}
