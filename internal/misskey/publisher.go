package misskey

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nowplaying/nowplaying/internal/artwork"
	"github.com/nowplaying/nowplaying/internal/history"
	"github.com/nowplaying/nowplaying/internal/scrobble"
	"github.com/nowplaying/nowplaying/internal/settings"
)

const fixedHashtags = "#NowPlaying #MusicBee"

// FileCache remembers uploaded drive file ids per track.
type FileCache interface {
	Get(key string) (string, bool)
	Set(key, fileID string) error
}

// ArtworkResolver produces upload-ready artwork for a track.
type ArtworkResolver interface {
	Resolve(track scrobble.Track, attach bool) (artwork.Artwork, bool)
}

// Recorder receives the outcome of each publish attempt.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// PublisherOptions configures a Publisher. Cache, Resolver and History are
// optional.
type PublisherOptions struct {
	Client      *Client
	Cache       FileCache
	Resolver    ArtworkResolver
	History     Recorder
	MinInterval time.Duration
	Logger      *slog.Logger
}

// Publisher implements scrobble.Publisher for Misskey.
type Publisher struct {
	client   *Client
	cache    FileCache
	resolver ArtworkResolver
	history  Recorder
	limiter  *rate.Limiter
	logger   *slog.Logger
}

var _ scrobble.Publisher = (*Publisher)(nil)

func NewPublisher(opts PublisherOptions) *Publisher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Client == nil {
		opts.Client = NewClient(nil, opts.Logger)
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	return &Publisher{
		client:   opts.Client,
		cache:    opts.Cache,
		resolver: opts.Resolver,
		history:  opts.History,
		limiter:  limiter,
		logger:   opts.Logger,
	}
}

// BuildNoteText formats the note body for a finished track.
func BuildNoteText(track scrobble.Track, customHashtags string) string {
	var b strings.Builder
	b.WriteString(track.Title)
	b.WriteString(" / ")
	b.WriteString(track.Artist)
	b.WriteString("\n（Album：")
	b.WriteString(track.Album)
	b.WriteString("）\n")
	b.WriteString(fixedHashtags)
	if tags := strings.TrimSpace(customHashtags); tags != "" {
		b.WriteByte(' ')
		b.WriteString(tags)
	}
	return b.String()
}

// Publish posts a note for track. Artwork problems never prevent the note;
// they only drop the attachment.
func (p *Publisher) Publish(ctx context.Context, track scrobble.Track, s settings.Settings) error {
	if !s.IsConfigured() {
		p.record(ctx, track, history.StatusSkipped, "", "", scrobble.ErrNotConfigured)
		return scrobble.ErrNotConfigured
	}
	p.logger.Info("preparing post", slog.String("title", track.Title), slog.String("artist", track.Artist))

	text := BuildNoteText(track, s.CustomHashtags)
	fileID, err := p.resolveFileID(ctx, track, s)
	if err != nil {
		return err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	noteID, err := p.client.CreateNote(ctx, s.InstanceURL, s.AccessToken, text, fileID)
	if err != nil {
		if ctx.Err() == nil {
			p.record(ctx, track, history.StatusFailed, "", fileID, err)
		}
		return err
	}

	p.logger.Info("note posted",
		slog.String("title", track.Title),
		slog.String("note_id", noteID),
		slog.String("file_id", orNone(fileID)))
	p.record(ctx, track, history.StatusPosted, noteID, fileID, nil)
	return nil
}

// Skipped implements scrobble.SkipRecorder.
func (p *Publisher) Skipped(ctx context.Context, track scrobble.Track, reason error) {
	p.logger.Debug("track not posted", slog.String("title", track.Title), slog.Any("reason", reason))
	p.record(ctx, track, history.StatusSkipped, "", "", reason)
}

// resolveFileID returns a drive file id for the track's artwork, or "" when
// attachment is off or nothing could be uploaded. Only cancellation is
// returned as an error.
func (p *Publisher) resolveFileID(ctx context.Context, track scrobble.Track, s settings.Settings) (string, error) {
	if !s.AttachAlbumArt {
		p.logger.Debug("artwork attachment disabled", slog.String("title", track.Title))
		return "", nil
	}

	key := track.FileRef
	if key != "" && p.cache != nil {
		if id, ok := p.cache.Get(key); ok {
			p.logger.Debug("reusing uploaded artwork", slog.String("file_id", id), slog.String("title", track.Title))
			return id, nil
		}
	}
	if p.resolver == nil {
		return "", nil
	}

	art, ok := p.resolver.Resolve(track, true)
	if !ok {
		p.logger.Debug("no artwork for track", slog.String("title", track.Title))
		return "", nil
	}

	p.logger.Info("uploading artwork", slog.String("file", art.FileName), slog.String("title", track.Title))
	id, err := p.client.UploadFile(ctx, s.InstanceURL, s.AccessToken, art)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return "", err
		}
		p.logger.Warn("artwork upload failed, posting without it", slog.String("title", track.Title), slog.Any("err", err))
		return "", nil
	}

	if key != "" && p.cache != nil {
		if err := p.cache.Set(key, id); err != nil {
			p.logger.Warn("caching uploaded artwork failed", slog.String("key", key), slog.Any("err", err))
		} else {
			p.logger.Debug("cached uploaded artwork", slog.String("key", key), slog.String("file_id", id))
		}
	}
	return id, nil
}

// record writes an outcome to history. The entry is written even when ctx has
// been cancelled after the outcome was decided.
func (p *Publisher) record(ctx context.Context, track scrobble.Track, status history.Status, noteID, fileID string, cause error) {
	if p.history == nil {
		return
	}
	e := history.Entry{
		FileRef: track.FileRef,
		Title:   track.Title,
		Artist:  track.Artist,
		Album:   track.Album,
		Status:  status,
		NoteID:  noteID,
		FileID:  fileID,
	}
	if cause != nil {
		e.Error = Truncate(cause.Error(), MaxLoggedBody)
	}
	if err := p.history.Record(context.WithoutCancel(ctx), e); err != nil {
		p.logger.Debug("history record failed", slog.Any("err", err))
	}
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
