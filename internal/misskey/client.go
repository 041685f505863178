// Package misskey posts notes and uploads drive files to a Misskey instance.
package misskey

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/nowplaying/nowplaying/internal/artwork"
	"github.com/nowplaying/nowplaying/internal/settings"
)

const (
	NotesPath = "/api/notes/create"
	DrivePath = "/api/drive/files/create"

	// MaxLoggedBody caps how much of a response body ends up in logs and errors.
	MaxLoggedBody = 500

	DefaultTimeout = 30 * time.Second
)

var (
	ErrNoInstance = errors.New("misskey: instance url is not set")
	ErrNoFileID   = errors.New("misskey: upload response has no file id")
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("misskey: %s", e.Status)
	}
	return fmt.Sprintf("misskey: %s: %s", e.Status, e.Body)
}

// NotesEndpoint returns the note creation URL for an instance, or "" when the
// instance URL is blank.
func NotesEndpoint(instance string) string {
	return endpoint(instance, NotesPath)
}

// DriveEndpoint returns the drive upload URL for an instance.
func DriveEndpoint(instance string) string {
	return endpoint(instance, DrivePath)
}

func endpoint(instance, path string) string {
	base := settings.NormalizeInstanceURL(instance)
	if base == "" {
		return ""
	}
	return base + path
}

// Client talks to the Misskey HTTP API with bearer-token auth.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a client. A nil httpClient gets DefaultTimeout.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, logger: logger}
}

// CreateNote posts text as a public note, attaching fileID when non-empty.
// It returns the created note's id when the response carries one.
func (c *Client) CreateNote(ctx context.Context, instance, token, text, fileID string) (string, error) {
	url := NotesEndpoint(instance)
	if url == "" {
		return "", ErrNoInstance
	}

	payload := BuildNotePayload(text, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build note request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	noteID, _ := ExtractJSONString(body, "id")
	return noteID, nil
}

// UploadFile stores art in the account's drive and returns the new file id.
func (c *Client) UploadFile(ctx context.Context, instance, token string, art artwork.Artwork) (string, error) {
	url := DriveEndpoint(instance)
	if url == "" {
		return "", ErrNoInstance
	}

	body, contentType, err := buildUploadBody(art)
	if err != nil {
		return "", fmt.Errorf("build upload body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	fileID, ok := ExtractJSONString(resp, "id")
	if !ok || fileID == "" {
		c.logger.Debug("upload response without id", slog.String("body", Truncate(resp, MaxLoggedBody)))
		return "", ErrNoFileID
	}
	return fileID, nil
}

func buildUploadBody(art artwork.Artwork) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("isSensitive", "false"); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("force", "false"); err != nil {
		return nil, "", err
	}

	contentType := art.ContentType
	if contentType == "" {
		contentType = artwork.DefaultContentType
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%s`, QuoteJSONString(art.FileName)))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(art.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// do sends req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) (string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	body := string(data)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       Truncate(body, MaxLoggedBody),
		}
	}
	return body, nil
}

// BuildNotePayload renders the notes/create request body.
func BuildNotePayload(text, fileID string) string {
	var b strings.Builder
	b.WriteString(`{"visibility":"public","text":`)
	b.WriteString(QuoteJSONString(text))
	if fileID != "" {
		b.WriteString(`,"fileIds":[`)
		b.WriteString(QuoteJSONString(fileID))
		b.WriteByte(']')
	}
	b.WriteByte('}')
	return b.String()
}
