package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/logging"
	"github.com/notalog/notalog/pkg/resilience"
)

// APIError is a non-2xx backend response.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// Session is the backend's view of one recording session.
type Session struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Transcript string    `json:"transcript,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AudioMeta describes the encoded audio attached to an upload.
type AudioMeta struct {
	Codec       string  `json:"codec"`
	Container   string  `json:"container"`
	SampleRate  int     `json:"sample_rate"`
	Channels    int     `json:"channels"`
	BitrateKbps int     `json:"bitrate_kbps,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// PrepareUploadRequest describes the file about to be uploaded so the
// backend can mint a signed destination.
type PrepareUploadRequest struct {
	FileName    string    `json:"file_name"`
	ByteSize    int64     `json:"byte_size"`
	SHA256      string    `json:"sha256"`
	ContentType string    `json:"content_type"`
	Variant     string    `json:"variant"`
	Meta        AudioMeta `json:"meta"`
}

// PrepareUploadResponse carries the signed destination and the handle used
// to commit the upload afterwards.
type PrepareUploadResponse struct {
	UploadID    string            `json:"upload_id"`
	UploadURL   string            `json:"upload_url"`
	Method      string            `json:"method,omitempty"`
	StoragePath string            `json:"storage_path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// CommitUploadRequest finalizes an upload. Expected size and digest are what
// the client actually transmitted; the backend verifies the stored object
// against them before acknowledging.
type CommitUploadRequest struct {
	UploadID       string    `json:"upload_id"`
	StoragePath    string    `json:"storage_path,omitempty"`
	ContentType    string    `json:"content_type"`
	ByteSize       int64     `json:"byte_size"`
	Meta           AudioMeta `json:"meta"`
	ExpectedSize   int64     `json:"expected_byte_size"`
	ExpectedSHA256 string    `json:"expected_sha256"`
	OriginalSHA256 string    `json:"original_sha256,omitempty"`
}

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		logger:  logging.NewComponentLogger(slog.Default(), "api"),
	}
}

func (c *Client) CreateSession(ctx context.Context, title string, tags []string) (Session, error) {
	var out Session
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions",
		map[string]any{"title": title, "tags": tags}, &out)
	return out, err
}

func (c *Client) UpdateTranscript(ctx context.Context, sessionID, transcript string) error {
	return c.doJSON(ctx, http.MethodPatch, "/v1/sessions/"+sessionID,
		map[string]any{"transcript": transcript}, nil)
}

func (c *Client) UpdateNotes(ctx context.Context, sessionID, notes string) error {
	return c.doJSON(ctx, http.MethodPatch, "/v1/sessions/"+sessionID,
		map[string]any{"notes": notes}, nil)
}

func (c *Client) UpdateTags(ctx context.Context, sessionID string, tags []string) error {
	return c.doJSON(ctx, http.MethodPatch, "/v1/sessions/"+sessionID,
		map[string]any{"tags": tags}, nil)
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, nil, nil)
}

// PrepareAudioUpload asks the backend for a signed upload destination.
func (c *Client) PrepareAudioUpload(ctx context.Context, sessionID string, req PrepareUploadRequest) (PrepareUploadResponse, error) {
	var out PrepareUploadResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/audio/prepare", req, &out)
	if err != nil {
		return out, errorsx.Wrap(err, errorsx.ReasonUploadPrepare)
	}
	if out.UploadURL == "" || out.UploadID == "" {
		return out, errorsx.New(errorsx.ReasonUploadPrepare, "prepare response missing upload destination")
	}
	return out, nil
}

// UploadFile streams the file body to the signed destination, using the
// method the prepare response asked for (PUT when unspecified).
func (c *Client) UploadFile(ctx context.Context, dest PrepareUploadResponse, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUploadTransfer)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUploadTransfer)
	}

	method := dest.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, dest.UploadURL, f)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUploadTransfer)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUploadTransfer)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return errorsx.Wrap(APIError{Status: resp.StatusCode, Message: string(body)},
			errorsx.ReasonUploadTransfer)
	}
	return nil
}

// CommitAudioUpload finalizes the upload server-side. The stored object can
// lag the transfer, so a 404, or a 5xx whose message says the object is not
// yet visible, is classified transient and left to the caller's retry
// policy; any other failure is terminal.
func (c *Client) CommitAudioUpload(ctx context.Context, sessionID string, req CommitUploadRequest) error {
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/audio/commit", req, nil)
	if err == nil {
		return nil
	}
	var apiErr APIError
	if errors.As(err, &apiErr) && commitTransient(apiErr) {
		return errorsx.Wrap(err, errorsx.ReasonUploadTransient)
	}
	return errorsx.Wrap(err, errorsx.ReasonUploadCommit)
}

// commitTransient reports whether a commit failure looks like storage
// replication lag rather than a permanent rejection.
func commitTransient(apiErr APIError) bool {
	if apiErr.Status == http.StatusNotFound {
		return true
	}
	if apiErr.Status < 500 {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	for _, hint := range []string{"not found", "not yet", "not visible", "not available", "no such object"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)

	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		return resilience.RateLimitError{Provider: "notalog_api", Message: string(raw)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return APIError{Status: resp.StatusCode, Message: string(raw)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
