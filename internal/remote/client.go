// Package remote is the HTTP/JSON client for the chat backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/inline"
)

// maxErrorBody caps how much of a failed response is kept on NetworkError.
const maxErrorBody = 4 << 10

// NetworkError reports a request that failed in transport or returned a non-2xx status.
type NetworkError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("network: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("network: %s: status %d", e.Op, e.StatusCode)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ResourceID is a server-assigned id that may arrive as a JSON number or string.
type ResourceID string

func (id *ResourceID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ResourceID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("resource id: %w", err)
	}
	*id = ResourceID(n.String())
	return nil
}

// CreateMessageRequest is the body of POST /chats/{chatId}/messages.
type CreateMessageRequest struct {
	Content      string  `json:"content"`
	SenderID     *string `json:"senderId"`
	IsAIResponse bool    `json:"isAiResponse"`
}

// Created is the subset of a create response the sync engine needs.
type Created struct {
	ID ResourceID `json:"id"`
}

// MediaUpload describes one attachment upload. Exactly one of Data or URL is used:
// inline payloads go out as a file part, remote references as a url field.
type MediaUpload struct {
	Type      string
	Data      []byte
	URL       string
	Thumbnail string
}

// Client talks to the chat backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for baseURL. A zero timeout means no client-side deadline.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string { return c.baseURL }

// CreateMessage posts a message to the chat. The idempotency key is sent as a
// header so a server that supports it can drop replays.
func (c *Client) CreateMessage(ctx context.Context, chatID string, req CreateMessageRequest, idempotencyKey string) (*Created, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}

	path := "/chats/" + url.PathEscape(chatID) + "/messages"
	return c.doCreate(ctx, "create message", path, header, body)
}

// UploadMedia posts an attachment addressed by the server id of its message.
func (c *Client) UploadMedia(ctx context.Context, messageID string, up MediaUpload) (*Created, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if up.Data != nil {
		mt := mimetype.Detect(up.Data)
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="upload%s"`, mt.Extension()))
		h.Set("Content-Type", mt.String())
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("encode media: %w", err)
		}
		if _, err := part.Write(up.Data); err != nil {
			return nil, fmt.Errorf("encode media: %w", err)
		}
	} else {
		_ = w.WriteField("url", up.URL)
	}
	_ = w.WriteField("type", up.Type)
	_ = w.WriteField("messageId", messageID)
	if up.Thumbnail != "" {
		_ = w.WriteField("thumbnail", up.Thumbnail)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode media: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", w.FormDataContentType())

	path := "/messages/" + url.PathEscape(messageID) + "/media"
	return c.doCreate(ctx, "upload media", path, header, buf.Bytes())
}

// UploadFromPayload builds a MediaUpload from a stored url, decoding inline payloads.
func UploadFromPayload(mediaType, payload string, thumbnail *string) (MediaUpload, error) {
	up := MediaUpload{Type: mediaType}
	if thumbnail != nil {
		up.Thumbnail = *thumbnail
	}
	if !inline.IsInline(payload) {
		up.URL = payload
		return up, nil
	}
	p, err := inline.Parse(payload)
	if err != nil {
		return MediaUpload{}, err
	}
	up.Data = p.Data
	return up, nil
}

// Probe reports whether the backend answers at all. Any HTTP response counts as reachable.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return &NetworkError{Op: "probe", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: "probe", Err: err}
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) doCreate(ctx context.Context, op, path string, header http.Header, body []byte) (*Created, error) {
	respBody, err := c.doRequest(ctx, op, http.MethodPost, path, header, body)
	if err != nil {
		return nil, err
	}

	var created Created
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, &NetworkError{Op: op, StatusCode: http.StatusOK, Err: fmt.Errorf("decode response: %w", err)}
	}
	if created.ID == "" {
		return nil, &NetworkError{Op: op, StatusCode: http.StatusOK, Err: fmt.Errorf("response has no id")}
	}
	return &created, nil
}

// doRequest performs an HTTP request and returns the body of a 2xx response.
func (c *Client) doRequest(ctx context.Context, op, method, path string, header http.Header, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	req.Header = header

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug("remote request",
		zap.String("op", op),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(respBody)
		if len(text) > maxErrorBody {
			text = strings.ToValidUTF8(text[:maxErrorBody], "")
		}
		return nil, &NetworkError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(text)}
	}
	return respBody, nil
}

// StatusText formats a status code for logs.
func StatusText(code int) string {
	if code == 0 {
		return "transport"
	}
	return strconv.Itoa(code) + " " + http.StatusText(code)
}
