// Package supprt is the Go client runtime for the Supprt embeddable
// customer-support chat widget.
//
// It covers the widget REST API, the realtime event channel with
// auto-reconnect, and a widget state machine with offline queuing.
//
// Example:
//
//	client := supprt.NewClient("pk_live_...")
//
//	w, _ := supprt.NewWidget(supprt.WidgetConfig{Client: client})
//	w.Initialize(ctx)
//	w.OnChange(func(s supprt.State) { render(s) })
//	defer w.Destroy()
package supprt

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL       = "https://api.supprt.io"
	DefaultTimeout       = 15 * time.Second
	DefaultUploadTimeout = 60 * time.Second
)

// fingerprintFile is the fixed name under the user config dir where the
// anonymous-visitor fingerprint is persisted between sessions.
const fingerprintFile = "fingerprint"

// ErrTimeout is returned when a request exceeds its deadline.
var ErrTimeout = errors.New("request timed out")

// ============================================================================
// Client
// ============================================================================

// Client is the request/response half of the widget runtime: init handshake,
// conversation reads, sends, and signed-URL file transfer. It is safe for
// concurrent use.
type Client struct {
	publicKey       string
	baseURL         string
	httpClient      *http.Client
	uploadTimeout   time.Duration
	fingerprintPath string

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithUploadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.uploadTimeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithFingerprintPath overrides where the anonymous fingerprint is stored.
func WithFingerprintPath(path string) ClientOption {
	return func(c *Client) { c.fingerprintPath = path }
}

// NewClient creates a widget API client for the given project public key.
func NewClient(publicKey string, opts ...ClientOption) *Client {
	c := &Client{
		publicKey: publicKey,
		baseURL:   DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		uploadTimeout: DefaultUploadTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the session token issued by Init.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current session token, empty before Init.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = fmt.Sprintf("request failed: %d", resp.StatusCode)
		}
		return nil, apiErr
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// ============================================================================
// Widget API Methods
// ============================================================================

// Init performs the session handshake: it exchanges the public key (plus an
// identified user, or the persisted anonymous fingerprint when user is nil)
// for a session token, the end-user profile, project config, and the existing
// conversation list. The returned token is stored on the client for all
// subsequent calls.
func (c *Client) Init(ctx context.Context, user *UserIdentity) (*InitResponse, error) {
	payload := map[string]interface{}{"publicKey": c.publicKey}
	if user != nil {
		payload["user"] = user
	} else {
		fp, err := c.fingerprint()
		if err != nil {
			return nil, err
		}
		payload["fingerprint"] = fp
	}

	data, err := c.doRequest(ctx, "POST", "/api/v1/widget/init", payload, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[InitResponse](data)
	if err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)
	return resp, nil
}

// GetConversations fetches the end user's conversation list.
func (c *Client) GetConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/v1/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Conversations []Conversation `json:"conversations"`
	}](data)
	if err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// PageOptions controls message pagination: Before is the oldest already-held
// message id, Limit the page size.
type PageOptions struct {
	Limit  int
	Before string
}

// GetConversation fetches a conversation and one page of its messages.
func (c *Client) GetConversation(ctx context.Context, id string, opts *PageOptions) (*ConversationPage, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if opts.Before != "" {
			query["before"] = opts.Before
		}
		if len(query) == 0 {
			query = nil
		}
	}
	data, err := c.doRequest(ctx, "GET", "/api/v1/conversations/"+id, nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationPage](data)
}

// MarkAsRead clears the unread flag server-side.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "POST", "/api/v1/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// CreateConversation starts a new conversation with an initial message.
func (c *Client) CreateConversation(ctx context.Context, content string, attachments []AttachmentInput) (*CreateConversationResponse, error) {
	payload := map[string]interface{}{"content": content}
	if len(attachments) > 0 {
		payload["attachments"] = attachments
	}
	data, err := c.doRequest(ctx, "POST", "/api/v1/conversations", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[CreateConversationResponse](data)
}

// SendMessage appends a message to an existing conversation. Content may be
// empty for an attachments-only message.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, attachments []AttachmentInput) (*SendMessageResponse, error) {
	payload := map[string]interface{}{"content": content}
	if len(attachments) > 0 {
		payload["attachments"] = attachments
	}
	data, err := c.doRequest(ctx, "POST", "/api/v1/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SendMessageResponse](data)
}

// GetUploadURL obtains a write-once signed destination for a file.
func (c *Client) GetUploadURL(ctx context.Context, conversationID, filename, contentType string, size int64) (*UploadURLResponse, error) {
	data, err := c.doRequest(ctx, "POST", "/api/v1/conversations/"+conversationID+"/attachments/upload-url", map[string]interface{}{
		"filename":    filename,
		"contentType": contentType,
		"size":        size,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UploadURLResponse](data)
}

// GetDownloadURL obtains a short-lived signed read URL for an attachment.
func (c *Client) GetDownloadURL(ctx context.Context, attachmentID string) (*DownloadURLResponse, error) {
	data, err := c.doRequest(ctx, "GET", "/api/v1/attachments/"+attachmentID+"/download-url", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[DownloadURLResponse](data)
}

// UploadFile PUTs raw file bytes to a signed URL. onProgress, when non-nil,
// is invoked with uploaded and total byte counts.
func (c *Client) UploadFile(ctx context.Context, uploadURL, contentType string, data []byte, onProgress func(uploaded, total int64)) error {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "PUT", uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("upload: %w", ErrTimeout)
		}
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("upload failed: %d", resp.StatusCode)}
	}
	if onProgress != nil {
		onProgress(int64(len(data)), int64(len(data)))
	}
	return nil
}

// ============================================================================
// Anonymous fingerprint
// ============================================================================

// fingerprint returns the persisted anonymous-visitor identifier, generating
// and storing a fresh one on first use.
func (c *Client) fingerprint() (string, error) {
	path := c.fingerprintPath
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine config directory: %w", err)
		}
		path = filepath.Join(dir, "supprt", fingerprintFile)
	}

	if data, err := os.ReadFile(path); err == nil {
		if fp := strings.TrimSpace(string(data)); fp != "" {
			return fp, nil
		}
	}

	fp, err := generateFingerprint()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("cannot create fingerprint directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fp), 0o600); err != nil {
		return "", fmt.Errorf("cannot persist fingerprint: %w", err)
	}
	return fp, nil
}

// generateFingerprint returns 16 random bytes, hex-encoded.
func generateFingerprint() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("cannot generate fingerprint: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
