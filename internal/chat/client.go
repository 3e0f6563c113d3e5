package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout bounds a whole request, upload body included.
	httpClientTimeout = 2 * time.Minute

	// maxAPIResponseBytes caps response body reads. Snapshots are the
	// largest payloads the backend returns.
	maxAPIResponseBytes = 8 * 1024 * 1024
)

// Client talks to the chat REST backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	role       string
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

// ClientConfig holds the parameters for NewClient.
type ClientConfig struct {
	BaseURL string

	// Token is sent as a bearer credential when non-empty.
	Token string

	// Role is sent as user_type on outbound messages. Defaults to admin.
	Role string

	// HTTPClient overrides the default client (2 minute timeout,
	// same-host redirects only).
	HTTPClient *http.Client
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a REST client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	role := cfg.Role
	if role == "" {
		role = models.SenderAdmin
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		role:       role,
		logger:     logger,
		token:      cfg.Token,
	}
}

// SetToken replaces the bearer credential. An empty token disables the
// Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func isSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}

// roundTrip issues one request and returns the status and capped body.
// Network failures are transient and wrap ErrFetchFailed. Status codes
// are left to the caller.
func (c *Client) roundTrip(ctx context.Context, method, endpoint, contentType string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	req.Header.Set("Accept", "application/json")

	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return 0, nil, &TransientError{Err: fmt.Errorf("%w: %s %s: %w", chaterrors.ErrFetchFailed, method, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, &TransientError{Err: fmt.Errorf("%w: reading response from %s: %w", chaterrors.ErrFetchFailed, endpoint, err)}
	}

	return resp.StatusCode, respBody, nil
}

// call is roundTrip with status classification: any non-2xx status is
// ErrFetchFailed, transient for 429 and 5xx.
func (c *Client) call(ctx context.Context, method, endpoint, contentType string, body io.Reader) ([]byte, error) {
	status, respBody, err := c.roundTrip(ctx, method, endpoint, contentType, body)
	if err != nil {
		return nil, err
	}

	if !isSuccessStatus(status) {
		err := fmt.Errorf("%w: %s %s returned status %d: %s", chaterrors.ErrFetchFailed, method, endpoint, status, sanitizeResponseBody(respBody))
		if isTransientStatus(status) {
			return nil, &TransientError{Err: err}
		}

		return nil, err
	}

	return respBody, nil
}

// conversationPath returns the collection path for a conversation:
// /rooms/{id} or /group/{id}.
func conversationPath(ref models.ConversationRef) string {
	if ref.Kind == models.KindGroup {
		return "/group/" + url.PathEscape(ref.ID)
	}

	return "/rooms/" + url.PathEscape(ref.ID)
}

func snapshotPath(ref models.ConversationRef) string {
	if ref.Kind == models.KindGroup {
		return conversationPath(ref) + "/messagesAll"
	}

	return conversationPath(ref) + "/messages/user"
}

func sendPath(ref models.ConversationRef) string {
	return conversationPath(ref) + "/messages"
}

func deletePath(ref models.ConversationRef, id string) string {
	return conversationPath(ref) + "/messages/" + url.PathEscape(id)
}

func markReadPath(ref models.ConversationRef, id string) string {
	return conversationPath(ref) + "/message/" + url.PathEscape(id) + "/1"
}

// authorFields returns the userid and user_type form values. Rooms are
// addressed by room id with the sender role; group sends carry the
// member id of the author and the client role.
func (c *Client) authorFields(ref models.ConversationRef, sender string) (string, string) {
	if ref.Kind == models.KindGroup {
		return sender, c.role
	}

	role := sender
	if role == "" {
		role = c.role
	}

	return ref.ID, role
}

// Snapshot fetches the message history for a conversation. Entries the
// backend sends without an identity are skipped and logged.
func (c *Client) Snapshot(ctx context.Context, ref models.ConversationRef) ([]models.Message, error) {
	body, err := c.call(ctx, http.MethodGet, snapshotPath(ref), "", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot for %s: %w", ref, err)
	}

	msgs, skipped, err := decodeSnapshot(ref, body)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot for %s: %w", ref, err)
	}

	if skipped > 0 {
		c.logger.Warn("snapshot entries without identity skipped",
			slog.String("conversation", ref.String()),
			slog.Int("count", skipped),
		)
	}

	return msgs, nil
}

// SendText posts a text message. The returned message is nil when the
// backend acknowledged without echoing the created record.
func (c *Client) SendText(ctx context.Context, ref models.ConversationRef, sender, text string) (*models.Message, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	userID, userType := c.authorFields(ref, sender)

	if err := writeFields(mw, userID, userType, text); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	body, err := c.call(ctx, http.MethodPost, sendPath(ref), mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, fmt.Errorf("sending message to %s: %w", ref, err)
	}

	msg, err := decodeSendResult(ref, body)
	if err != nil {
		return nil, fmt.Errorf("sending message to %s: %w", ref, err)
	}

	return msg, nil
}

// Delete removes a message on the backend.
func (c *Client) Delete(ctx context.Context, ref models.ConversationRef, id string) error {
	body, err := c.call(ctx, http.MethodDelete, deletePath(ref, id), "", nil)
	if err != nil {
		return fmt.Errorf("deleting message %s in %s: %w", id, ref, err)
	}

	if err := decodeAck(body); err != nil {
		return fmt.Errorf("deleting message %s in %s: %w", id, ref, err)
	}

	return nil
}

// MarkRead flags a message as read on the backend.
func (c *Client) MarkRead(ctx context.Context, ref models.ConversationRef, id string) error {
	body, err := c.call(ctx, http.MethodGet, markReadPath(ref, id), "", nil)
	if err != nil {
		return fmt.Errorf("marking message %s read in %s: %w", id, ref, err)
	}

	if err := decodeAck(body); err != nil {
		return fmt.Errorf("marking message %s read in %s: %w", id, ref, err)
	}

	return nil
}

func writeFields(mw *multipart.Writer, userID, userType, text string) error {
	for _, f := range [][2]string{
		{"userid", userID},
		{"user_type", userType},
		{"messg", text},
	} {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("writing field %s: %w", f[0], err)
		}
	}

	return nil
}
