package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"
	maxRetries     = 6
	maxBackoff     = 60 // seconds
)

// Client implements API over the Gmail REST endpoints.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
	baseURL     string
	userID      string
	backoff     func(attempt int) time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithBaseURL points the client at a different API root.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient replaces the OAuth2 transport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a Gmail client authorized by tokenSource.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		userID:  "me",
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
		backoff: fullJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = oauth2.NewClient(context.Background(), tokenSource)
	}
	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(5.0)
	}
	return c
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	return nil
}

// NotFoundError indicates a 404 response.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// request sends one API call, retrying transient failures. body is JSON
// encoded when non-nil.
func (c *Client) request(ctx context.Context, op Operation, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		payload = b
	}

	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt)
			c.logger.Debug("retrying gmail request", "attempt", attempt, "backoff", wait, "path", path)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		switch code := resp.StatusCode; {
		case code >= 200 && code < 300:
			return data, nil
		case code == http.StatusTooManyRequests:
			c.rateLimiter.Throttle(30 * time.Second)
			lastErr = errors.New("rate limited (429)")
		case code == http.StatusForbidden && isRateLimitError(data):
			c.rateLimiter.Throttle(60 * time.Second)
			lastErr = errors.New("quota exceeded (403)")
		case code == http.StatusForbidden:
			return nil, fmt.Errorf("forbidden (403): %s", data)
		case code == http.StatusUnauthorized:
			return nil, errors.New("unauthorized (401): token may be invalid")
		case code == http.StatusNotFound:
			return nil, &NotFoundError{Path: path}
		case code >= 500:
			lastErr = fmt.Errorf("server error (%d)", code)
		default:
			return nil, fmt.Errorf("request failed (%d): %s", code, data)
		}
		c.logger.Debug("gmail request failed", "path", path, "attempt", attempt, "error", lastErr)
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// fullJitter is exponential backoff with full jitter, capped at maxBackoff.
func fullJitter(attempt int) time.Duration {
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoff {
		base = maxBackoff
	}
	return time.Duration(rand.Float64() * base * float64(time.Second))
}

// isRateLimitError reports whether a 403 body is a quota error rather than
// a permission error.
func isRateLimitError(body []byte) bool {
	for _, marker := range [][]byte{
		[]byte("rateLimitExceeded"),
		[]byte("RATE_LIMIT_EXCEEDED"),
		[]byte("userRateLimitExceeded"),
		[]byte("Quota exceeded"),
	} {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

type gmailLabel struct {
	ID                    string `json:"id,omitempty"`
	Name                  string `json:"name,omitempty"`
	Type                  string `json:"type,omitempty"`
	MessageListVisibility string `json:"messageListVisibility,omitempty"`
	LabelListVisibility   string `json:"labelListVisibility,omitempty"`
}

func (l gmailLabel) toLabel() *Label {
	return &Label{
		ID:                    l.ID,
		Name:                  l.Name,
		Type:                  l.Type,
		MessageListVisibility: l.MessageListVisibility,
		LabelListVisibility:   l.LabelListVisibility,
	}
}

func labelJSON(l *Label) gmailLabel {
	return gmailLabel{
		Name:                  l.Name,
		MessageListVisibility: l.MessageListVisibility,
		LabelListVisibility:   l.LabelListVisibility,
	}
}

type gmailMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	LabelIDs []string `json:"labelIds"`
}

func (m gmailMessage) toRef() MessageRef {
	return MessageRef{ID: m.ID, ThreadID: m.ThreadID, LabelIDs: m.LabelIDs}
}

// GetProfile returns the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	data, err := c.request(ctx, OpProfile, http.MethodGet, "/users/"+c.userID+"/profile", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		EmailAddress  string `json:"emailAddress"`
		MessagesTotal int64  `json:"messagesTotal"`
		ThreadsTotal  int64  `json:"threadsTotal"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &Profile{
		EmailAddress:  resp.EmailAddress,
		MessagesTotal: resp.MessagesTotal,
		ThreadsTotal:  resp.ThreadsTotal,
	}, nil
}

// ListLabels returns all labels for the account.
func (c *Client) ListLabels(ctx context.Context) ([]*Label, error) {
	data, err := c.request(ctx, OpLabelsList, http.MethodGet, "/users/"+c.userID+"/labels", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Labels []gmailLabel `json:"labels"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}
	labels := make([]*Label, len(resp.Labels))
	for i, l := range resp.Labels {
		labels[i] = l.toLabel()
	}
	return labels, nil
}

// CreateLabel creates a user label.
func (c *Client) CreateLabel(ctx context.Context, l *Label) (*Label, error) {
	data, err := c.request(ctx, OpLabelsCreate, http.MethodPost, "/users/"+c.userID+"/labels", labelJSON(l))
	if err != nil {
		return nil, fmt.Errorf("create label %q: %w", l.Name, err)
	}
	var resp gmailLabel
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse label: %w", err)
	}
	return resp.toLabel(), nil
}

// PatchLabel updates the non-empty fields of label id.
func (c *Client) PatchLabel(ctx context.Context, id string, l *Label) (*Label, error) {
	path := "/users/" + c.userID + "/labels/" + url.PathEscape(id)
	data, err := c.request(ctx, OpLabelsPatch, http.MethodPatch, path, labelJSON(l))
	if err != nil {
		return nil, fmt.Errorf("patch label %s: %w", id, err)
	}
	var resp gmailLabel
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse label: %w", err)
	}
	return resp.toLabel(), nil
}

// ListMessages returns message references matching query.
func (c *Client) ListMessages(ctx context.Context, query string, pageToken string) (*MessageListResponse, error) {
	params := url.Values{}
	params.Set("maxResults", "100")
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	// Search everywhere, the mirrored message may sit in spam or trash.
	params.Set("includeSpamTrash", "true")

	data, err := c.request(ctx, OpMessagesList, http.MethodGet, "/users/"+c.userID+"/messages?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Messages           []gmailMessage `json:"messages"`
		NextPageToken      string         `json:"nextPageToken"`
		ResultSizeEstimate int64          `json:"resultSizeEstimate"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	out := &MessageListResponse{
		Messages:           make([]MessageRef, len(resp.Messages)),
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
	}
	for i, m := range resp.Messages {
		out.Messages[i] = m.toRef()
	}
	return out, nil
}

// ModifyMessage adds and removes labels on one message.
func (c *Client) ModifyMessage(ctx context.Context, messageID string, add, remove []string) (*MessageRef, error) {
	body := struct {
		AddLabelIDs    []string `json:"addLabelIds,omitempty"`
		RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
	}{AddLabelIDs: add, RemoveLabelIDs: remove}

	path := "/users/" + c.userID + "/messages/" + url.PathEscape(messageID) + "/modify"
	data, err := c.request(ctx, OpMessagesModify, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	var resp gmailMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	ref := resp.toRef()
	return &ref, nil
}

var _ API = (*Client)(nil)
