// Package conversation mediates between inbound messages and the AI
// backend: it holds the per-user conversation thread binding, serializes
// concurrent fetches per sender, and sanitizes what goes back out.
package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// Reply is the backend's answer to one user message.
type Reply struct {
	Answer         string
	ConversationID string
	MessageID      string
}

// Thread is one backend conversation in a listing.
type Thread struct {
	ID        string
	UpdatedAt time.Time
}

// Backend is the conversational AI the worker round-trips through.
type Backend interface {
	// Send posts one blocking chat message. conversationID may be empty to
	// start a new thread.
	Send(ctx context.Context, user, query, conversationID string) (Reply, error)
	// ListThreads returns the user's most recent conversations, newest first.
	ListThreads(ctx context.Context, user string, limit int) ([]Thread, error)
}

// errThreadGone distinguishes a stale conversation id from other backend
// failures so the mediator can heal its cache and retry.
var errThreadGone = errors.New("conversation: thread no longer exists")

// Client talks to a Dify-compatible chat API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient builds a backend client. baseURL is the API root including the
// version path.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *Client {
	if baseURL == "" {
		panic("conversation: empty backend url")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Send posts one blocking chat message and returns the answer.
func (c *Client) Send(ctx context.Context, user, query, conversationID string) (Reply, error) {
	body := map[string]any{
		"inputs":        map[string]any{},
		"query":         query,
		"response_mode": "blocking",
		"user":          user,
	}
	if conversationID != "" {
		body["conversation_id"] = conversationID
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Reply{}, errmap.Wrap(errmap.CodeBackendError, "conversation.send", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(data))
	if err != nil {
		return Reply{}, errmap.Wrap(errmap.CodeBackendError, "conversation.send", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Reply{}, mapTransportError("conversation.send", err)
	}
	defer drainBody(resp)

	if resp.StatusCode == http.StatusNotFound && conversationID != "" {
		// The backend expires idle threads; the cached id outlived it.
		return Reply{}, errThreadGone
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("backend chat request failed", "status", resp.StatusCode, "body", string(snippet))
		return Reply{}, errmap.New(errmap.CodeBackendError, "conversation.send",
			fmt.Sprintf("backend returned status %d", resp.StatusCode))
	}

	var payload struct {
		Answer         string `json:"answer"`
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Reply{}, errmap.Wrap(errmap.CodeBackendError, "conversation.send", err)
	}
	if payload.Answer == "" {
		return Reply{}, errmap.New(errmap.CodeBackendError, "conversation.send", "backend returned empty answer")
	}
	return Reply{
		Answer:         payload.Answer,
		ConversationID: payload.ConversationID,
		MessageID:      payload.MessageID,
	}, nil
}

// ListThreads fetches the user's recent conversations, newest first.
func (c *Client) ListThreads(ctx context.Context, user string, limit int) ([]Thread, error) {
	if limit < 1 {
		limit = 1
	}
	query := url.Values{}
	query.Set("user", user)
	query.Set("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/conversations?"+query.Encode(), nil)
	if err != nil {
		return nil, errmap.Wrap(errmap.CodeBackendError, "conversation.list_threads", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, mapTransportError("conversation.list_threads", err)
	}
	defer drainBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, errmap.New(errmap.CodeBackendError, "conversation.list_threads",
			fmt.Sprintf("backend returned status %d", resp.StatusCode))
	}
	var payload struct {
		Data []struct {
			ID        string `json:"id"`
			UpdatedAt int64  `json:"updated_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errmap.Wrap(errmap.CodeBackendError, "conversation.list_threads", err)
	}
	threads := make([]Thread, 0, len(payload.Data))
	for _, item := range payload.Data {
		threads = append(threads, Thread{
			ID:        item.ID,
			UpdatedAt: time.Unix(item.UpdatedAt, 0).UTC(),
		})
	}
	return threads, nil
}

func mapTransportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errmap.Wrap(errmap.CodeTimeout, op, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return errmap.Wrap(errmap.CodeTimeout, op, err)
	}
	return errmap.Wrap(errmap.CodeBackendError, op, err)
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

var _ Backend = (*Client)(nil)
