package assistant

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

	"github.com/google/uuid"

	"scm-relay/internal/domain"
)

const (
	apiKeyHeader    = "SCM_API_KEY"
	defaultAuthRole = "Default"
	RoleUser        = "user"
)

// createThreadRequest opens a thread. ThreadID is only a hint; the service
// assigns the real id.
type createThreadRequest struct {
	ThreadID string            `json:"thread_id"`
	Messages []json.RawMessage `json:"messages"`
}

type createThreadResponse struct {
	ID string `json:"id"`
}

type createMessageRequest struct {
	Content     string `json:"content"`
	MessageRole string `json:"message_role"`
	AuthRole    string `json:"auth_role"`
}

type createRunRequest struct {
	AssistantID string `json:"assistant_id"`
	Stream      bool   `json:"stream"`
}

// completedMessage is the payload of a thread.message.completed event.
type completedMessage struct {
	Content []struct {
		Type string `json:"type"`
		Text *struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"content"`
}

// Client talks to the thread/message/run assistant API.
type Client struct {
	baseURL      string
	assistantID  string
	authRole     string
	httpClient   *http.Client
	streamClient *http.Client
	key          KeySource
	newHint      func() string
}

// KeySource yields the shared API key sent with every request.
type KeySource interface {
	Get(ctx context.Context) (string, error)
}

type Option func(*Client)

// WithHTTPClient sets the client used for every request, streaming included.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
		c.streamClient = httpClient
	}
}

func WithAuthRole(role string) Option {
	return func(c *Client) {
		if role = strings.TrimSpace(role); role != "" {
			c.authRole = role
		}
	}
}

// NewClient creates a Client for the service at baseURL running assistantID.
func NewClient(baseURL, assistantID string, key KeySource, opts ...Option) (*Client, error) {
	if key == nil {
		return nil, errors.New("assistant: key source must not be nil")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("assistant: base URL must not be empty")
	}
	if strings.TrimSpace(assistantID) == "" {
		return nil, errors.New("assistant: assistant id must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		assistantID: strings.TrimSpace(assistantID),
		authRole:    defaultAuthRole,
		key:         key,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		// The run body outlives the initiating response; only the headers
		// are bounded.
		streamClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
		}},
		newHint: func() string { return "thread_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OpenThread creates a conversation thread and returns its id.
func (c *Client) OpenThread(ctx context.Context) (string, error) {
	const op = "open thread"
	raw, err := c.postJSON(ctx, op, c.baseURL+"/v2/threads", createThreadRequest{
		ThreadID: c.newHint(),
		Messages: []json.RawMessage{},
	})
	if err != nil {
		return "", err
	}
	var payload createThreadResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", &DecodeError{Data: string(raw), Err: fmt.Errorf("%s response: %w", op, decErr)}
	}
	if payload.ID == "" {
		return "", &DecodeError{Data: string(raw), Err: errors.New(op + " response: missing thread id")}
	}
	return payload.ID, nil
}

// PostMessage appends text to the thread under the given message role.
func (c *Client) PostMessage(ctx context.Context, threadID, text, role string) error {
	if role == "" {
		role = RoleUser
	}
	_, err := c.postJSON(ctx, "post message", c.threadURL(threadID, "messages"), createMessageRequest{
		Content:     text,
		MessageRole: role,
		AuthRole:    c.authRole,
	})
	return err
}

// StartRun starts assistant processing on the thread and returns the live
// event stream. The caller must Close it.
func (c *Client) StartRun(ctx context.Context, threadID string) (*Stream, error) {
	const op = "start run"
	req, err := c.newRequest(ctx, c.threadURL(threadID, "runs"), createRunRequest{
		AssistantID: c.assistantID,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.streamClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if res.StatusCode != http.StatusOK {
		defer func() { _ = res.Body.Close() }()
		return nil, statusError(op, res)
	}
	return NewStream(threadID, res.Body), nil
}

func (c *Client) threadURL(threadID, leaf string) string {
	return c.baseURL + "/v2/threads/" + url.PathEscape(threadID) + "/" + leaf
}

func (c *Client) newRequest(ctx context.Context, endpoint string, body any) (*http.Request, error) {
	apiKey, err := c.key.Get(ctx)
	if err != nil {
		return nil, &TransportError{Op: "resolve API key", Err: err}
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("assistant: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("assistant: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header[apiKeyHeader] = []string{apiKey}
	return req, nil
}

func (c *Client) postJSON(ctx context.Context, op, endpoint string, body any) ([]byte, error) {
	req, err := c.newRequest(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	// The service answers every step with 200; anything else, even another
	// 2xx, is not a step it completed.
	if res.StatusCode != http.StatusOK {
		return nil, statusError(op, res)
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("read response body: %w", err)}
	}
	return buf, nil
}

func statusError(op string, res *http.Response) *RemoteProtocolError {
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &RemoteProtocolError{
		Op:         op,
		StatusCode: res.StatusCode,
		Reason:     http.StatusText(res.StatusCode),
		Body:       string(buf),
	}
}

// Stream is an open run event stream.
type Stream struct {
	body     io.ReadCloser
	dec      *Decoder
	threadID string
}

// NewStream wraps an already open event-stream body.
func NewStream(threadID string, body io.ReadCloser) *Stream {
	return &Stream{body: body, dec: NewDecoder(body), threadID: threadID}
}

// ThreadID is the thread the run belongs to.
func (s *Stream) ThreadID() string { return s.threadID }

// Next returns the next event, io.EOF when the server closes the stream, a
// *DecodeError for one malformed event, or a *TransportError on read failure.
func (s *Stream) Next() (domain.StreamEvent, error) {
	ev, err := s.dec.Next()
	if err == nil || errors.Is(err, io.EOF) {
		return ev, err
	}
	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return ev, err
	}
	return ev, &TransportError{Op: "read stream", Err: err}
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// ParseCompletedMessage extracts the answer text from a
// thread.message.completed payload.
func ParseCompletedMessage(data string) (string, error) {
	var msg completedMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return "", &DecodeError{Event: domain.EventMessageCompleted, Data: data, Err: err}
	}
	for _, part := range msg.Content {
		if part.Text != nil && part.Text.Value != "" {
			return part.Text.Value, nil
		}
	}
	return "", &DecodeError{Event: domain.EventMessageCompleted, Data: data, Err: errors.New("no text content")}
}
