package botframework

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
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"scm-relay/internal/domain"
)

const (
	defaultScope   = "https://api.botframework.com/.default"
	defaultTenant  = "botframework.com"
	tokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

// SecretSource yields the bot application password.
type SecretSource interface {
	Get(ctx context.Context) (string, error)
}

// StatusError captures a non-2xx response from the connector service.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("botframework: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Config configures the connector client. An empty AppID disables
// authentication, which is what the local emulator expects.
type Config struct {
	AppID      string
	Secret     SecretSource
	TenantID   string
	TokenURL   string
	HTTPClient *http.Client
}

// Client sends activities into conversations through their reach-back
// handle.
type Client struct {
	appID      string
	secret     SecretSource
	tokenURL   string
	httpClient *http.Client

	tsMu sync.Mutex
	ts   oauth2.TokenSource
}

// New creates a connector Client.
func New(cfg Config) (*Client, error) {
	appID := strings.TrimSpace(cfg.AppID)
	if appID != "" && cfg.Secret == nil {
		return nil, errors.New("botframework: secret source must not be nil when app id is set")
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		tenant := strings.TrimSpace(cfg.TenantID)
		if tenant == "" {
			tenant = defaultTenant
		}
		tokenURL = fmt.Sprintf(tokenURLFormat, url.PathEscape(tenant))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		appID:      appID,
		secret:     cfg.Secret,
		tokenURL:   tokenURL,
		httpClient: httpClient,
	}, nil
}

// SendText posts a markdown text message into the referenced conversation.
func (c *Client) SendText(ctx context.Context, ref domain.ConversationReference, text string) error {
	return c.send(ctx, ref, domain.Activity{
		Type:       domain.ActivityMessage,
		Text:       text,
		TextFormat: "markdown",
	})
}

// SendTyping shows the typing indicator in the referenced conversation.
func (c *Client) SendTyping(ctx context.Context, ref domain.ConversationReference) error {
	return c.send(ctx, ref, domain.Activity{Type: domain.ActivityTyping})
}

func (c *Client) send(ctx context.Context, ref domain.ConversationReference, act domain.Activity) error {
	if !ref.Valid() {
		return errors.New("botframework: conversation reference is missing service url or conversation id")
	}
	act.From = ref.Bot
	act.Recipient = ref.User
	act.Conversation = ref.Conversation
	act.ChannelID = ref.ChannelID
	act.ServiceURL = ref.ServiceURL
	act.Locale = ref.Locale

	body, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("botframework: marshal activity: %w", err)
	}
	endpoint := activitiesURL(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("botframework: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("botframework: send activity: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.appID == "" {
		return nil
	}
	ts, err := c.tokenSource(ctx)
	if err != nil {
		return err
	}
	tok, err := ts.Token()
	if err != nil {
		return fmt.Errorf("botframework: acquire token: %w", err)
	}
	tok.SetAuthHeader(req)
	return nil
}

// tokenSource builds the client-credentials source once the secret resolves.
// The source caches and refreshes tokens itself.
func (c *Client) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	c.tsMu.Lock()
	defer c.tsMu.Unlock()
	if c.ts != nil {
		return c.ts, nil
	}
	secret, err := c.secret.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("botframework: resolve app password: %w", err)
	}
	cc := &clientcredentials.Config{
		ClientID:     c.appID,
		ClientSecret: secret,
		TokenURL:     c.tokenURL,
		Scopes:       []string{defaultScope},
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	c.ts = cc.TokenSource(tokenCtx)
	return c.ts, nil
}

func activitiesURL(ref domain.ConversationReference) string {
	base := strings.TrimRight(ref.ServiceURL, "/")
	return base + "/v3/conversations/" + url.PathEscape(ref.Conversation.ID) + "/activities"
}
