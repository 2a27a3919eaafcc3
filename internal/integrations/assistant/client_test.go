package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"scm-relay/internal/domain"
)

type staticKey string

func (k staticKey) Get(context.Context) (string, error) { return string(k), nil }

type failingKey struct{ err error }

func (k failingKey) Get(context.Context) (string, error) { return "", k.err }

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(srv.URL+"/", "asst_1", staticKey("secret"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	c.newHint = func() string { return "thread_hint" }
	return c
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient("http://x", "asst", nil)
	require.Error(t, err)
	_, err = NewClient(" ", "asst", staticKey("k"))
	require.Error(t, err)
	_, err = NewClient("http://x", "", staticKey("k"))
	require.Error(t, err)

	c, err := NewClient("http://x/", "asst", staticKey("k"), WithAuthRole("Planner"))
	require.NoError(t, err)
	require.Equal(t, "http://x", c.baseURL)
	require.Equal(t, "Planner", c.authRole)
}

func TestClient_ThreeStepProtocol(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		require.Equal(t, "secret", r.Header.Get(apiKeyHeader))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch r.URL.Path {
		case "/v2/threads":
			require.Equal(t, "thread_hint", body["thread_id"])
			require.Equal(t, []any{}, body["messages"])
			_, _ = io.WriteString(w, `{"id":"thread_42"}`)
		case "/v2/threads/thread_42/messages":
			require.Equal(t, "where is my order?", body["content"])
			require.Equal(t, "user", body["message_role"])
			require.Equal(t, "Default", body["auth_role"])
			_, _ = io.WriteString(w, `{"status":"ok"}`)
		case "/v2/threads/thread_42/runs":
			require.Equal(t, "asst_1", body["assistant_id"])
			require.Equal(t, true, body["stream"])
			require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			fmt.Fprint(w, "event: thread.run.created\ndata: {}\n\n")
			flusher.Flush()
			fmt.Fprint(w, "event: thread.message.completed\n")
			flusher.Flush()
			fmt.Fprint(w, "data: {\"content\":[{\"text\":{\"value\":\"hi\"}}]}\n\n")
			flusher.Flush()
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx := context.Background()

	threadID, err := c.OpenThread(ctx)
	require.NoError(t, err)
	require.Equal(t, "thread_42", threadID)

	require.NoError(t, c.PostMessage(ctx, threadID, "where is my order?", ""))

	stream, err := c.StartRun(ctx, threadID)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()
	require.Equal(t, "thread_42", stream.ThreadID())

	var events []domain.StreamEvent
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	require.Equal(t, domain.EventMessageCompleted, events[1].Name)

	answer, err := ParseCompletedMessage(events[1].Data)
	require.NoError(t, err)
	require.Equal(t, "hi", answer)

	require.Equal(t, []string{
		"POST /v2/threads",
		"POST /v2/threads/thread_42/messages",
		"POST /v2/threads/thread_42/runs",
	}, seen)
}

func TestClient_NonSuccessStatusIsRemoteProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "maintenance")
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.OpenThread(context.Background())
	var remote *RemoteProtocolError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, http.StatusServiceUnavailable, remote.HTTPStatusCode())
	require.Equal(t, "Service Unavailable", remote.Reason)
	require.Equal(t, "maintenance", remote.Body)

	err = c.PostMessage(context.Background(), "t", "x", RoleUser)
	require.ErrorAs(t, err, &remote)

	_, err = c.StartRun(context.Background(), "t")
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "start run", remote.Op)
}

func TestClient_NetworkFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.OpenThread(context.Background())
	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	require.Equal(t, "open thread", transport.Op)

	_, err = c.StartRun(context.Background(), "t")
	require.ErrorAs(t, err, &transport)
}

func TestClient_MalformedThreadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"object":"thread"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).OpenThread(context.Background())
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	require.Contains(t, err.Error(), "missing thread id")
}

func TestClient_KeyErrorStopsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	c, err := NewClient(srv.URL, "asst", failingKey{err: errors.New("ssm down")})
	require.NoError(t, err)
	_, err = c.OpenThread(context.Background())
	require.ErrorContains(t, err, "ssm down")
	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	require.Equal(t, "resolve API key", transport.Op)
	require.False(t, called)
}

func TestClient_RequiresStatusOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "asst", staticKey("k"))
	require.NoError(t, err)

	err = c.PostMessage(context.Background(), "thread-1", "hi", RoleUser)
	var remote *RemoteProtocolError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, http.StatusAccepted, remote.StatusCode)

	_, err = c.StartRun(context.Background(), "thread-1")
	require.ErrorAs(t, err, &remote)
}

func TestStream_ReadFailureIsTransportError(t *testing.T) {
	body := io.NopCloser(io.MultiReader(strings.NewReader("event: x\n"), errReader{}))
	_, err := NewStream("t", body).Next()
	var transport *TransportError
	require.ErrorAs(t, err, &transport)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("reset by peer") }

func TestParseCompletedMessage(t *testing.T) {
	v, err := ParseCompletedMessage(`{"content":[{"text":{"value":"hello"}}]}`)
	require.NoError(t, err)
	require.Equal(t, "hello", v)

	v, err = ParseCompletedMessage(`{"content":[{"type":"image_file"},{"type":"text","text":{"value":"second"}}]}`)
	require.NoError(t, err)
	require.Equal(t, "second", v)

	for _, bad := range []string{`not-json`, `{"content":[]}`, `{"content":[{"text":{"value":""}}]}`} {
		_, err := ParseCompletedMessage(bad)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr, bad)
		require.Equal(t, domain.EventMessageCompleted, decErr.Event)
	}
}
