package assistant

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"

	"scm-relay/internal/domain"
)

const sampleStream = "event: thread.run.created\n" +
	"data: {\"id\":\"run_1\"}\n" +
	"\n" +
	": keep-alive\n" +
	"event: thread.message.delta\r\n" +
	"data: {\"delta\":\"hel\"}\r\n" +
	"\r\n" +
	"event: thread.message.completed\n" +
	"data: {\"content\":[{\"type\":\"text\",\"text\":{\"value\":\"hello\"}}]}\n" +
	"\n" +
	"event: done\n" +
	"data: [DONE]\n\n"

// chunkReader hands out the configured chunks one Read at a time.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.chunks) > 0 && len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	return n, nil
}

func splitAt(s string, cuts ...int) io.Reader {
	var chunks [][]byte
	prev := 0
	for _, c := range cuts {
		chunks = append(chunks, []byte(s[prev:c]))
		prev = c
	}
	chunks = append(chunks, []byte(s[prev:]))
	return &chunkReader{chunks: chunks}
}

type decoded struct {
	events []domain.StreamEvent
	errs   []error
}

func drain(t *testing.T, r io.Reader) decoded {
	t.Helper()
	dec := NewDecoder(r)
	var out decoded
	for i := 0; i < 1000; i++ {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		var decErr *DecodeError
		if errors.As(err, &decErr) {
			out.errs = append(out.errs, err)
			continue
		}
		require.NoError(t, err)
		out.events = append(out.events, ev)
	}
	t.Fatal("decoder did not reach end of stream")
	return out
}

func TestDecoder_ParsesEvents(t *testing.T) {
	out := drain(t, strings.NewReader(sampleStream))
	require.Empty(t, out.errs)
	require.Equal(t, []domain.StreamEvent{
		{Name: "thread.run.created", Data: `{"id":"run_1"}`},
		{Name: "thread.message.delta", Data: `{"delta":"hel"}`},
		{Name: domain.EventMessageCompleted, Data: `{"content":[{"type":"text","text":{"value":"hello"}}]}`},
		{Name: "done", Data: "[DONE]"},
	}, out.events)
}

func TestDecoder_ChunkBoundaryIndependence(t *testing.T) {
	want := drain(t, strings.NewReader(sampleStream))

	for cut := 1; cut < len(sampleStream); cut++ {
		got := drain(t, splitAt(sampleStream, cut))
		require.Equal(t, want.events, got.events, "single cut at %d", cut)
	}
	for a := 1; a < len(sampleStream); a += 7 {
		for b := a + 1; b < len(sampleStream); b += 11 {
			got := drain(t, splitAt(sampleStream, a, b))
			require.Equal(t, want.events, got.events, "cuts at %d,%d", a, b)
		}
	}

	got := drain(t, iotest.OneByteReader(strings.NewReader(sampleStream)))
	require.Equal(t, want.events, got.events)

	got = drain(t, iotest.DataErrReader(strings.NewReader(sampleStream)))
	require.Equal(t, want.events, got.events)
}

func TestDecoder_DataWithoutEventIsDecodeError(t *testing.T) {
	stream := "data: orphan\n\n" +
		"event: thread.message.completed\n" +
		"data: {}\n" +
		"\n" +
		"data: after-reset\n"
	out := drain(t, strings.NewReader(stream))
	require.Len(t, out.errs, 2)
	require.ErrorIs(t, out.errs[0], ErrDataWithoutEvent)
	require.ErrorIs(t, out.errs[1], ErrDataWithoutEvent)
	require.Equal(t, []domain.StreamEvent{{Name: domain.EventMessageCompleted, Data: "{}"}}, out.events)
}

func TestDecoder_TrailingLineWithoutNewline(t *testing.T) {
	out := drain(t, strings.NewReader("event: error\ndata: boom"))
	require.Equal(t, []domain.StreamEvent{{Name: "error", Data: "boom"}}, out.events)
}

func TestDecoder_EndOfStreamIsSticky(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	_, err := dec.Next()
	require.ErrorIs(t, err, io.EOF)
	_, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoder_ReaderErrorIsSurfaced(t *testing.T) {
	boom := errors.New("connection reset")
	dec := NewDecoder(io.MultiReader(strings.NewReader("event: x\n"), iotest.ErrReader(boom)))
	_, err := dec.Next()
	require.ErrorIs(t, err, boom)
}
