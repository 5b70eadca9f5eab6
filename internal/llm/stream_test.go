package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSSEHandlesCommentsMultilineAndTrailingData(t *testing.T) {
	in := ": keepalive\nevent: a\ndata: one\ndata: two\n\ndata: {\"x\":1}\r\n\r\ndata: tail"
	type got struct{ event, data string }
	var out []got
	err := readSSE(strings.NewReader(in), func(event, data string) error {
		out = append(out, got{event, data})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []got{{"a", "one\ntwo"}, {"", `{"x":1}`}, {"", "tail"}}, out)
}

func TestReadSSEStopIsNotAnError(t *testing.T) {
	calls := 0
	err := readSSE(strings.NewReader("data: 1\n\ndata: 2\n\n"), func(string, string) error {
		calls++
		return errStopStream
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestStreamCancellationStopsEvents(t *testing.T) {
	pr, pw := io.Pipe()
	p := newTestProvider(t, "openai", nil, func(r *http.Request) (*http.Response, error) {
		return sseResponse(pr), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := p.StreamCompletionWithTools(ctx, []Message{{Role: RoleUser, Content: "x"}}, nil, Options{})
	require.NoError(t, err)

	go func() {
		_, _ = pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n"))
	}()
	require.True(t, s.Next())
	first := s.Event()

	cancel()
	go func() {
		_, _ = pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"second\"}}]}\n\n"))
	}()

	done := make(chan bool, 1)
	go func() { done <- s.Next() }()
	select {
	case more := <-done:
		assert.False(t, more)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
	assert.True(t, errors.Is(s.Err(), context.Canceled))
	assert.Equal(t, "first", first.Text)
	require.NoError(t, s.Close())
	_ = pw.Close()
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := newStream(context.Background(), nil, func(emit emitFunc) error {
		for i := 0; i < 100; i++ {
			if !emit(StreamEvent{Type: EventToken, Text: "x"}) {
				return nil
			}
		}
		return nil
	})
	require.True(t, s.Next())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.Next())
}
