package llm

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphpilot-backend/internal/llm/usage"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func sseResponse(body io.ReadCloser) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       body,
	}
}

func newTestProvider(t *testing.T, name string, tracker *usage.Tracker, rt roundTripperFunc) Provider {
	t.Helper()
	if tracker == nil {
		tracker = usage.NewTracker()
	}
	p, err := New(logger.Nop(), Config{
		Provider:   name,
		APIKey:     "test-key",
		Tracker:    tracker,
		HTTPClient: &http.Client{Transport: rt},
	})
	require.NoError(t, err)
	return p
}

func drain(t *testing.T, s *Stream) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for s.Next() {
		out = append(out, s.Event())
	}
	require.NoError(t, s.Err())
	require.NoError(t, s.Close())
	return out
}

func eventTypes(evs []StreamEvent) []StreamEventType {
	out := make([]StreamEventType, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}
