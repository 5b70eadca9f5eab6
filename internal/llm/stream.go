package llm

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Stream is a forward-only sequence of events fed by one producer goroutine.
// It cannot be restarted. Events already returned by Event stay valid after
// cancellation or Close.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan StreamEvent

	cur     StreamEvent
	stopped bool

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

type emitFunc func(StreamEvent) bool

// newStream starts produce in a goroutine. emit reports false once ctx is
// cancelled; produce should return promptly then. body, if non-nil, is closed
// when production ends or the stream is cancelled.
func newStream(ctx context.Context, body io.Closer, produce func(emit emitFunc) error) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{ctx: ctx, cancel: cancel, events: make(chan StreamEvent)}

	emit := func(ev StreamEvent) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finished := make(chan struct{})

	// Closing the body unblocks a producer parked in a network read.
	if body != nil {
		go func() {
			select {
			case <-ctx.Done():
			case <-finished:
			}
			_ = body.Close()
		}()
	}

	go func() {
		defer close(s.events)
		err := produce(emit)
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		}
		s.setErr(err)
		close(finished)
	}()
	return s
}

func (s *Stream) setErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Next advances to the next event. It returns false at the end of the
// stream, on error, or after cancellation.
func (s *Stream) Next() bool {
	if s.stopped {
		return false
	}
	ev, ok := <-s.events
	if !ok {
		s.stopped = true
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.stopped = true
		s.setErr(err)
		return false
	}
	s.cur = ev
	return true
}

func (s *Stream) Event() StreamEvent { return s.cur }

// Err reports why the stream stopped; nil after a clean end. A cancelled
// stream reports the context error.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producer and waits for it to exit.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.stopped = true
		s.cancel()
		for range s.events {
		}
	})
	return nil
}

// StaticStream replays events in order and then ends with err. Adapters
// that already hold a complete response, and test fakes, use it.
func StaticStream(ctx context.Context, events []StreamEvent, err error) *Stream {
	return newStream(ctx, nil, func(emit emitFunc) error {
		for _, ev := range events {
			if !emit(ev) {
				return nil
			}
		}
		return err
	})
}

// Collect drains the stream into a Response, invoking onEvent for every event.
func Collect(s *Stream, onEvent func(StreamEvent)) (*Response, error) {
	defer s.Close()
	resp := &Response{}
	var text []byte
	for s.Next() {
		ev := s.Event()
		if onEvent != nil {
			onEvent(ev)
		}
		switch ev.Type {
		case EventToken:
			text = append(text, ev.Text...)
		case EventToolCallDone:
			if ev.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *ev.ToolCall)
			}
		case EventUsage:
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
		case EventDone:
			resp.FinishReason = ev.FinishReason
		}
	}
	resp.Content = string(text)
	if err := s.Err(); err != nil && !errors.Is(err, io.EOF) {
		return resp, err
	}
	return resp, nil
}
