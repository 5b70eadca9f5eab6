package llm

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// errStopStream lets an SSE callback end parsing without reporting an error.
var errStopStream = errors.New("stop stream")

// readSSE parses a text/event-stream body and calls onEvent once per
// dispatched event. Comment lines are skipped; multi-line data is joined
// with "\n".
func readSSE(r io.Reader, onEvent func(event, data string) error) error {
	br := bufio.NewReader(r)
	var (
		eventName string
		dataLines []string
	)

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		ev := eventName
		dataLines = nil
		eventName = ""
		return onEvent(ev, data)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := err != nil
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if ferr := flush(); ferr != nil {
				return stopOK(ferr)
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}

		if eof {
			return stopOK(flush())
		}
	}
}

func stopOK(err error) error {
	if errors.Is(err, errStopStream) {
		return nil
	}
	return err
}
