package llm

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// decodeFunc turns one SSE event into a delta. emit is false for events
// that carry nothing the caller needs (pings, block stops).
type decodeFunc func(event, data string) (d Delta, emit bool, err error)

// sseStream reads a text/event-stream response body and hands each
// data payload to a provider-specific decoder.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	decode  decodeFunc
	done    bool

	closeOnce sync.Once
	closeErr  error
}

func newSSEStream(body io.ReadCloser, decode decodeFunc) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: scanner, decode: decode}
}

func (s *sseStream) Recv() (Delta, error) {
	if s.done {
		return Delta{}, io.EOF
	}

	var event string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				s.done = true
				return Delta{}, io.EOF
			}
			d, emit, err := s.decode(event, data)
			if err != nil {
				s.done = true
				return Delta{}, err
			}
			if d.Done {
				s.done = true
			}
			if emit || d.Done {
				return d, nil
			}
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return Delta{}, fmt.Errorf("read stream: %w", err)
	}
	return Delta{}, io.EOF
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
