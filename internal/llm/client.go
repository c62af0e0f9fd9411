package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Client is the interface that all completion providers implement.
// tools is the OpenAI-style function schema list produced by the tool
// registry; providers translate it to their own wire format.
type Client interface {
	// Chat runs one completion round and returns the whole answer.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Stream runs one completion round and yields deltas as they arrive.
	Stream(ctx context.Context, model string, messages []Message, tools []map[string]any) (Stream, error)
}

// Stream is a finite sequence of deltas. Recv returns io.EOF after the
// last delta. A Stream cannot be restarted; Close releases the
// underlying connection and is safe to call more than once.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// Collect drains s into a ChatResponse, calling onToken for every
// forwardable text fragment. onToken may be nil.
func Collect(s Stream, onToken func(string)) (*ChatResponse, error) {
	defer s.Close()

	var acc Accumulator
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("stream: %w", err)
		}
		if tok := acc.Add(d); tok != "" && onToken != nil {
			onToken(tok)
		}
	}
	return acc.Response(), nil
}

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}
