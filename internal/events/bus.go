// Package events is an in-process broadcast bus for operational events:
// agent runs, tool calls, reminder deliveries and inbound phone
// messages. The websocket feed subscribes to it. Publishing on a nil
// *Bus is a no-op so components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent     = "agent"
	SourceScheduler = "scheduler"
	SourceSignal    = "signal"
	SourceSMS       = "sms"
)

// Kinds, with the data keys each carries.
const (
	// KindRequestStart: request_id, conversation_id, user_id, streaming.
	KindRequestStart = "request_start"
	// KindLLMCall: request_id, round, model.
	KindLLMCall = "llm_call"
	// KindToolCall: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete: request_id, conversation_id, rounds, tools,
	// exhausted, elapsed_ms, error (on failure).
	KindRequestComplete = "request_complete"

	// KindReminderDelivered: reminder_id, tick_id.
	KindReminderDelivered = "reminder_delivered"
	// KindReminderFailed: reminder_id, tick_id, error.
	KindReminderFailed = "reminder_failed"
	// KindTickComplete: tick_id, due, claimed, sent, failed, elapsed_ms.
	KindTickComplete = "tick_complete"

	// KindMessageReceived: sender, user_id, message_len.
	KindMessageReceived = "message_received"
)

// Event is one operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers whose buffer is full
// miss events instead of blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe take the receive-only channel the
	// caller holds.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber that has room. A zero
// Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving future events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
