// Package signal lets people text Tickler over Signal. It drives a
// signal-cli process in JSON-RPC mode: inbound messages become agent
// runs and the same client delivers reminders as a notify.Notifier.
package signal

// Envelope is what signal-cli pushes for each received event. At most
// one of the message fields is set.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceName   string `json:"sourceName"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
}

// Sender returns the phone number of the sender, falling back to the
// generic source field older signal-cli versions fill.
func (e *Envelope) Sender() string {
	if e.SourceNumber != "" {
		return e.SourceNumber
	}
	return e.Source
}

// Text returns the message body, or "" for non-text envelopes.
func (e *Envelope) Text() string {
	if e.DataMessage == nil {
		return ""
	}
	return e.DataMessage.Message
}

// MessageTimestamp is the id signal uses for receipts: the data
// message timestamp when present, else the envelope's.
func (e *Envelope) MessageTimestamp() int64 {
	if e.DataMessage != nil && e.DataMessage.Timestamp != 0 {
		return e.DataMessage.Timestamp
	}
	return e.Timestamp
}

// DataMessage is a text message.
type DataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *GroupInfo `json:"groupInfo,omitempty"`
}

// GroupInfo is set when a message was sent to a group.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

// TypingMessage reports a contact typing.
type TypingMessage struct {
	Action    string `json:"action"` // STARTED or STOPPED
	Timestamp int64  `json:"timestamp"`
}

// ReceiptMessage is a delivery or read receipt.
type ReceiptMessage struct {
	When       int64   `json:"when"`
	Type       string  `json:"type"` // DELIVERY, READ, VIEWED
	Timestamps []int64 `json:"timestamps"`
}

// receiveNotification is the params of a "receive" notification.
type receiveNotification struct {
	Envelope Envelope `json:"envelope"`
}

// sendResult is the result of a "send" call.
type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}
