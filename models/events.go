package models

import "time"

// Stream event kinds pushed to SSE subscribers.
const (
	EventSSEReady      = "SSEReady"
	EventWatcherReady  = "WatcherReady"
	EventEmailReceived = "EmailReceived"
	EventError         = "Error"
)

// StreamEvent is the wire shape of one data event on a push stream.
// Fields beyond Type and AccountID are populated per event kind.
type StreamEvent struct {
	Type      string     `json:"type"`
	AccountID string     `json:"accountId,omitempty"`
	UID       uint32     `json:"uid,omitempty"`
	Subject   string     `json:"subject,omitempty"`
	From      []string   `json:"from,omitempty"`
	To        []string   `json:"to,omitempty"`
	Date      *time.Time `json:"date,omitempty"`
	Flags     []string   `json:"flags,omitempty"`
	Message   string     `json:"message,omitempty"`
}
