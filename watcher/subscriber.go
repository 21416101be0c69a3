package watcher

import (
	"encoding/json"
	"sync"

	"github.com/quanteckio/omni-email/models"
)

// subscriberBuffer bounds how many frames may queue per subscriber. A client
// that falls further behind starts losing events rather than stalling the
// watcher.
const subscriberBuffer = 16

// Subscriber is one client's open push stream. The watcher side enqueues
// frames without blocking; the HTTP handler drains Frames and writes them to
// the response.
type Subscriber struct {
	accountID string

	frames chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newSubscriber(accountID string) *Subscriber {
	return &Subscriber{
		accountID: accountID,
		frames:    make(chan []byte, subscriberBuffer),
		closed:    make(chan struct{}),
	}
}

// AccountID returns the account this subscriber is attached to.
func (s *Subscriber) AccountID() string { return s.accountID }

// Frames is the stream of wire-ready frames for this subscriber.
func (s *Subscriber) Frames() <-chan []byte { return s.frames }

// Closed is closed once the subscriber has been dropped.
func (s *Subscriber) Closed() <-chan struct{} { return s.closed }

// send enqueues a frame. It reports false when the subscriber is gone or its
// buffer is full; the caller drops the event for this subscriber only.
func (s *Subscriber) send(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// DataFrame renders one SSE data event: "data: {json}\n\n".
func DataFrame(event models.StreamEvent) []byte {
	payload, err := json.Marshal(event)
	if err != nil {
		// StreamEvent contains only marshalable fields.
		payload = []byte(`{"type":"Error","message":"event encoding failed"}`)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame
}

// PingFrame renders the keep-alive frame sent every heartbeat interval.
func PingFrame() []byte {
	return []byte("event: ping\ndata: {}\n\n")
}
