package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanteckio/omni-email/models"
)

func testHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	creds := func(ctx context.Context, accountID string) (models.ServerSettings, error) {
		return models.ServerSettings{}, fmt.Errorf("no credentials in tests")
	}
	return NewHub(cfg, creds, zerolog.Nop())
}

// registerIdleWatcher places a watcher in the registry without starting its
// network goroutine, so lifecycle mechanics can be exercised in isolation.
func registerIdleWatcher(h *Hub, accountID string) *Watcher {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := newWatcher(accountID, h)
	h.watchers[accountID] = w
	return w
}

func decodeFrame(t *testing.T, frame []byte) models.StreamEvent {
	t.Helper()
	var payload []byte
	if n := len(frame); n > 8 && string(frame[:6]) == "data: " {
		payload = frame[6 : n-2]
	} else {
		t.Fatalf("unexpected frame shape: %q", frame)
	}
	var event models.StreamEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	return event
}

func receiveEvent(t *testing.T, sub *Subscriber) models.StreamEvent {
	t.Helper()
	select {
	case frame := <-sub.Frames():
		return decodeFrame(t, frame)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return models.StreamEvent{}
	}
}

func TestBroadcast_FanOut(t *testing.T) {
	h := testHub(t, Config{IdleGrace: time.Minute, Keepalive: time.Minute})
	w := registerIdleWatcher(h, "acc-1")

	subs := make([]*Subscriber, 3)
	for i := range subs {
		subs[i] = newSubscriber("acc-1")
		require.True(t, w.addSubscriber(subs[i]))
	}

	w.broadcast(models.StreamEvent{Type: models.EventEmailReceived, AccountID: "acc-1", UID: 1002})

	for i, sub := range subs {
		event := receiveEvent(t, sub)
		assert.Equal(t, models.EventEmailReceived, event.Type, "subscriber %d", i)
		assert.Equal(t, uint32(1002), event.UID, "subscriber %d", i)
	}
}

func TestBroadcast_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := testHub(t, Config{IdleGrace: time.Minute, Keepalive: time.Minute})
	w := registerIdleWatcher(h, "acc-1")

	slow := newSubscriber("acc-1")
	healthy := newSubscriber("acc-1")
	require.True(t, w.addSubscriber(slow))
	require.True(t, w.addSubscriber(healthy))

	// Saturate the slow subscriber's buffer.
	for i := 0; i < subscriberBuffer; i++ {
		require.True(t, slow.send([]byte("data: {}\n\n")))
	}

	w.broadcast(models.StreamEvent{Type: models.EventEmailReceived, AccountID: "acc-1", UID: 7})

	event := receiveEvent(t, healthy)
	assert.Equal(t, uint32(7), event.UID)
}

func TestBroadcast_StrictUIDOrderPerSubscriber(t *testing.T) {
	h := testHub(t, Config{IdleGrace: time.Minute, Keepalive: time.Minute})
	w := registerIdleWatcher(h, "acc-1")

	sub := newSubscriber("acc-1")
	require.True(t, w.addSubscriber(sub))

	uids := []uint32{1001, 1002, 1003, 1005, 1009}
	for _, uid := range uids {
		w.broadcast(models.StreamEvent{Type: models.EventEmailReceived, AccountID: "acc-1", UID: uid})
	}

	var last uint32
	for range uids {
		event := receiveEvent(t, sub)
		assert.Greater(t, event.UID, last, "uids must strictly increase")
		last = event.UID
	}
}

func TestIdleGrace_TearsDownEmptyWatcher(t *testing.T) {
	h := testHub(t, Config{IdleGrace: 40 * time.Millisecond, Keepalive: time.Minute})
	w := registerIdleWatcher(h, "acc-1")

	sub := newSubscriber("acc-1")
	require.True(t, w.addSubscriber(sub))
	w.removeSubscriber(sub)

	select {
	case <-w.stopCh:
	case <-time.After(time.Second):
		t.Fatal("watcher was not stopped after the idle grace window")
	}
}

func TestIdleGrace_AttachCancelsTeardown(t *testing.T) {
	h := testHub(t, Config{IdleGrace: 60 * time.Millisecond, Keepalive: time.Minute})
	w := registerIdleWatcher(h, "acc-1")

	first := newSubscriber("acc-1")
	require.True(t, w.addSubscriber(first))
	w.removeSubscriber(first)

	// Re-attach inside the grace window.
	second := newSubscriber("acc-1")
	require.True(t, w.addSubscriber(second))

	select {
	case <-w.stopCh:
		t.Fatal("watcher stopped despite an active subscriber")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStopAccount_RemovesWatcher(t *testing.T) {
	h := testHub(t, Config{IdleGrace: time.Minute, Keepalive: time.Minute})
	w := registerIdleWatcher(h, "acc-1")

	require.True(t, h.Watching("acc-1"))
	h.StopAccount("acc-1")

	select {
	case <-w.stopCh:
	case <-time.After(time.Second):
		t.Fatal("StopAccount did not stop the watcher")
	}
	assert.False(t, h.Watching("acc-1"))
}

func TestAttach_FirstEventIsSSEReady(t *testing.T) {
	h := testHub(t, Config{IdleGrace: time.Minute, Keepalive: time.Minute})
	// Pre-register so Attach joins this watcher instead of dialing out.
	registerIdleWatcher(h, "acc-1")

	sub := h.Attach("acc-1")
	event := receiveEvent(t, sub)
	assert.Equal(t, models.EventSSEReady, event.Type)
	assert.Equal(t, "acc-1", event.AccountID)

	h.Detach(sub)
	select {
	case <-sub.Closed():
	case <-time.After(time.Second):
		t.Fatal("detach did not close the subscriber")
	}
}

func TestTeardown_ClosesSubscribersAndLeavesRegistry(t *testing.T) {
	h := testHub(t, Config{IdleGrace: time.Minute, Keepalive: time.Minute})
	w := registerIdleWatcher(h, "acc-1")

	sub := newSubscriber("acc-1")
	require.True(t, w.addSubscriber(sub))

	w.teardown()

	select {
	case <-sub.Closed():
	case <-time.After(time.Second):
		t.Fatal("teardown did not close the subscriber")
	}
	assert.False(t, h.Watching("acc-1"))

	// Teardown is idempotent.
	w.teardown()
}

func TestSubscriber_SendAfterCloseFails(t *testing.T) {
	sub := newSubscriber("acc-1")
	sub.close()
	assert.False(t, sub.send([]byte("data: {}\n\n")))
}

func TestFrames(t *testing.T) {
	event := models.StreamEvent{Type: models.EventWatcherReady, AccountID: "acc-1"}
	frame := DataFrame(event)
	assert.Equal(t, "data: ", string(frame[:6]))
	assert.Equal(t, "\n\n", string(frame[len(frame)-2:]))

	decoded := decodeFrame(t, frame)
	assert.Equal(t, event, decoded)

	assert.Equal(t, "event: ping\ndata: {}\n\n", string(PingFrame()))
}
