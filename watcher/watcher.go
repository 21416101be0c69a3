// Package watcher maintains one live IMAP connection per watched account,
// turning server EXISTS notifications into per-message events fanned out to
// push stream subscribers.
package watcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/quanteckio/omni-email/imapconn"
	"github.com/quanteckio/omni-email/models"
)

// Watcher is the per-account singleton holding the inbox connection. At most
// one exists process-wide per account (the Hub enforces this), and at most
// one fetch pass runs at a time (the run loop enforces that).
type Watcher struct {
	accountID string
	hub       *Hub
	log       zerolog.Logger

	// exists coalesces EXISTS signals: a notification arriving during a
	// fetch pass is absorbed here and honored by the next pass.
	exists chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu          sync.Mutex
	client      *imapclient.Client
	lastUID     uint32
	subscribers map[*Subscriber]struct{}
	stopping    bool
	idleTimer   *time.Timer // pending idle-grace teardown
}

func newWatcher(accountID string, hub *Hub) *Watcher {
	return &Watcher{
		accountID:   accountID,
		hub:         hub,
		log:         hub.logger.With().Str("account_id", accountID).Logger(),
		exists:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// signalExists records that the server announced new mail. Duplicate signals
// collapse into one pending pass.
func (w *Watcher) signalExists() {
	select {
	case w.exists <- struct{}{}:
	default:
	}
}

// stop trips the stopping latch. Safe to call from any goroutine and any
// number of times; the run loop performs the actual teardown.
func (w *Watcher) stop() {
	w.mu.Lock()
	w.stopping = true
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Watcher) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// run drives the state machine: connect, select, then alternate between
// watching (IDLE) and fetching until stopped or failed.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.teardown()

	settings, err := w.hub.credentials(ctx, w.accountID)
	if err != nil {
		w.log.Error().Err(err).Msg("watcher could not load credentials")
		w.fail(err)
		return
	}

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					w.log.Debug().Uint32("count", *data.NumMessages).Msg("new mail notification")
					w.signalExists()
				}
			},
		},
	}

	client, err := imapconn.Dial(settings, options, w.hub.keepalive+imapconn.SocketTimeout)
	if err != nil {
		w.log.Warn().Err(err).Msg("watcher connect failed")
		w.fail(err)
		return
	}
	w.mu.Lock()
	w.client = client
	w.mu.Unlock()

	selectData, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		w.log.Warn().Err(err).Msg("watcher select failed")
		w.fail(err)
		return
	}

	w.mu.Lock()
	w.lastUID = uint32(selectData.UIDNext) - 1
	w.mu.Unlock()
	w.log.Info().Uint32("last_uid", uint32(selectData.UIDNext)-1).Msg("watching inbox")

	w.broadcast(models.StreamEvent{Type: models.EventWatcherReady, AccountID: w.accountID})

	if client.Caps().Has(imap.CapIdle) {
		err = w.watchIdle(client)
	} else {
		w.log.Info().Msg("server does not support IDLE, falling back to polling")
		err = w.watchPoll(client)
	}
	if err != nil && !w.stopped() {
		w.log.Warn().Err(err).Msg("watcher connection failed")
		w.fail(err)
	}
}

// watchIdle holds an IDLE command open, interrupting it to fetch whenever
// the server signals new mail and cycling it on the keepalive interval.
func (w *Watcher) watchIdle(client *imapclient.Client) error {
	keepalive := time.NewTimer(w.hub.keepalive)
	defer keepalive.Stop()

	for {
		idleCmd, err := client.Idle()
		if err != nil {
			return err
		}

		var fetchPending bool
		select {
		case <-w.stopCh:
			idleCmd.Close()
			idleCmd.Wait()
			return nil

		case <-w.exists:
			fetchPending = true

		case <-keepalive.C:
			// IDLE itself keeps the socket warm; cycling it is
			// belt-and-braces against silent drops.
			keepalive.Reset(w.hub.keepalive)
		}

		if err := idleCmd.Close(); err != nil {
			return err
		}
		if err := idleCmd.Wait(); err != nil {
			return err
		}

		if fetchPending {
			if err := w.fetchNew(client); err != nil {
				return err
			}
		}
	}
}

// watchPoll substitutes a fetch pass on every keepalive tick for servers
// without IDLE.
func (w *Watcher) watchPoll(client *imapclient.Client) error {
	ticker := time.NewTicker(w.hub.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return nil
		case <-w.exists:
		case <-ticker.C:
		}
		if err := w.fetchNew(client); err != nil {
			return err
		}
		if err := client.Noop().Wait(); err != nil {
			return err
		}
	}
}

// fetchNew fetches (lastUID+1):* and publishes one EmailReceived per message
// in strictly increasing UID order. A range with no new mail (the server
// echoes the newest message for an overshooting start) publishes nothing.
func (w *Watcher) fetchNew(client *imapclient.Client) error {
	w.mu.Lock()
	baseline := w.lastUID
	w.mu.Unlock()

	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(baseline+1), 0)

	fetchOptions := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		Flags:        true,
		InternalDate: true,
	}

	fetchCmd := client.Fetch(uidSet, fetchOptions)
	type fetched struct {
		uid      uint32
		subject  string
		from, to []string
		date     time.Time
		flags    []string
	}
	var messages []fetched

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		var f fetched
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				f.uid = uint32(data.UID)
			case imapclient.FetchItemDataEnvelope:
				if data.Envelope != nil {
					f.subject = data.Envelope.Subject
					f.from = addressStrings(data.Envelope.From)
					f.to = addressStrings(data.Envelope.To)
					if !data.Envelope.Date.IsZero() {
						f.date = data.Envelope.Date.UTC()
					}
				}
			case imapclient.FetchItemDataFlags:
				for _, flag := range data.Flags {
					f.flags = append(f.flags, string(flag))
				}
			case imapclient.FetchItemDataInternalDate:
				if f.date.IsZero() {
					f.date = data.Time
				}
			}
		}
		// A UID FETCH n:* where n exceeds the mailbox returns the last
		// message; anything at or below the baseline is not new.
		if f.uid == 0 || f.uid <= baseline {
			continue
		}
		messages = append(messages, f)
	}
	if err := fetchCmd.Close(); err != nil {
		return err
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].uid < messages[j].uid })

	for _, f := range messages {
		date := f.date
		w.broadcast(models.StreamEvent{
			Type:      models.EventEmailReceived,
			AccountID: w.accountID,
			UID:       f.uid,
			Subject:   f.subject,
			From:      f.from,
			To:        f.to,
			Date:      &date,
			Flags:     f.flags,
		})
		w.mu.Lock()
		if f.uid > w.lastUID {
			w.lastUID = f.uid
		}
		w.mu.Unlock()
	}
	return nil
}

func addressStrings(addrs []imap.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Addr())
	}
	return out
}

// fail publishes an Error event to current subscribers and stops.
func (w *Watcher) fail(err error) {
	watcherErrors.Inc()
	w.broadcast(models.StreamEvent{
		Type:      models.EventError,
		AccountID: w.accountID,
		Message:   err.Error(),
	})
	w.stop()
}

// broadcast serializes the event once and enqueues it on every subscriber.
// A subscriber that cannot take the frame loses this event; the others are
// unaffected.
func (w *Watcher) broadcast(event models.StreamEvent) {
	frame := DataFrame(event)
	notificationsPublished.WithLabelValues(event.Type).Inc()

	w.mu.Lock()
	subs := make([]*Subscriber, 0, len(w.subscribers))
	for sub := range w.subscribers {
		subs = append(subs, sub)
	}
	w.mu.Unlock()

	for _, sub := range subs {
		if !sub.send(frame) {
			notificationsDropped.Inc()
			w.log.Debug().Str("type", event.Type).Msg("dropped event for slow subscriber")
		}
	}
}

// addSubscriber registers a handle and cancels any pending teardown.
// Reports false once the watcher is already stopping.
func (w *Watcher) addSubscriber(sub *Subscriber) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return false
	}
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	w.subscribers[sub] = struct{}{}
	return true
}

// removeSubscriber drops a handle. When the set becomes empty the idle-grace
// timer is armed; any attach before it fires cancels the teardown.
func (w *Watcher) removeSubscriber(sub *Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subscribers, sub)
	sub.close()
	if len(w.subscribers) == 0 && !w.stopping {
		w.armIdleGraceLocked()
	}
}

func (w *Watcher) armIdleGraceLocked() {
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	w.idleTimer = time.AfterFunc(w.hub.idleGrace, func() {
		w.mu.Lock()
		empty := len(w.subscribers) == 0
		w.mu.Unlock()
		if empty {
			w.log.Info().Msg("no subscribers for idle grace window, stopping watcher")
			w.stop()
		}
	})
}

// teardown runs exactly once as the run goroutine exits: close the mailbox
// session, drop the client, release subscribers, and leave the registry.
func (w *Watcher) teardown() {
	w.stop()

	w.mu.Lock()
	client := w.client
	w.client = nil
	subs := make([]*Subscriber, 0, len(w.subscribers))
	for sub := range w.subscribers {
		subs = append(subs, sub)
	}
	w.subscribers = make(map[*Subscriber]struct{})
	w.mu.Unlock()

	if client != nil {
		if err := client.Logout().Wait(); err != nil {
			w.log.Debug().Err(err).Msg("logout failed, closing anyway")
		}
		client.Close()
	}
	for _, sub := range subs {
		sub.close()
	}

	w.hub.remove(w.accountID, w)
	w.log.Info().Msg("watcher stopped")
}
