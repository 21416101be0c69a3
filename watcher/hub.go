package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quanteckio/omni-email/models"
)

// CredentialsFunc resolves the IMAP settings for an account at connect time.
// Watchers keep only these settings, never the whole Secret.
type CredentialsFunc func(ctx context.Context, accountID string) (models.ServerSettings, error)

// Config tunes watcher lifecycle timing.
type Config struct {
	// IdleGrace is how long a watcher without subscribers survives.
	IdleGrace time.Duration
	// Keepalive is the IDLE cycle / poll interval.
	Keepalive time.Duration
}

// DefaultConfig returns the production lifecycle timing.
func DefaultConfig() Config {
	return Config{
		IdleGrace: 60 * time.Second,
		Keepalive: 5 * time.Minute,
	}
}

// Hub is the process-wide watcher registry. All watcher creation, lookup,
// and removal is serialized through it, keeping at most one Watcher per
// account alive.
type Hub struct {
	credentials CredentialsFunc
	idleGrace   time.Duration
	keepalive   time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates the registry.
func NewHub(cfg Config, credentials CredentialsFunc, logger zerolog.Logger) *Hub {
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = DefaultConfig().IdleGrace
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultConfig().Keepalive
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		credentials: credentials,
		idleGrace:   cfg.IdleGrace,
		keepalive:   cfg.Keepalive,
		logger:      logger,
		watchers:    make(map[string]*Watcher),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ensure returns the live watcher for an account, creating and starting one
// when none exists. A watcher mid-teardown is replaced.
func (h *Hub) ensure(accountID string) *Watcher {
	h.mu.Lock()
	defer h.mu.Unlock()

	if w, ok := h.watchers[accountID]; ok && !w.stopped() {
		return w
	}

	w := newWatcher(accountID, h)
	h.watchers[accountID] = w
	watchersActive.Inc()
	go w.run(h.ctx)
	h.logger.Info().Str("account_id", accountID).Msg("watcher started")
	return w
}

// remove drops a watcher from the registry; called by the watcher itself
// during teardown. A newer watcher under the same account is left alone.
func (h *Hub) remove(accountID string, w *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.watchers[accountID]; ok && current == w {
		delete(h.watchers, accountID)
		watchersActive.Dec()
	}
}

// Attach joins a new push subscriber to an account's watcher, creating the
// watcher on first use. The SSEReady event is queued before Attach returns.
func (h *Hub) Attach(accountID string) *Subscriber {
	sub := newSubscriber(accountID)
	subscribersActive.Inc()
	sub.send(DataFrame(models.StreamEvent{Type: models.EventSSEReady, AccountID: accountID}))

	for attempt := 0; attempt < 3; attempt++ {
		w := h.ensure(accountID)
		if w.addSubscriber(sub) {
			return sub
		}
		// Lost a race with teardown; ensure() builds a fresh watcher.
	}

	// The watcher keeps failing faster than we can join it. Close the
	// stream; the error already went out to whoever was listening.
	sub.send(DataFrame(models.StreamEvent{
		Type:      models.EventError,
		AccountID: accountID,
		Message:   "watcher unavailable",
	}))
	sub.close()
	return sub
}

// Detach removes a subscriber. An account whose subscriber set becomes empty
// keeps its watcher for the idle-grace window only.
func (h *Hub) Detach(sub *Subscriber) {
	h.mu.Lock()
	w, ok := h.watchers[sub.accountID]
	h.mu.Unlock()
	subscribersActive.Dec()
	if !ok {
		sub.close()
		return
	}
	w.removeSubscriber(sub)
}

// StartWatch ensures a watcher runs for the account without attaching a
// subscriber. With nobody listening it is still subject to idle-grace.
func (h *Hub) StartWatch(accountID string) {
	w := h.ensure(accountID)
	w.mu.Lock()
	if len(w.subscribers) == 0 && !w.stopping && w.idleTimer == nil {
		w.armIdleGraceLocked()
	}
	w.mu.Unlock()
}

// StopAccount tears down the account's watcher, if any. Used by the stop
// endpoint and by account deletion.
func (h *Hub) StopAccount(accountID string) {
	h.mu.Lock()
	w, ok := h.watchers[accountID]
	h.mu.Unlock()
	if ok {
		w.stop()
	}
}

// Watching reports whether a live watcher exists for the account.
func (h *Hub) Watching(accountID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.watchers[accountID]
	return ok && !w.stopped()
}

// Shutdown stops every watcher and waits for their goroutines to exit.
func (h *Hub) Shutdown(ctx context.Context) {
	h.cancel()

	h.mu.Lock()
	watchers := make([]*Watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		watchers = append(watchers, w)
	}
	h.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}
	for _, w := range watchers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return
		}
	}
}
