package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quanteckio/omni-email/watcher"
)

func (h *Handler) startWatch(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	// Refuse to start a watcher for an account that does not decrypt.
	if _, err := h.accounts.Secret(r.Context(), accountID); err != nil {
		h.serviceError(w, err)
		return
	}
	h.hub.StartWatch(accountID)
	h.jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) stopWatch(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	h.hub.StopAccount(accountID)
	h.jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// streamAccount terminates one push stream. After the headers are flushed
// nothing on this connection is an HTTP error anymore; transport problems
// become Error events followed by close.
func (h *Handler) streamAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	if _, err := h.accounts.Secret(r.Context(), accountID); err != nil {
		h.serviceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.errorResponse(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.hub.Attach(accountID)
	defer h.hub.Detach(sub)

	h.logger.Info().Str("account_id", accountID).Msg("stream subscriber connected")
	defer h.logger.Info().Str("account_id", accountID).Msg("stream subscriber disconnected")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Closed():
			// Drain anything queued before the close (Error events).
			for {
				select {
				case frame := <-sub.Frames():
					if _, err := w.Write(frame); err != nil {
						return
					}
					flusher.Flush()
				default:
					return
				}
			}
		case frame := <-sub.Frames():
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write(watcher.PingFrame()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
