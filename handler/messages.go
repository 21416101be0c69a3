package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quanteckio/omni-email/models"
)

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	var req models.SendRequest
	if !h.decode(w, r, &req) {
		return
	}

	secret, err := h.accounts.Secret(r.Context(), accountID)
	if err != nil {
		h.serviceError(w, err)
		return
	}

	resp, err := h.sender.Send(r.Context(), secret, &req)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, resp)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	limit := parseInt(r, "limit", 20)

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.errorResponse(w, http.StatusBadRequest, "validation_error", "since must be an RFC3339 timestamp")
			return
		}
		since = &parsed
	}

	secret, err := h.accounts.Secret(r.Context(), accountID)
	if err != nil {
		h.serviceError(w, err)
		return
	}

	messages, err := h.mailbox.ListRecent(r.Context(), secret, limit, since)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	uid64, err := strconv.ParseUint(chi.URLParam(r, "uid"), 10, 32)
	if err != nil || uid64 == 0 {
		h.errorResponse(w, http.StatusBadRequest, "validation_error", "uid must be a positive integer")
		return
	}
	includeRaw := parseBool(r, "includeRaw", true)

	secret, err := h.accounts.Secret(r.Context(), accountID)
	if err != nil {
		h.serviceError(w, err)
		return
	}

	detail, err := h.mailbox.FetchOne(r.Context(), secret, uint32(uid64), includeRaw)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, detail)
}
