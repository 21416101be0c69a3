package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quanteckio/omni-email/models"
)

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	accountID, err := h.accounts.Create(r.Context(), &req)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]string{"accountId": accountID})
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		h.errorResponse(w, http.StatusBadRequest, "validation_error", "tenantId query parameter is required")
		return
	}

	accounts, err := h.accounts.List(r.Context(), tenantID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	includePasswords := parseBool(r, "includePasswords", false)

	detail, err := h.accounts.Get(r.Context(), accountID, includePasswords)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, detail)
}

func (h *Handler) updateAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	var secret models.Secret
	if !h.decode(w, r, &secret) {
		return
	}

	if err := h.accounts.Update(r.Context(), accountID, secret); err != nil {
		h.serviceError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	if err := h.accounts.Delete(r.Context(), accountID); err != nil {
		h.serviceError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) testAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	secret, err := h.accounts.Secret(r.Context(), accountID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	if err := h.tester.Test(r.Context(), secret); err != nil {
		h.serviceError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}
