// Package handler exposes the HTTP control plane of the mailbox gateway.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/quanteckio/omni-email/crypto"
	"github.com/quanteckio/omni-email/repository"
	"github.com/quanteckio/omni-email/service"
	"github.com/quanteckio/omni-email/watcher"
)

// Handler routes control plane requests to the account, send, mailbox, and
// watcher subsystems.
type Handler struct {
	accounts  *service.AccountService
	sender    *service.SenderService
	mailbox   *service.MailboxService
	tester    *service.MailTester
	hub       *watcher.Hub
	heartbeat time.Duration
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(
	accounts *service.AccountService,
	sender *service.SenderService,
	mailbox *service.MailboxService,
	tester *service.MailTester,
	hub *watcher.Hub,
	heartbeat time.Duration,
	logger zerolog.Logger,
) *Handler {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &Handler{
		accounts:  accounts,
		sender:    sender,
		mailbox:   mailbox,
		tester:    tester,
		hub:       hub,
		heartbeat: heartbeat,
		validator: validator.New(),
		logger:    logger,
	}
}

// Router returns the HTTP router with all routes configured.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/mailbox", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.createAccount)
			r.Get("/", h.listAccounts)

			r.Route("/{accountId}", func(r chi.Router) {
				r.Get("/", h.getAccount)
				r.Put("/", h.updateAccount)
				r.Delete("/", h.deleteAccount)
				r.Post("/test", h.testAccount)
				r.Post("/send", h.sendMessage)
				r.Get("/messages", h.listMessages)
				r.Get("/messages/{uid}", h.getMessage)
				r.Post("/watch/start", h.startWatch)
				r.Post("/watch/stop", h.stopWatch)
				r.Get("/stream", h.streamAccount)
			})
		})
	})

	return r
}

// Response helpers

func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) errorResponse(w http.ResponseWriter, status int, code, message string) {
	h.jsonResponse(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

func (h *Handler) validationError(w http.ResponseWriter, err error) {
	h.errorResponse(w, http.StatusBadRequest, "validation_error", err.Error())
}

// serviceError maps the error kinds of the lower layers onto wire statuses:
// validation/auth/upstream/not-found are client-visible 400s (404 only for
// missing messages), anything else is a 500.
func (h *Handler) serviceError(w http.ResponseWriter, err error) {
	var upstreamErr *service.UpstreamError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		h.errorResponse(w, http.StatusBadRequest, "account_not_found", "account not found")
	case errors.Is(err, service.ErrMessageNotFound):
		h.errorResponse(w, http.StatusNotFound, "message_not_found", "message not found")
	case errors.Is(err, crypto.ErrAuthFailure):
		h.errorResponse(w, http.StatusBadRequest, "auth_failure", "credential envelope failed authentication")
	case errors.Is(err, crypto.ErrUnsupportedEnvelope):
		h.errorResponse(w, http.StatusBadRequest, "unsupported_envelope", "stored envelope cannot be read by this build")
	case errors.As(err, &upstreamErr):
		h.errorResponse(w, http.StatusBadRequest, "upstream_error", upstreamErr.Error())
	default:
		h.logger.Error().Err(err).Msg("unexpected error")
		h.errorResponse(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.validationError(w, err)
		return false
	}
	return true
}

func parseInt(r *http.Request, param string, defaultValue int) int {
	valueStr := r.URL.Query().Get(param)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseBool(r *http.Request, param string, defaultValue bool) bool {
	valueStr := r.URL.Query().Get(param)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
