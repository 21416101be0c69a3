package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanteckio/omni-email/crypto"
	"github.com/quanteckio/omni-email/models"
	"github.com/quanteckio/omni-email/repository"
	"github.com/quanteckio/omni-email/service"
	"github.com/quanteckio/omni-email/watcher"
)

// memStore is an in-memory stand-in for the key-value store.
type memStore struct {
	mu      sync.Mutex
	records map[string]models.AccountRecord
	tenants map[string]map[string]struct{}
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]models.AccountRecord),
		tenants: make(map[string]map[string]struct{}),
	}
}

func (m *memStore) Put(ctx context.Context, rec *models.AccountRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = *rec
	return nil
}

func (m *memStore) Get(ctx context.Context, accountID string) (*models.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (m *memStore) Delete(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, accountID)
	return nil
}

func (m *memStore) AddToTenant(ctx context.Context, tenantID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tenants[tenantID] == nil {
		m.tenants[tenantID] = make(map[string]struct{})
	}
	m.tenants[tenantID][accountID] = struct{}{}
	return nil
}

func (m *memStore) RemoveFromTenant(ctx context.Context, tenantID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants[tenantID], accountID)
	return nil
}

func (m *memStore) TenantAccounts(ctx context.Context, tenantID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tenants[tenantID]))
	for id := range m.tenants[tenantID] {
		ids = append(ids, id)
	}
	return ids, nil
}

func testHandler(t *testing.T) *Handler {
	t.Helper()
	kr, err := crypto.NewKeyring(bytes.Repeat([]byte{9}, crypto.KeySize))
	require.NoError(t, err)

	logger := zerolog.Nop()
	sender := service.NewSenderService(logger)
	mailbox := service.NewMailboxService(logger)
	tester := service.NewMailTester(sender, mailbox)

	hub := watcher.NewHub(watcher.Config{IdleGrace: time.Minute, Keepalive: time.Minute},
		func(ctx context.Context, accountID string) (models.ServerSettings, error) {
			return models.ServerSettings{}, fmt.Errorf("no network in tests")
		}, logger)

	accounts := service.NewAccountService(newMemStore(), kr, tester, hub, logger)
	return NewHandler(accounts, sender, mailbox, tester, hub, 25*time.Second, logger)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createBody(tenantID, email string) map[string]any {
	return map[string]any{
		"tenantId":     tenantID,
		"primaryEmail": email,
		"imap": map[string]any{
			"host": "imap.x", "port": 993, "username": email, "password": "p", "connection": "TLS",
		},
		"smtp": map[string]any{
			"host": "smtp.x", "port": 587, "username": email, "password": "p", "connection": "STARTTLS",
		},
	}
}

func TestAccounts_CreateAndList(t *testing.T) {
	router := testHandler(t).Router()

	rec := doJSON(t, router, http.MethodPost, "/mailbox/accounts", createBody("u1", "a@b.co"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created struct {
		AccountID string `json:"accountId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Len(t, created.AccountID, 26)

	rec = doJSON(t, router, http.MethodGet, "/mailbox/accounts?tenantId=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Accounts []models.AccountSummary `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Accounts, 1)
	assert.Equal(t, created.AccountID, listed.Accounts[0].ID)
	assert.Equal(t, "a@b.co", listed.Accounts[0].PrimaryEmailMasked)
}

func TestAccounts_ListRequiresTenant(t *testing.T) {
	router := testHandler(t).Router()
	rec := doJSON(t, router, http.MethodGet, "/mailbox/accounts", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccounts_CreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(body map[string]any)
	}{
		{"missing tenant", func(b map[string]any) { delete(b, "tenantId") }},
		{"malformed email", func(b map[string]any) { b["primaryEmail"] = "not-an-email" }},
		{"bad connection enum", func(b map[string]any) {
			b["imap"].(map[string]any)["connection"] = "SSL"
		}},
		{"missing password", func(b map[string]any) {
			delete(b["smtp"].(map[string]any), "password")
		}},
		{"zero port", func(b map[string]any) {
			b["imap"].(map[string]any)["port"] = 0
		}},
	}

	router := testHandler(t).Router()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := createBody("u1", "user@example.com")
			tt.mutate(body)
			rec := doJSON(t, router, http.MethodPost, "/mailbox/accounts", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestAccounts_GetRedaction(t *testing.T) {
	router := testHandler(t).Router()

	rec := doJSON(t, router, http.MethodPost, "/mailbox/accounts", createBody("u1", "alice@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)
	var created struct {
		AccountID string `json:"accountId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, router, http.MethodGet, "/mailbox/accounts/"+created.AccountID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hasPassword":true`)
	assert.NotContains(t, rec.Body.String(), `"password"`)

	rec = doJSON(t, router, http.MethodGet, "/mailbox/accounts/"+created.AccountID+"?includePasswords=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"password":"p"`)
}

func TestAccounts_UpdateAndDelete(t *testing.T) {
	router := testHandler(t).Router()

	rec := doJSON(t, router, http.MethodPost, "/mailbox/accounts", createBody("u1", "alice@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)
	var created struct {
		AccountID string `json:"accountId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	update := map[string]any{
		"primaryEmail": "alice@example.com",
		"imap": map[string]any{
			"host": "imap.x", "port": 993, "username": "alice@example.com", "password": "rotated", "connection": "TLS",
		},
		"smtp": map[string]any{
			"host": "smtp.x", "port": 587, "username": "alice@example.com", "password": "rotated", "connection": "STARTTLS",
		},
	}
	rec = doJSON(t, router, http.MethodPut, "/mailbox/accounts/"+created.AccountID, update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/mailbox/accounts/"+created.AccountID+"?includePasswords=true", nil)
	assert.Contains(t, rec.Body.String(), `"password":"rotated"`)

	rec = doJSON(t, router, http.MethodDelete, "/mailbox/accounts/"+created.AccountID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Idempotent.
	rec = doJSON(t, router, http.MethodDelete, "/mailbox/accounts/"+created.AccountID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/mailbox/accounts/"+created.AccountID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessages_BadUID(t *testing.T) {
	router := testHandler(t).Router()
	rec := doJSON(t, router, http.MethodGet, "/mailbox/accounts/01HXXXXXXXXXXXXXXXXXXXXXXX/messages/zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSend_UnknownAccount(t *testing.T) {
	router := testHandler(t).Router()
	body := map[string]any{"to": []string{"to@example.com"}, "subject": "hi", "text": "x"}
	rec := doJSON(t, router, http.MethodPost, "/mailbox/accounts/01HXXXXXXXXXXXXXXXXXXXXXXX/send", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "account_not_found")
}

func TestSend_Validation(t *testing.T) {
	router := testHandler(t).Router()
	body := map[string]any{"to": []string{}, "subject": "hi"}
	rec := doJSON(t, router, http.MethodPost, "/mailbox/accounts/01HXXXXXXXXXXXXXXXXXXXXXXX/send", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWatch_StopIsAlwaysOK(t *testing.T) {
	router := testHandler(t).Router()
	rec := doJSON(t, router, http.MethodPost, "/mailbox/accounts/01HXXXXXXXXXXXXXXXXXXXXXXX/watch/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		name         string
		queryParam   string
		defaultValue int
		want         int
	}{
		{"valid integer", "limit=50", 20, 50},
		{"missing parameter uses default", "", 20, 20},
		{"invalid integer uses default", "limit=abc", 20, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test?"+tt.queryParam, nil)
			assert.Equal(t, tt.want, parseInt(req, "limit", tt.defaultValue))
		})
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		name         string
		queryParam   string
		defaultValue bool
		want         bool
	}{
		{"true value", "includeRaw=true", false, true},
		{"false value", "includeRaw=false", true, false},
		{"missing uses default", "", true, true},
		{"invalid uses default", "includeRaw=maybe", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test?"+tt.queryParam, nil)
			assert.Equal(t, tt.want, parseBool(req, "includeRaw", tt.defaultValue))
		})
	}
}
