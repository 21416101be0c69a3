package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/quanteckio/omni-email/crypto"
	"github.com/quanteckio/omni-email/models"
	"github.com/quanteckio/omni-email/repository"
)

// AccountStore is the persistence surface the account service needs. It is
// implemented by repository.AccountRepository.
type AccountStore interface {
	Put(ctx context.Context, rec *models.AccountRecord) error
	Get(ctx context.Context, accountID string) (*models.AccountRecord, error)
	Delete(ctx context.Context, accountID string) error
	AddToTenant(ctx context.Context, tenantID, accountID string) error
	RemoveFromTenant(ctx context.Context, tenantID, accountID string) error
	TenantAccounts(ctx context.Context, tenantID string) ([]string, error)
}

// ConnectionTester verifies that a Secret's servers accept its credentials.
type ConnectionTester interface {
	Test(ctx context.Context, secret models.Secret) error
}

// WatcherStopper tears down any live watcher for an account.
type WatcherStopper interface {
	StopAccount(accountID string)
}

// AccountService owns account CRUD over the encrypted store.
type AccountService struct {
	store    AccountStore
	keyring  *crypto.Keyring
	tester   ConnectionTester
	watchers WatcherStopper
	logger   zerolog.Logger
}

// NewAccountService creates a new AccountService. tester and watchers may be
// nil in tests.
func NewAccountService(store AccountStore, keyring *crypto.Keyring, tester ConnectionTester, watchers WatcherStopper, logger zerolog.Logger) *AccountService {
	return &AccountService{
		store:    store,
		keyring:  keyring,
		tester:   tester,
		watchers: watchers,
		logger:   logger,
	}
}

// Create stores a new account and indexes it for its tenant. With
// testConnection set, connectivity is verified before anything is written.
func (s *AccountService) Create(ctx context.Context, req *models.CreateAccountRequest) (string, error) {
	secret := req.Secret()

	if req.TestConnection {
		if s.tester == nil {
			return "", fmt.Errorf("connection testing is not available")
		}
		if err := s.tester.Test(ctx, secret); err != nil {
			return "", fmt.Errorf("connection test failed: %w", err)
		}
	}

	accountID := ulid.Make().String()
	env, err := s.keyring.Seal(secret, crypto.AAD(accountID, req.TenantID))
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	rec := &models.AccountRecord{
		ID:        accountID,
		TenantID:  req.TenantID,
		CreatedAt: now,
		UpdatedAt: now,
		Enc:       env,
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return "", err
	}
	if err := s.store.AddToTenant(ctx, req.TenantID, accountID); err != nil {
		// Best-effort compensation for the orphaned record.
		if delErr := s.store.Delete(ctx, accountID); delErr != nil {
			s.logger.Error().Err(delErr).Str("account_id", accountID).Msg("failed to remove orphaned account record")
		}
		return "", err
	}

	s.logger.Info().Str("account_id", accountID).Str("tenant_id", req.TenantID).Msg("account created")
	return accountID, nil
}

// List returns the summaries of all accounts owned by a tenant. Passwords
// and full addresses never appear in listings.
func (s *AccountService) List(ctx context.Context, tenantID string) ([]models.AccountSummary, error) {
	ids, err := s.store.TenantAccounts(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.AccountSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				// Stale index entry; the record itself is gone.
				continue
			}
			return nil, err
		}
		secret, err := s.keyring.Open(rec.Enc, crypto.AAD(rec.ID, rec.TenantID))
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, models.AccountSummary{
			ID:                 rec.ID,
			TenantID:           rec.TenantID,
			Label:              secret.Label,
			PrimaryEmailMasked: MaskEmail(secret.PrimaryEmail),
			CreatedAt:          rec.CreatedAt,
			UpdatedAt:          rec.UpdatedAt,
		})
	}

	// ULIDs are time-ordered, so this is creation order.
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}

// Get returns one account with its Secret, passwords redacted unless
// explicitly requested.
func (s *AccountService) Get(ctx context.Context, accountID string, includePasswords bool) (*models.AccountDetail, error) {
	rec, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	secret, err := s.keyring.Open(rec.Enc, crypto.AAD(rec.ID, rec.TenantID))
	if err != nil {
		return nil, err
	}

	detail := &models.AccountDetail{
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if includePasswords {
		detail.Secret = secret
	} else {
		detail.Secret = secret.Redact()
	}
	return detail, nil
}

// Secret decrypts and returns the full credential payload for internal use
// (SMTP/IMAP operations). Callers must not retain it beyond the operation.
func (s *AccountService) Secret(ctx context.Context, accountID string) (models.Secret, error) {
	rec, err := s.store.Get(ctx, accountID)
	if err != nil {
		return models.Secret{}, err
	}
	return s.keyring.Open(rec.Enc, crypto.AAD(rec.ID, rec.TenantID))
}

// Update replaces the whole Secret, re-encrypting under the existing AAD
// with a fresh salt and iv. Partial field updates are not supported.
func (s *AccountService) Update(ctx context.Context, accountID string, secret models.Secret) error {
	rec, err := s.store.Get(ctx, accountID)
	if err != nil {
		return err
	}
	env, err := s.keyring.Seal(secret, crypto.AAD(rec.ID, rec.TenantID))
	if err != nil {
		return err
	}
	rec.Enc = env
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, rec); err != nil {
		return err
	}
	s.logger.Info().Str("account_id", accountID).Msg("account credentials rotated")
	return nil
}

// Delete stops any running watcher, removes the record, and unindexes it.
// Missing accounts are treated as success.
func (s *AccountService) Delete(ctx context.Context, accountID string) error {
	if s.watchers != nil {
		s.watchers.StopAccount(accountID)
	}

	rec, err := s.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.Delete(ctx, accountID); err != nil {
		return err
	}
	if err := s.store.RemoveFromTenant(ctx, rec.TenantID, accountID); err != nil {
		return err
	}
	s.logger.Info().Str("account_id", accountID).Str("tenant_id", rec.TenantID).Msg("account deleted")
	return nil
}

// MaskEmail renders an address for listings: first and last character of the
// local part kept, everything between replaced by asterisks, domain verbatim.
// A two-character local part keeps only its first character ("ab" -> "a*");
// a single character local part is returned unmasked.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return email
	}
	local, domain := email[:at], email[at:]
	n := len(local)
	switch {
	case n == 1:
		return local + domain
	case n == 2:
		return local[:1] + "*" + domain
	default:
		return local[:1] + strings.Repeat("*", n-2) + local[n-1:] + domain
	}
}
