// Package repository persists account records in the remote key-value store.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quanteckio/omni-email/models"
)

// ErrNotFound is returned when an account record key is absent.
var ErrNotFound = errors.New("account not found")

// AccountRepository reads and writes AccountRecords and the per-tenant index.
// The store is the source of truth; no in-process cache is kept.
type AccountRepository struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(rdb *redis.Client, logger zerolog.Logger) *AccountRepository {
	return &AccountRepository{rdb: rdb, logger: logger}
}

func accountKey(accountID string) string {
	return "acc:" + accountID
}

func tenantKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:accounts", tenantID)
}

// Put writes the record under acc:{id}.
func (r *AccountRepository) Put(ctx context.Context, rec *models.AccountRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := r.rdb.Set(ctx, accountKey(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

// Get loads the record under acc:{id}, or ErrNotFound.
func (r *AccountRepository) Get(ctx context.Context, accountID string) (*models.AccountRecord, error) {
	data, err := r.rdb.Get(ctx, accountKey(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load record: %w", err)
	}
	var rec models.AccountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	// The key names the record: a record copied under another key carries
	// that key's id, so its envelope fails authentication.
	rec.ID = accountID
	return &rec, nil
}

// Delete removes acc:{id}. Missing keys are treated as success.
func (r *AccountRepository) Delete(ctx context.Context, accountID string) error {
	deleted, err := r.rdb.Del(ctx, accountKey(accountID)).Result()
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if deleted == 0 {
		r.logger.Debug().Str("account_id", accountID).Msg("delete of absent record")
	}
	return nil
}

// AddToTenant adds the account id to tenant:{tenantId}:accounts.
func (r *AccountRepository) AddToTenant(ctx context.Context, tenantID, accountID string) error {
	if err := r.rdb.SAdd(ctx, tenantKey(tenantID), accountID).Err(); err != nil {
		return fmt.Errorf("index account: %w", err)
	}
	return nil
}

// RemoveFromTenant removes the account id from the tenant set.
func (r *AccountRepository) RemoveFromTenant(ctx context.Context, tenantID, accountID string) error {
	if err := r.rdb.SRem(ctx, tenantKey(tenantID), accountID).Err(); err != nil {
		return fmt.Errorf("unindex account: %w", err)
	}
	return nil
}

// TenantAccounts lists the account ids owned by one tenant.
func (r *AccountRepository) TenantAccounts(ctx context.Context, tenantID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, tenantKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list tenant accounts: %w", err)
	}
	return ids, nil
}
