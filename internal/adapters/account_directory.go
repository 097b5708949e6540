package adapters

import (
	"context"
	"errors"
	"time"

	"fintrack/internal/cache"
	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/services"
)

// CachedAccountDirectory puts LRU caches in front of an AccountDirectory so
// the per-request account and membership checks do not hit storage. Missing
// accounts are not cached.
type CachedAccountDirectory struct {
	next     services.AccountDirectory
	accounts *cache.LRUCache[core.Account]
	members  *cache.LRUCache[bool]
	logger   *log.Logger
}

var _ services.AccountDirectory = (*CachedAccountDirectory)(nil)

func NewCachedAccountDirectory(next services.AccountDirectory, size int, ttl time.Duration, logger *log.Logger, opts ...cache.Option) *CachedAccountDirectory {
	if logger == nil {
		logger = log.Discard()
	}
	return &CachedAccountDirectory{
		next:     next,
		accounts: cache.NewLRUCache[core.Account](size, ttl, append([]cache.Option{cache.WithName("accounts")}, opts...)...),
		members:  cache.NewLRUCache[bool](size, ttl, append([]cache.Option{cache.WithName("memberships")}, opts...)...),
		logger:   logger.WithComponent(log.ComponentCache),
	}
}

// Register adds both caches to a cleanup manager.
func (d *CachedAccountDirectory) Register(m *cache.Manager) {
	m.Register(d.accounts)
	m.Register(d.members)
}

func (d *CachedAccountDirectory) GetAccount(ctx context.Context, id string) (core.Account, error) {
	if a, ok := d.accounts.Get(id); ok {
		return a, nil
	}
	a, err := d.next.GetAccount(ctx, id)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			d.logger.WarnContext(ctx, "Account lookup failed", log.FieldAccountID, id, log.FieldError, err)
		}
		return core.Account{}, err
	}
	d.accounts.Set(id, a)
	return a, nil
}

func (d *CachedAccountDirectory) IsMember(ctx context.Context, accountID, userID string) (bool, error) {
	key := accountID + "\x00" + userID
	if ok, hit := d.members.Get(key); hit {
		return ok, nil
	}
	ok, err := d.next.IsMember(ctx, accountID, userID)
	if err != nil {
		return false, err
	}
	d.members.Set(key, ok)
	return ok, nil
}

// Invalidate drops everything cached for an account.
func (d *CachedAccountDirectory) Invalidate(accountID string) {
	d.accounts.Delete(accountID)
	d.members.Purge()
}

// Stats reports the account and membership cache counters.
func (d *CachedAccountDirectory) Stats() (accounts, members cache.Stats) {
	return d.accounts.Stats(), d.members.Stats()
}
