package services

import (
	"context"

	"fintrack/internal/core"
)

// Scope selects the records a caller can see: everything in AccountID, plus
// legacy records (no account) owned by LegacyOwnerUserID when it is set.
type Scope struct {
	AccountID         string
	LegacyOwnerUserID string
}

// Key identifies the scope for request coalescing.
func (s Scope) Key() string {
	return "acct:" + s.AccountID + "|legacy:" + s.LegacyOwnerUserID
}

// IsEmpty reports whether the scope matches nothing.
func (s Scope) IsEmpty() bool {
	return s.AccountID == "" && s.LegacyOwnerUserID == ""
}

// Matches reports whether tx falls inside the scope.
func (s Scope) Matches(tx core.Transaction) bool {
	if tx.AccountID != "" {
		return s.AccountID != "" && tx.AccountID == s.AccountID
	}
	return s.LegacyOwnerUserID != "" && tx.OwnerUserID == s.LegacyOwnerUserID
}

// QueryFilter narrows a scoped listing. Zero values mean "no constraint".
type QueryFilter struct {
	Kind      core.Kind
	CreatedBy string
	Tag       string
	Start     core.Date
	End       core.Date
}

// Matches applies the filter to a single record.
func (f QueryFilter) Matches(tx core.Transaction) bool {
	if f.Kind != "" && tx.Kind != f.Kind {
		return false
	}
	if f.CreatedBy != "" && tx.CreatedByUserID != f.CreatedBy {
		return false
	}
	if f.Tag != "" && !tx.HasTag(f.Tag) {
		return false
	}
	if !f.Start.IsEmpty() && tx.Date.Before(f.Start) {
		return false
	}
	if !f.End.IsEmpty() && tx.Date.After(f.End) {
		return false
	}
	return true
}

// LedgerStore persists transactions. Implementations guarantee per-record
// atomic writes; InsertTransactions writes its batch atomically.
type LedgerStore interface {
	InsertTransactions(ctx context.Context, txs []core.Transaction) error
	GetTransaction(ctx context.Context, id string) (core.Transaction, error)
	UpdateTransaction(ctx context.Context, tx core.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error
	// ListHeads returns active heads of lazy series inside scope.
	ListHeads(ctx context.Context, scope Scope) ([]core.Transaction, error)
	// ListTransactions returns scoped records ordered by date descending.
	ListTransactions(ctx context.Context, scope Scope, f QueryFilter) ([]core.Transaction, error)
	// ListSeries returns every record of a series ordered by date ascending.
	ListSeries(ctx context.Context, seriesID string) ([]core.Transaction, error)
}

// SeriesAdvancer is implemented by stores that can insert a successor and
// demote the previous head in one atomic write.
type SeriesAdvancer interface {
	AdvanceSeries(ctx context.Context, oldHead, newHead core.Transaction) error
}

// AccountDirectory is the read-only view of accounts and memberships.
type AccountDirectory interface {
	GetAccount(ctx context.Context, id string) (core.Account, error)
	IsMember(ctx context.Context, accountID, userID string) (bool, error)
}
