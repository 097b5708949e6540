// Package memory is a process-local ledger store for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"fintrack/internal/core"
	"fintrack/internal/services"
)

// AccountsFile is the seed file read by NewFromDir.
const AccountsFile = "accounts.toml"

type accountEntry struct {
	account core.Account
	members map[string]struct{}
}

// Store keeps transactions and accounts in maps behind one mutex, which
// also makes AdvanceSeries atomic.
type Store struct {
	mu       sync.Mutex
	items    map[string]core.Transaction
	accounts map[string]accountEntry
}

var (
	_ services.LedgerStore      = (*Store)(nil)
	_ services.SeriesAdvancer   = (*Store)(nil)
	_ services.AccountDirectory = (*Store)(nil)
)

func New() *Store {
	return &Store{
		items:    map[string]core.Transaction{},
		accounts: map[string]accountEntry{},
	}
}

// NewFromDir creates a store seeded with the accounts in base/accounts.toml.
// A missing file yields an empty directory.
func NewFromDir(base string) (*Store, error) {
	s := New()
	if base == "" {
		return s, nil
	}
	if err := s.LoadAccounts(filepath.Join(base, AccountsFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

type seedFile struct {
	Accounts []struct {
		ID      string   `toml:"id"`
		Type    string   `toml:"type"`
		Owner   string   `toml:"owner"`
		Members []string `toml:"members"`
	} `toml:"accounts"`
}

// LoadAccounts reads account definitions from a TOML file:
//
//	[[accounts]]
//	id = "family"
//	type = "shared"
//	owner = "alice"
//	members = ["bob"]
func (s *Store) LoadAccounts(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed seedFile
	if err := toml.Unmarshal(b, &seed); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, a := range seed.Accounts {
		acct := core.Account{ID: a.ID, Type: core.AccountType(a.Type), OwnerUserID: a.Owner}
		if err := s.SaveAccount(context.Background(), acct, a.Members...); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// SaveAccount adds or replaces an account and its members.
func (s *Store) SaveAccount(_ context.Context, a core.Account, members ...string) error {
	if a.ID == "" || !a.Type.IsValid() || a.OwnerUserID == "" {
		return fmt.Errorf("account %q: %w", a.ID, core.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := accountEntry{account: a, members: map[string]struct{}{}}
	for _, m := range members {
		entry.members[m] = struct{}{}
	}
	s.accounts[a.ID] = entry
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[id]
	if !ok {
		return core.Account{}, fmt.Errorf("account %s: %w", id, core.ErrNotFound)
	}
	return e.account, nil
}

func (s *Store) IsMember(_ context.Context, accountID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return false, nil
	}
	if e.account.OwnerUserID == userID {
		return true, nil
	}
	_, member := e.members[userID]
	return member, nil
}

// InsertTransactions stores txs atomically: either all IDs are new or
// nothing is written.
func (s *Store) InsertTransactions(_ context.Context, txs []core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range txs {
		if _, exists := s.items[t.ID]; exists {
			return fmt.Errorf("insert transaction %s: duplicate id", t.ID)
		}
	}
	for _, t := range txs {
		s.items[t.ID] = t.Clone()
	}
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.items[id]
	if !ok {
		return core.Transaction{}, fmt.Errorf("transaction %s: %w", id, core.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *Store) UpdateTransaction(_ context.Context, t core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(t)
}

func (s *Store) updateLocked(t core.Transaction) error {
	if _, ok := s.items[t.ID]; !ok {
		return fmt.Errorf("transaction %s: %w", t.ID, core.ErrNotFound)
	}
	s.items[t.ID] = t.Clone()
	return nil
}

func (s *Store) DeleteTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("transaction %s: %w", id, core.ErrNotFound)
	}
	delete(s.items, id)
	return nil
}

func (s *Store) ListHeads(_ context.Context, scope services.Scope) ([]core.Transaction, error) {
	return s.collect(func(t core.Transaction) bool {
		return t.IsHead() && scope.Matches(t)
	}, oldestFirst), nil
}

func (s *Store) ListTransactions(_ context.Context, scope services.Scope, f services.QueryFilter) ([]core.Transaction, error) {
	out := s.collect(func(t core.Transaction) bool {
		return scope.Matches(t) && f.Matches(t)
	}, nil)
	services.SortNewestFirst(out)
	return out, nil
}

func (s *Store) ListSeries(_ context.Context, seriesID string) ([]core.Transaction, error) {
	if seriesID == "" {
		return nil, nil
	}
	return s.collect(func(t core.Transaction) bool {
		return t.SeriesID == seriesID
	}, oldestFirst), nil
}

// AdvanceSeries inserts newHead and demotes oldHead under one lock.
func (s *Store) AdvanceSeries(_ context.Context, oldHead, newHead core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.items[oldHead.ID]
	if !ok {
		return fmt.Errorf("head %s: %w", oldHead.ID, core.ErrNotFound)
	}
	if current.State != core.Active {
		return fmt.Errorf("%w: %s is no longer the head", core.ErrInconsistentSeries, oldHead.ID)
	}
	if _, exists := s.items[newHead.ID]; exists {
		return fmt.Errorf("insert transaction %s: duplicate id", newHead.ID)
	}
	if err := s.updateLocked(oldHead); err != nil {
		return err
	}
	s.items[newHead.ID] = newHead.Clone()
	return nil
}

// Len returns the number of stored transactions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) collect(keep func(core.Transaction) bool, less func(a, b core.Transaction) bool) []core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Transaction
	for _, t := range s.items {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	if less != nil {
		sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out
}

func oldestFirst(a, b core.Transaction) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
