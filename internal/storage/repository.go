package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/services"

	_ "modernc.org/sqlite"
)

// SQLiteRepository is the file-backed ledger store. It implements
// services.LedgerStore, services.SeriesAdvancer and services.AccountDirectory.
type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	logger  *log.Logger
}

var (
	_ services.LedgerStore      = (*SQLiteRepository)(nil)
	_ services.SeriesAdvancer   = (*SQLiteRepository)(nil)
	_ services.AccountDirectory = (*SQLiteRepository)(nil)
)

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = log.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one writer keeps series advances serialized
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		logger:  logger.WithComponent(log.ComponentStorage),
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// withTx runs fn inside one SQL transaction.
func (r *SQLiteRepository) withTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(r.queries.WithTx(tx)); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertTransactions stores txs atomically.
func (r *SQLiteRepository) InsertTransactions(ctx context.Context, txs []core.Transaction) error {
	err := r.withTx(ctx, func(q *Queries) error {
		for _, t := range txs {
			if err := q.InsertTransaction(ctx, t); err != nil {
				return fmt.Errorf("insert transaction %s: %w", t.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.DebugContext(ctx, "Transactions saved to SQLite", log.FieldCount, len(txs))
	return nil
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	t, err := r.queries.GetTransaction(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, fmt.Errorf("transaction %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (r *SQLiteRepository) UpdateTransaction(ctx context.Context, t core.Transaction) error {
	n, err := r.queries.UpdateTransaction(ctx, t)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %s: %w", t.ID, core.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) DeleteTransaction(ctx context.Context, id string) error {
	n, err := r.queries.DeleteTransaction(ctx, id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) ListHeads(ctx context.Context, scope services.Scope) ([]core.Transaction, error) {
	heads, err := r.queries.ListHeads(ctx, scope.AccountID, scope.LegacyOwnerUserID)
	if err != nil {
		return nil, fmt.Errorf("list heads: %w", err)
	}
	return heads, nil
}

// ListTransactions filters in SQL where it can; tag membership is checked in
// Go because tags are stored as a JSON array.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, scope services.Scope, f services.QueryFilter) ([]core.Transaction, error) {
	rows, err := r.queries.ListTransactions(ctx, ListParams{
		AccountID:   scope.AccountID,
		LegacyOwner: scope.LegacyOwnerUserID,
		Kind:        string(f.Kind),
		CreatedBy:   f.CreatedBy,
		Start:       f.Start,
		End:         f.End,
	})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	if f.Tag == "" {
		return rows, nil
	}
	out := rows[:0]
	for _, t := range rows {
		if t.HasTag(f.Tag) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *SQLiteRepository) ListSeries(ctx context.Context, seriesID string) ([]core.Transaction, error) {
	items, err := r.queries.ListSeries(ctx, seriesID)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	return items, nil
}

// AdvanceSeries inserts newHead and demotes oldHead in one transaction. The
// demotion only applies while oldHead is still active, so a concurrent
// advance of the same series fails instead of forking it.
func (r *SQLiteRepository) AdvanceSeries(ctx context.Context, oldHead, newHead core.Transaction) error {
	return r.withTx(ctx, func(q *Queries) error {
		current, err := q.GetTransaction(ctx, oldHead.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("head %s: %w", oldHead.ID, core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load head: %w", err)
		}
		if current.State != core.Active {
			return fmt.Errorf("%w: %s is no longer the head", core.ErrInconsistentSeries, oldHead.ID)
		}
		if err := q.InsertTransaction(ctx, newHead); err != nil {
			return fmt.Errorf("insert occurrence: %w", err)
		}
		if _, err := q.UpdateTransaction(ctx, oldHead); err != nil {
			return fmt.Errorf("demote head: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRepository) GetAccount(ctx context.Context, id string) (core.Account, error) {
	a, err := r.queries.GetAccount(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Account{}, fmt.Errorf("account %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (r *SQLiteRepository) IsMember(ctx context.Context, accountID, userID string) (bool, error) {
	ok, err := r.queries.IsMember(ctx, accountID, userID)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}

// SaveAccount creates or replaces an account and adds its members. Account
// management is not exposed over HTTP; this seeds the directory.
func (r *SQLiteRepository) SaveAccount(ctx context.Context, a core.Account, members ...string) error {
	if !a.Type.IsValid() {
		return core.Invalid("type", core.ErrValidation)
	}
	return r.withTx(ctx, func(q *Queries) error {
		if err := q.UpsertAccount(ctx, a); err != nil {
			return fmt.Errorf("save account %s: %w", a.ID, err)
		}
		for _, m := range members {
			if err := q.AddMember(ctx, a.ID, m); err != nil {
				return fmt.Errorf("add member %s: %w", m, err)
			}
		}
		return nil
	})
}
