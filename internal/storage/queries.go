package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fintrack/internal/core"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries holds the SQL for the ledger tables.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const transactionColumns = `id, owner_user_id, account_id, created_by_user_id, kind, label, icon,
	amount_cents, date, tags, recurrence, series_id, series_anchor_date, series_end_date,
	series_cursor_date, state, created_at, updated_at`

const insertTransaction = `INSERT INTO transactions (` + transactionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertTransaction(ctx context.Context, t core.Transaction) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, insertTransaction,
		t.ID, t.OwnerUserID, t.AccountID, t.CreatedByUserID, string(t.Kind), t.Label, t.Icon,
		t.Amount.Cents, t.Date, tags, string(t.Recurrence), t.SeriesID, t.SeriesAnchorDate,
		t.SeriesEndDate, t.SeriesCursorDate, string(t.State), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	return err
}

const updateTransaction = `UPDATE transactions SET
	label = ?, icon = ?, amount_cents = ?, date = ?, tags = ?, recurrence = ?,
	series_id = ?, series_anchor_date = ?, series_end_date = ?, series_cursor_date = ?, state = ?,
	updated_at = ?
WHERE id = ?`

// UpdateTransaction rewrites the mutable columns and reports the rows hit.
func (q *Queries) UpdateTransaction(ctx context.Context, t core.Transaction) (int64, error) {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return 0, err
	}
	res, err := q.db.ExecContext(ctx, updateTransaction,
		t.Label, t.Icon, t.Amount.Cents, t.Date, tags, string(t.Recurrence),
		t.SeriesID, t.SeriesAnchorDate, t.SeriesEndDate, t.SeriesCursorDate, string(t.State), t.UpdatedAt.UnixNano(),
		t.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const deleteTransaction = `DELETE FROM transactions WHERE id = ?`

func (q *Queries) DeleteTransaction(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteTransaction, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const getTransaction = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

func (q *Queries) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	return scanTransaction(q.db.QueryRowContext(ctx, getTransaction, id))
}

// scopeClause selects the rows a scope can see. It mirrors services.Scope.Matches.
func scopeClause(accountID, legacyOwner string) (string, []any) {
	var parts []string
	var args []any
	if accountID != "" {
		parts = append(parts, "account_id = ?")
		args = append(args, accountID)
	}
	if legacyOwner != "" {
		parts = append(parts, "(account_id = '' AND owner_user_id = ?)")
		args = append(args, legacyOwner)
	}
	if len(parts) == 0 {
		return "0", nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func (q *Queries) ListHeads(ctx context.Context, accountID, legacyOwner string) ([]core.Transaction, error) {
	where, args := scopeClause(accountID, legacyOwner)
	query := `SELECT ` + transactionColumns + ` FROM transactions
WHERE state = 'active' AND ` + where + `
ORDER BY series_id, date`
	return q.listTransactions(ctx, query, args...)
}

// ListParams mirrors services.QueryFilter in column terms.
type ListParams struct {
	AccountID   string
	LegacyOwner string
	Kind        string
	CreatedBy   string
	Start       core.Date
	End         core.Date
}

func (q *Queries) ListTransactions(ctx context.Context, p ListParams) ([]core.Transaction, error) {
	where, args := scopeClause(p.AccountID, p.LegacyOwner)
	conds := []string{where}
	if p.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, p.Kind)
	}
	if p.CreatedBy != "" {
		conds = append(conds, "created_by_user_id = ?")
		args = append(args, p.CreatedBy)
	}
	if !p.Start.IsEmpty() {
		conds = append(conds, "date >= ?")
		args = append(args, p.Start.String())
	}
	if !p.End.IsEmpty() {
		conds = append(conds, "date <= ?")
		args = append(args, p.End.String())
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions
WHERE ` + strings.Join(conds, " AND ") + `
ORDER BY date DESC, created_at DESC`
	return q.listTransactions(ctx, query, args...)
}

const listSeries = `SELECT ` + transactionColumns + ` FROM transactions
WHERE series_id = ?
ORDER BY date, created_at`

func (q *Queries) ListSeries(ctx context.Context, seriesID string) ([]core.Transaction, error) {
	return q.listTransactions(ctx, listSeries, seriesID)
}

func (q *Queries) listTransactions(ctx context.Context, query string, args ...any) ([]core.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		t                    core.Transaction
		kind, rec, state     string
		tags                 string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&t.ID, &t.OwnerUserID, &t.AccountID, &t.CreatedByUserID, &kind, &t.Label, &t.Icon,
		&t.Amount.Cents, &t.Date, &tags, &rec, &t.SeriesID, &t.SeriesAnchorDate, &t.SeriesEndDate,
		&t.SeriesCursorDate, &state, &createdAt, &updatedAt,
	)
	if err != nil {
		return t, err
	}
	t.Kind = core.Kind(kind)
	t.Recurrence = core.Recurrence(rec)
	t.State = core.SeriesState(state)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if t.Tags, err = decodeTags(tags); err != nil {
		return t, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	return t, nil
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func decodeTags(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return tags, nil
}

const getAccount = `SELECT id, type, owner_user_id FROM accounts WHERE id = ?`

func (q *Queries) GetAccount(ctx context.Context, id string) (core.Account, error) {
	var a core.Account
	var typ string
	err := q.db.QueryRowContext(ctx, getAccount, id).Scan(&a.ID, &typ, &a.OwnerUserID)
	a.Type = core.AccountType(typ)
	return a, err
}

const isMember = `SELECT EXISTS (
	SELECT 1 FROM accounts WHERE id = ?1 AND owner_user_id = ?2
	UNION ALL
	SELECT 1 FROM account_members WHERE account_id = ?1 AND user_id = ?2
)`

func (q *Queries) IsMember(ctx context.Context, accountID, userID string) (bool, error) {
	var ok bool
	err := q.db.QueryRowContext(ctx, isMember, accountID, userID).Scan(&ok)
	return ok, err
}

const upsertAccount = `INSERT INTO accounts (id, type, owner_user_id) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET type = excluded.type, owner_user_id = excluded.owner_user_id`

func (q *Queries) UpsertAccount(ctx context.Context, a core.Account) error {
	_, err := q.db.ExecContext(ctx, upsertAccount, a.ID, string(a.Type), a.OwnerUserID)
	return err
}

const addMember = `INSERT OR IGNORE INTO account_members (account_id, user_id) VALUES (?, ?)`

func (q *Queries) AddMember(ctx context.Context, accountID, userID string) error {
	_, err := q.db.ExecContext(ctx, addMember, accountID, userID)
	return err
}
