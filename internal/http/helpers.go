package http

import (
	"time"

	"fintrack/internal/core"
	"fintrack/internal/services"
)

// transactionView is the wire form of a transaction.
type transactionView struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id,omitempty"`
	OwnerUserID     string          `json:"owner_user_id"`
	CreatedByUserID string          `json:"created_by_user_id,omitempty"`
	Kind            core.Kind       `json:"kind"`
	Label           string          `json:"label"`
	Icon            string          `json:"icon,omitempty"`
	Amount          core.Money      `json:"amount"`
	AmountDisplay   string          `json:"amount_display"`
	Date            core.Date       `json:"date"`
	Tags            []string        `json:"tags"`
	Recurrence      core.Recurrence `json:"recurrence"`
	SeriesID        string          `json:"series_id,omitempty"`
	SeriesEndDate   core.Date       `json:"series_end_date"`
	State           string          `json:"state,omitempty"`
	Mutable         bool            `json:"mutable"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func newTransactionView(caller core.Caller, tx core.Transaction) transactionView {
	tags := tx.Tags
	if tags == nil {
		tags = []string{}
	}
	return transactionView{
		ID:              tx.ID,
		AccountID:       tx.AccountID,
		OwnerUserID:     tx.OwnerUserID,
		CreatedByUserID: tx.CreatedByUserID,
		Kind:            tx.Kind,
		Label:           tx.Label,
		Icon:            tx.Icon,
		Amount:          tx.Amount,
		AmountDisplay:   tx.Amount.String(),
		Date:            tx.Date,
		Tags:            tags,
		Recurrence:      tx.Recurrence,
		SeriesID:        tx.SeriesID,
		SeriesEndDate:   tx.SeriesEndDate,
		State:           string(tx.State),
		Mutable:         services.Mutable(caller, tx),
		CreatedAt:       tx.CreatedAt,
		UpdatedAt:       tx.UpdatedAt,
	}
}

func newTransactionViews(caller core.Caller, txs []core.Transaction) []transactionView {
	out := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, newTransactionView(caller, tx))
	}
	return out
}

type transactionList struct {
	Transactions []transactionView `json:"transactions"`
	Count        int               `json:"count"`
}
