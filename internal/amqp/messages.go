package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"fintrack/internal/core"
)

// Ledger event types double as routing keys on the topic exchange.
const (
	EventTransactionCreated      = "ledger.transaction.created"
	EventTransactionUpdated      = "ledger.transaction.updated"
	EventTransactionDeleted      = "ledger.transaction.deleted"
	EventTransactionMaterialized = "ledger.transaction.materialized"
)

// LedgerEventMessage is a lightweight notification that a ledger record
// changed. Consumers fetch the full record if they need more than this.
type LedgerEventMessage struct {
	EventID       string    `json:"event_id"`
	Type          string    `json:"type"`
	TransactionID string    `json:"transaction_id"`
	SeriesID      string    `json:"series_id,omitempty"`
	AccountID     string    `json:"account_id,omitempty"`
	ActorUserID   string    `json:"actor_user_id,omitempty"`
	Kind          string    `json:"kind"`
	AmountCents   int64     `json:"amount_cents"`
	Date          string    `json:"date"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewLedgerEventMessage describes tx under eventType, performed by actor.
func NewLedgerEventMessage(eventType string, tx core.Transaction, actor string) *LedgerEventMessage {
	return &LedgerEventMessage{
		EventID:       uuid.NewString(),
		Type:          eventType,
		TransactionID: tx.ID,
		SeriesID:      tx.SeriesID,
		AccountID:     tx.AccountID,
		ActorUserID:   actor,
		Kind:          string(tx.Kind),
		AmountCents:   tx.Amount.Cents,
		Date:          tx.Date.String(),
		Timestamp:     time.Now().UTC(),
	}
}

// RoutingKey returns the key the message is published under.
func (m *LedgerEventMessage) RoutingKey() string {
	return m.Type
}

// ToJSON converts the message to JSON bytes
func (m *LedgerEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LedgerEventMessageFromJSON creates a message from JSON bytes
func LedgerEventMessageFromJSON(data []byte) (*LedgerEventMessage, error) {
	var msg LedgerEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
