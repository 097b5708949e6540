package backend

import (
	"context"

	"fintrack/internal/services"
)

// Store is everything the ledger needs from a storage backend.
type Store interface {
	services.LedgerStore
	services.AccountDirectory
}

// CleanupFunc releases backend resources
type CleanupFunc func() error

// ReadyFunc reports whether the backend can serve requests
type ReadyFunc func(ctx context.Context) error

// BackendResult contains the wired backend and its lifecycle hooks
type BackendResult struct {
	Store Store
	// Publisher is nil when no broker is configured or it was unreachable.
	Publisher services.EventPublisher
	Ready     ReadyFunc
	Cleanup   CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Event publishing, optional for every backend
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Memory backend seed directory
	DataDirectory string
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

func (bt BackendType) String() string {
	return string(bt)
}

func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
