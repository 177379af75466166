package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "reportbot/pkg/logx"
)

// Store is the persistence API used by the ledger.
type Store interface {
	// PutDelivery inserts d. A sent row is final: writing over it returns
	// ErrExists. A failed row may be upgraded to sent.
	PutDelivery(ctx context.Context, d Delivery) error
	GetDelivery(ctx context.Context, key string) (Delivery, bool, error)
	// ListDeliveries returns rows with from <= TargetAt < to, ascending.
	ListDeliveries(ctx context.Context, from, to time.Time) ([]Delivery, error)
	// DeleteDeliveriesBefore removes rows with TargetAt < before.
	DeleteDeliveriesBefore(ctx context.Context, before time.Time) (int, error)

	AppendFailure(ctx context.Context, f Failure) error
	ListFailures(ctx context.Context, since time.Time) ([]Failure, error)

	Close() error
}

// Open initializes the configured store. It returns ErrDisabled when no
// driver is configured.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
