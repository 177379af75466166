package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrExists is returned when a write would overwrite a sent record, or
	// when a failed record is written over any existing record.
	ErrExists = errors.New("storage: record exists")
)

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Delivery is one ledger row, keyed by bucket.
type Delivery struct {
	BucketKey string    `json:"bucket_key"`
	TargetAt  time.Time `json:"target_at"`
	SentAt    time.Time `json:"sent_at"`
	MessageID string    `json:"message_id,omitempty"`
	DataHash  string    `json:"data_hash,omitempty"`
	Status    Status    `json:"status"`
}

// Failure is an append-only record of a request that ran out of budget.
type Failure struct {
	ID         string    `json:"id"`
	BucketKey  string    `json:"bucket_key"`
	RequestID  string    `json:"request_id,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	RetryCount int       `json:"retry_count"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
}

// replaces reports whether next may overwrite cur under the ledger rules.
func replaces(cur, next Delivery) bool {
	return cur.Status != StatusSent && next.Status == StatusSent
}
