package notifier

import (
	"context"
	"time"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses an identical alert for this long.
	DedupWindow time.Duration
	SendTimeout time.Duration
}

// Sink is where operator alerts go, usually the operator chat.
type Sink interface {
	SendText(ctx context.Context, text string) error
}

type Notification struct {
	Priority int // 0 low .. 10 high
	// Key groups repeats for dedup; empty uses the text.
	Key  string
	Text string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}
