// Package delivery holds the request model and the send pipeline: the
// admission queue, the retry ladder across channels, and post-send
// confirmation.
package delivery

import (
	"fmt"
	"maps"
	"time"
)

type Kind string

const (
	KindRegular Kind = "regular"
	KindPeak    Kind = "peak"
	KindCustom  Kind = "custom"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindRegular, KindPeak, KindCustom:
		return k, nil
	}
	return "", fmt.Errorf("unknown request kind %q", s)
}

type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusConfirmed Status = "CONFIRMED"
	StatusRetrying  Status = "RETRYING"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusScheduled: {StatusSending, StatusExpired, StatusCancelled},
	StatusSending:   {StatusSent, StatusRetrying, StatusFailed},
	StatusRetrying:  {StatusSending, StatusCancelled},
	StatusSent:      {StatusConfirmed},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible. SENT is not
// terminal while confirmation is pending, but a request stays there when
// confirmation runs out.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Request is one message on its way to a channel.
type Request struct {
	ID            string            `json:"id"`
	Content       string            `json:"content"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	Kind          Kind              `json:"kind"`
	Status        Status            `json:"status"`
	Priority      int               `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	// RetryCount counts failed send attempts across every pass; MaxRetries
	// bounds it.
	RetryCount              int `json:"retry_count"`
	MaxRetries              int `json:"max_retries"`
	ConfirmationAttempts    int `json:"confirmation_attempts"`
	MaxConfirmationAttempts int `json:"max_confirmation_attempts"`
	Readmissions            int `json:"readmissions"`

	ExpiresAt time.Time `json:"expires_at"`
	NotBefore time.Time `json:"not_before,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	DataHash  string    `json:"data_hash,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	SentAt    time.Time `json:"sent_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Transition moves r to the next status or returns ErrInvalidTransition.
func (r *Request) Transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s (request %s)", ErrInvalidTransition, r.Status, to, r.ID)
	}
	r.Status = to
	return nil
}

// Due reports whether r may be dispatched at now.
func (r *Request) Due(now time.Time) bool {
	return !r.ScheduledTime.After(now) && !r.NotBefore.After(now)
}

func (r *Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func (r *Request) Clone() Request {
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	return c
}
