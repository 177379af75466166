package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientChannel wraps every send or confirm failure. It is retried
	// along the ladder and never retried without bound.
	ErrTransientChannel = errors.New("delivery: transient channel error")
	// ErrConfirmationTimeout means the message went out but no proof of
	// delivery arrived within the attempt budget. It is an escalation signal,
	// not a failure.
	ErrConfirmationTimeout = errors.New("delivery: confirmation timeout")
	ErrCapacity            = errors.New("delivery: admission queue full")
	// ErrDuplicate is a deliberate no-op: the bucket or the content+time hash
	// was seen before.
	ErrDuplicate         = errors.New("delivery: duplicate suppressed")
	ErrInvalidTransition = errors.New("delivery: invalid status transition")
	// ErrUntrusted is returned when the data gate declined to send. Callers
	// report it apart from channel failures.
	ErrUntrusted     = errors.New("delivery: data not trustworthy")
	ErrNoChannels    = errors.New("delivery: no channels configured")
	ErrBudgetSpent   = errors.New("delivery: retry budget exhausted")
	ErrInvalidExpiry = errors.New("delivery: expiry must be after scheduled time")
)

// ChannelError is one failed attempt on one channel.
type ChannelError struct {
	Channel string
	Attempt int
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s attempt %d: %v", e.Channel, e.Attempt, e.Err)
}

func (e *ChannelError) Unwrap() []error { return []error{ErrTransientChannel, e.Err} }
