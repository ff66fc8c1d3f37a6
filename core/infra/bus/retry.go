package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/packgrant/packgrant/core/packs"
)

// redeliveryDelay is how long JetStream waits before handing a report back
// after the attempt store failed.
const redeliveryDelay = 2 * time.Second

// RetryableError asks the bus to redeliver a report instead of acking it.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e.Delay > 0 {
		return fmt.Sprintf("redeliver in %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("redeliver: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// RetryAfter wraps err so the message is redelivered after delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("redelivery requested")
	}
	return &RetryableError{Err: err, Delay: max(delay, 0)}
}

// RetryDelay reports whether err asks for redelivery and after how long.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryableError
	if !errors.As(err, &re) {
		return 0, false
	}
	return max(re.Delay, 0), true
}

// redeliverable classifies an engine error from a report handler. Reports
// arriving after shutdown are acked: there is nothing left to release.
func redeliverable(err error) error {
	if err == nil || errors.Is(err, packs.ErrShutdown) {
		return nil
	}
	return RetryAfter(err, redeliveryDelay)
}

type ackAction int

const (
	ackDone ackAction = iota
	ackNak
	ackNakDelay
)

// settle decides how a JetStream delivery is answered after its handler ran.
// Handler errors that do not ask for redelivery are logged and acked so a
// poison message cannot loop.
func settle(err error) (ackAction, time.Duration) {
	if err == nil {
		return ackDone, 0
	}
	delay, ok := RetryDelay(err)
	switch {
	case !ok:
		return ackDone, 0
	case delay > 0:
		return ackNakDelay, delay
	default:
		return ackNak, 0
	}
}
