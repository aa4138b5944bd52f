package orders

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
)

var ErrInvalidStateTransition = errors.New("orders: invalid state transition")

var validNext = map[Status]map[Status]bool{
	StatusPendingPayment: {StatusPaid: true, StatusFailed: true, StatusCancelled: true},
	StatusPaid:           {},
	StatusFailed:         {},
	StatusCancelled:      {},
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Guard decides whether moving from -> to must be written. Requesting the
// terminal value an order already holds is a no-op (apply=false, err=nil);
// anything else out of a terminal state is ErrInvalidStateTransition.
func Guard(from, to Status) (apply bool, err error) {
	if CanTransition(from, to) {
		return true, nil
	}
	if from == to && from.Terminal() {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}
