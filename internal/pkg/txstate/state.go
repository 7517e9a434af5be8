// Package txstate holds the transaction state machine: a pure reducer over
// the internal status vocabulary and the mapping from provider statuses.
package txstate

import (
	"errors"
	"fmt"

	"github.com/ManuelReschke/PayGate/app/models"
)

var (
	// ErrTerminalState is returned when a final transaction would change.
	ErrTerminalState = errors.New("transaction is in a terminal state")
	// ErrUnknownStatus is returned for a target outside the vocabulary.
	ErrUnknownStatus = errors.New("unknown transaction status")
)

// Outcome classifies a reducer decision.
type Outcome int

const (
	// Advance moves the transaction forward.
	Advance Outcome = iota
	// Noop means the transaction is already in the target status.
	Noop
	// Stale means the target is behind the current status, e.g. a late
	// "processing" webhook after the poll saw the final result.
	Stale
	// Rejected accompanies an error.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Advance:
		return "advance"
	case Noop:
		return "noop"
	case Stale:
		return "stale"
	case Rejected:
		return "rejected"
	}
	return "invalid"
}

type Decision struct {
	From    models.TransactionStatus
	To      models.TransactionStatus
	Outcome Outcome
}

// Changed reports whether the decision writes a new status.
func (d Decision) Changed() bool {
	return d.Outcome == Advance
}

func rank(s models.TransactionStatus) int {
	switch s {
	case models.TransactionStatusPending:
		return 0
	case models.TransactionStatusProcessing:
		return 1
	case models.TransactionStatusCompleted, models.TransactionStatusFailed, models.TransactionStatusCancelled:
		return 2
	}
	return -1
}

// Apply decides what happens when a transaction in current receives target.
// pending may jump straight to a terminal status because a webhook can
// overtake the provider's acknowledgement. Terminal statuses never change.
func Apply(current, target models.TransactionStatus) (Decision, error) {
	d := Decision{From: current, To: target, Outcome: Rejected}

	if rank(target) < 0 {
		return d, fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}
	if rank(current) < 0 {
		return d, fmt.Errorf("%w: current %q", ErrUnknownStatus, current)
	}

	if current == target {
		d.Outcome = Noop
		return d, nil
	}
	if current.IsTerminal() {
		return d, fmt.Errorf("%w: %s -> %s", ErrTerminalState, current, target)
	}
	if rank(target) < rank(current) {
		d.To = current
		d.Outcome = Stale
		return d, nil
	}

	d.Outcome = Advance
	return d, nil
}
