package model

import (
	"errors"
	"fmt"

	"github.com/ayurchain/ayurchain/internal/ledger"
)

// ErrValidation is returned by service methods when the caller supplies invalid
// input. Handlers should convert this to HTTP 400 rather than 500.
type ErrValidation struct {
	Field string
	Msg   string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func invalid(field, format string, args ...any) error {
	return &ErrValidation{Field: field, Msg: fmt.Sprintf(format, args...)}
}

var (
	// ErrUnknownBatch is returned when a batch or product has no custody chain.
	ErrUnknownBatch = errors.New("unknown batch or product")
	// ErrInvalidTransition is returned when a stage may not follow the chain head.
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// TransitionError describes a rejected stage change.
type TransitionError struct {
	ChainKey string
	From     ledger.Stage
	To       ledger.Stage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s cannot follow %s", e.ChainKey, e.To, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CanTransition reports whether next may be appended to a chain whose head
// is at stage head. Stages only move forward; Transport may repeat for
// multi-leg journeys. Origin only ever starts a chain and nothing follows Retail.
func CanTransition(head, next ledger.Stage) bool {
	if !head.Valid() || !next.Valid() || next == ledger.StageOrigin {
		return false
	}
	if head == ledger.StageTransport && next == ledger.StageTransport {
		return true
	}
	return next.Rank() > head.Rank()
}
