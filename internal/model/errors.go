package model

import (
	"errors"
	"fmt"
)

// Rejections. All are local, recoverable conditions.
var (
	ErrInvalidOption      = errors.New("invalid option")
	ErrMarketNotFound     = errors.New("market not found")
	ErrMarketResolved     = errors.New("market resolved")
	ErrMarketExpired      = errors.New("market expired")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrAlreadyResolved    = errors.New("already resolved")
	ErrInvalidMarket      = errors.New("invalid market definition")

	// ErrUnavailable is returned when a lock or the persistence layer could
	// not be reached in time.
	ErrUnavailable = errors.New("unavailable")

	// ErrAccountNotFound is a store-level signal for a participant that has
	// never traded. The ledger maps it to a fresh account.
	ErrAccountNotFound = errors.New("account not found")
)

// RejectionError wraps a rejection sentinel with the field and constraint
// that caused it.
type RejectionError struct {
	Err        error
	Field      string
	Constraint string
}

// Reject builds a RejectionError.
func Reject(err error, field, constraint string) *RejectionError {
	return &RejectionError{Err: err, Field: field, Constraint: constraint}
}

func (e *RejectionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Constraint)
	}
	return fmt.Sprintf("%v: %s %s", e.Err, e.Field, e.Constraint)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// UnavailableError wraps a persistence or lock failure.
type UnavailableError struct {
	Op  string
	Err error
}

// Unavailable wraps err unless it already is an Unavailable condition.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// IsRejection reports whether err is one of the domain rejections (as opposed
// to Unavailable or an unexpected failure).
func IsRejection(err error) bool {
	for _, s := range []error{
		ErrInvalidOption, ErrMarketNotFound, ErrMarketResolved, ErrMarketExpired,
		ErrInsufficientFunds, ErrInsufficientShares, ErrInvalidAmount, ErrAlreadyResolved,
		ErrInvalidMarket,
	} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// Code returns a stable snake_case identifier for err, used by the HTTP
// surface and metrics labels.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOption):
		return "invalid_option"
	case errors.Is(err, ErrMarketNotFound):
		return "market_not_found"
	case errors.Is(err, ErrMarketResolved):
		return "market_resolved"
	case errors.Is(err, ErrMarketExpired):
		return "market_expired"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrInvalidMarket):
		return "invalid_market"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
