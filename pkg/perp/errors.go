package perp

import (
	"errors"
	"fmt"
)

var (
	// ErrMarketRejected is wrapped by every market-level validation failure
	ErrMarketRejected = errors.New("market rejected")

	ErrInvalidLeverage  = fmt.Errorf("%w: invalid leverage", ErrMarketRejected)
	ErrBelowMinimumSize = fmt.Errorf("%w: size below minimum", ErrMarketRejected)
	ErrSizeTooLarge     = fmt.Errorf("%w: size above maximum", ErrMarketRejected)
	ErrMarketCapacity   = fmt.Errorf("%w: aggregate capacity exceeded", ErrMarketRejected)
	ErrMarketInactive   = fmt.Errorf("%w: market inactive", ErrMarketRejected)
	ErrMarketHalted     = fmt.Errorf("%w: market halted", ErrMarketRejected)

	ErrMarketNotFound = errors.New("market not found")
	ErrMarketExists   = errors.New("market already registered")
	ErrInvalidSide    = errors.New("invalid side")
	ErrInvalidPrice   = errors.New("price must be positive")

	ErrPositionNotFound = errors.New("position not found")
	ErrAlreadyClosed    = errors.New("position already closed")
	ErrNotOwner         = errors.New("position belongs to another owner")
	ErrNotLiquidatable  = errors.New("position is above its liquidation price")

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrFeedUnavailable   = errors.New("price feed unavailable")
	ErrStoreUnavailable  = errors.New("store write failed")

	// ErrInvariantViolation marks accounting drift; the affected market is halted
	ErrInvariantViolation = errors.New("invariant violation")
)

// RetriableError reports a collaborator failure after which no state was mutated.
// The caller may retry the whole operation.
type RetriableError struct {
	Op  string
	Err error
}

func (e *RetriableError) Error() string {
	return fmt.Sprintf("%s: %v (retriable)", e.Op, e.Err)
}

func (e *RetriableError) Unwrap() error {
	return e.Err
}

// IsRetriable reports whether err is a RetriableError
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}

func retriable(op string, sentinel, cause error) error {
	if cause == nil {
		return &RetriableError{Op: op, Err: sentinel}
	}
	if errors.Is(cause, sentinel) {
		return &RetriableError{Op: op, Err: cause}
	}
	return &RetriableError{Op: op, Err: fmt.Errorf("%w: %v", sentinel, cause)}
}
