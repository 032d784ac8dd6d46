package market

import (
	"errors"
	"fmt"
)

// Error kinds returned by the engine. Every rejected operation leaves the
// market unchanged. Callers match with errors.Is.
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidOracleKey     = fmt.Errorf("%w: invalid oracle key", ErrInvalidInput)
	ErrInvalidNetwork       = fmt.Errorf("%w: unsupported network", ErrInvalidInput)
	ErrInvalidOutcome       = errors.New("invalid outcome")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidAddress       = errors.New("invalid payout address")
	ErrMarketAlreadySettled = errors.New("market already settled")
	ErrInvalidAttestation   = errors.New("invalid attestation")
	ErrNotSettled           = errors.New("market not settled")

	// ErrNotOpen rejects settlement of a market that has no bets and has not
	// reached its settlement time.
	ErrNotOpen = errors.New("market not open for settlement")
)

// ErrAlreadySettled is returned by Settle on a settled market. It is the same
// value as ErrMarketAlreadySettled so either name matches.
var ErrAlreadySettled = ErrMarketAlreadySettled
