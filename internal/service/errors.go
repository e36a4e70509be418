// Package service provides business logic implementations.
package service

import (
	"errors"
	"fmt"

	"peer-wager-bot/internal/pkg/lock"
)

// Errors reported to callers of the wagering engine. Every error returned by
// the services matches exactly one of these with errors.Is.
var (
	ErrInvalidTarget      = errors.New("unknown contest or outcome")
	ErrInvalidAmount      = errors.New("amount out of bounds")
	ErrDuplicateStake     = errors.New("an open stake on this contest already exists")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrContestClosed      = errors.New("contest is not open")
	ErrAlreadySettled     = errors.New("contest already settled with a different outcome")
	ErrStorageUnavailable = errors.New("storage unavailable, try again")
	ErrPartialSettlement  = errors.New("some stakes could not be settled")
)

// Contest administration errors.
var (
	ErrContestHasStakes = errors.New("contest already has stakes")
)

// Kind returns a short stable label for err, used for metrics and replies.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrDuplicateStake):
		return "duplicate_stake"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrContestClosed):
		return "contest_closed"
	case errors.Is(err, ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, ErrPartialSettlement):
		return "partial_settlement"
	case errors.Is(err, ErrContestHasStakes):
		return "contest_has_stakes"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal"
	}
}

// storageErr marks err as a transient storage failure while keeping the cause.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// lockErr maps a failure to acquire a keyed lock.
func lockErr(key string, err error) error {
	if errors.Is(err, lock.ErrLockTimeout) {
		return fmt.Errorf("waiting for %s: %w", key, ErrStorageUnavailable)
	}
	return storageErr("waiting for "+key, err)
}
