// Package repository provides data access layer implementations.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Common errors for repository operations.
var (
	ErrContestNotFound       = errors.New("contest not found")
	ErrContestExists         = errors.New("contest id already taken")
	ErrContestStateConflict  = errors.New("contest is not in the expected status")
	ErrStaleMarket           = errors.New("contest pools changed since the market was computed")
	ErrStakeNotFound         = errors.New("stake not found")
	ErrStakeNotOpen          = errors.New("stake is already settled")
	ErrDuplicateOpenStake    = errors.New("owner already has an open stake on this contest")
	ErrAccountNotFound       = errors.New("account not found")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrLedgerEntryNotFound   = errors.New("ledger entry not found")
	ErrIdempotencyKeyMissing = errors.New("idempotency key is required")
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// uniqueViolation reports whether err is a unique violation, and on which
// constraint or index.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}
