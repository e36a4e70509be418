package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peer-wager-bot/internal/pkg/lock"
)

func TestKind(t *testing.T) {
	cause := errors.New("connection reset")

	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "invalid_amount", Kind(fmt.Errorf("%w: 0", ErrInvalidAmount)))
	assert.Equal(t, "storage_unavailable", Kind(storageErr("insert stake", cause)))
	assert.Equal(t, "partial_settlement", Kind(ErrPartialSettlement))
	assert.Equal(t, "internal", Kind(cause))
}

func TestStorageErrKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := storageErr("insert stake", cause)

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "insert stake")
}

func TestLockTimeoutIsStorageUnavailable(t *testing.T) {
	locks := lock.NewKeyLock()
	require.NoError(t, locks.LockContext(context.Background(), contestKey("c1"), time.Second))
	defer locks.Unlock(contestKey("c1"))

	err := locks.LockContext(context.Background(), contestKey("c1"), 5*time.Millisecond)
	assert.ErrorIs(t, lockErr(contestKey("c1"), err), ErrStorageUnavailable)
}
