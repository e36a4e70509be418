package lock

import "errors"

// ErrLockTimeout is returned when a key lock cannot be acquired before the
// wait deadline.
var ErrLockTimeout = errors.New("lock wait timed out")
