// Package lock provides per-market mutual exclusion for core commands.
package lock

import (
	"context"
	"errors"
)

// ErrLockHeld is returned when a lock could not be obtained before the
// context expired.
var ErrLockHeld = errors.New("lock held by another holder")

// Locker grants exclusive access to a key. The returned unlock func is safe to
// call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (unlock func(), err error)
}

// MarketKey is the lock key for one market
func MarketKey(marketID string) string {
	return "market:" + marketID
}
