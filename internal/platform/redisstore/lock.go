package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
)

// Unlock releases a lock obtained from TryLock.
type Unlock func(ctx context.Context) error

// TryLock attempts to acquire the distributed lock named key exactly once.
// It returns acquired=false with a nil error when another process holds it.
// The lock expires on its own after ttl if it is never released.
func (c *Client) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	rs, err := c.locker(ctx)
	if err != nil {
		return nil, false, err
	}

	mutex := rs.NewMutex(
		key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", key, err)
	}

	unlock := func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("failed to release lock %s: lock no longer held", key)
		}
		return nil
	}
	return unlock, true, nil
}

// isContention reports whether err means another holder owns the lock.
func isContention(err error) bool {
	var taken *redsync.ErrTaken
	var nodeTaken *redsync.ErrNodeTaken
	return errors.Is(err, redsync.ErrFailed) ||
		errors.As(err, &taken) ||
		errors.As(err, &nodeTaken)
}
