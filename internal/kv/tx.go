package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTxConflict is returned when an optimistic transaction keeps losing to
// concurrent writers through all retries.
var ErrTxConflict = errors.New("kv: optimistic transaction conflict")

// RunOptimistic executes fn under WATCH on the given keys. When a watched
// key changes before EXEC the attempt is retried with a linearly growing
// delay; after maxRetries conflicts the caller gets ErrTxConflict and maps
// it to its own taxonomy.
func RunOptimistic(ctx context.Context, client *redis.Client, maxRetries int, fn func(tx *redis.Tx) error, keys ...string) error {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return ErrTxConflict
}
