package kv

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestRunOptimisticCommits(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	mr.Set("sequence:+1555", "check_phone")

	err := RunOptimistic(ctx, client, 3, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, "sequence:+1555").Result()
		if err != nil {
			return err
		}
		if current != "check_phone" {
			t.Fatalf("read %q inside tx", current)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "sequence:+1555", "check_email", 0)
			return nil
		})
		return err
	}, "sequence:+1555")
	if err != nil {
		t.Fatal(err)
	}

	got, _ := mr.Get("sequence:+1555")
	if got != "check_email" {
		t.Fatalf("sequence = %q, want check_email", got)
	}
}

func TestRunOptimisticRetriesOnConflict(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	mr.Set("sequence:+1555", "check_phone")

	attempts := 0
	err := RunOptimistic(ctx, client, 3, func(tx *redis.Tx) error {
		attempts++
		if attempts == 1 {
			// Concurrent writer touches the watched key before EXEC.
			mr.Set("sequence:+1555", "check_phone")
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "sequence:+1555", "check_email", 0)
			return nil
		})
		return err
	}, "sequence:+1555")
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRunOptimisticConflictExhaustion(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	mr.Set("sequence:+1555", "check_phone")

	attempts := 0
	err := RunOptimistic(ctx, client, 2, func(tx *redis.Tx) error {
		attempts++
		mr.Set("sequence:+1555", "poke")
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "sequence:+1555", "check_email", 0)
			return nil
		})
		return err
	}, "sequence:+1555")
	if !errors.Is(err, ErrTxConflict) {
		t.Fatalf("err = %v, want ErrTxConflict", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRunOptimisticPropagatesFnError(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	wantErr := errors.New("schema violation")
	err := RunOptimistic(ctx, client, 3, func(tx *redis.Tx) error {
		return wantErr
	}, "sequence:+1555")
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want fn error", err)
	}
}
