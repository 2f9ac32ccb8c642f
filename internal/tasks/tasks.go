// Package tasks tracks the lifecycle of queued message jobs so the ingress
// can hand back a task_id and callers can poll its fate afterwards.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/kv"
)

// Status is one lifecycle phase of a queued job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is the stored state of one task.
type Record struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	MessageSid string    `json:"message_sid,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	Attempts   int       `json:"attempts"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists task records in the shared KV store. Records expire after
// the TTL so the keyspace stays bounded without a sweeper.
type Store struct {
	cache *kv.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewStore builds a task store. ttl <= 0 defaults to 24 hours.
func NewStore(cache *kv.Cache, ttl time.Duration) *Store {
	if cache == nil {
		panic("tasks: nil cache")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{cache: cache, ttl: ttl, now: time.Now}
}

func taskKey(id string) string { return "task:" + id }

// PutQueued records a freshly enqueued task.
func (s *Store) PutQueued(ctx context.Context, id, messageSid, sender string) error {
	now := s.now().UTC()
	rec := Record{
		ID:         id,
		Status:     StatusQueued,
		MessageSid: messageSid,
		Sender:     sender,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.put(ctx, rec)
}

// MarkProcessing transitions a task to processing for the given attempt.
func (s *Store) MarkProcessing(ctx context.Context, id string, attempt int) error {
	return s.update(ctx, id, func(rec *Record) {
		rec.Status = StatusProcessing
		rec.Attempts = attempt
	})
}

// MarkCompleted transitions a task to completed.
func (s *Store) MarkCompleted(ctx context.Context, id, detail string) error {
	return s.update(ctx, id, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.ErrorCode = ""
		rec.Detail = detail
	})
}

// MarkFailed transitions a task to failed with its taxonomy code.
func (s *Store) MarkFailed(ctx context.Context, id, errorCode, detail string) error {
	return s.update(ctx, id, func(rec *Record) {
		rec.Status = StatusFailed
		rec.ErrorCode = errorCode
		rec.Detail = detail
	})
}

// Get fetches a task record. Missing or expired tasks return found=false.
func (s *Store) Get(ctx context.Context, id string) (Record, bool, error) {
	var rec Record
	found, err := s.cache.GetJSON(ctx, taskKey(id), &rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("tasks: get %s: %w", id, err)
	}
	return rec, found, nil
}

// update applies fn to the stored record. A task whose record already
// expired is recreated so late worker updates still leave a trace.
func (s *Store) update(ctx context.Context, id string, fn func(*Record)) error {
	rec, found, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		rec = Record{ID: id, CreatedAt: s.now().UTC()}
	}
	fn(&rec)
	rec.UpdatedAt = s.now().UTC()
	return s.put(ctx, rec)
}

func (s *Store) put(ctx context.Context, rec Record) error {
	if err := s.cache.SetJSON(ctx, taskKey(rec.ID), rec, s.ttl); err != nil {
		return fmt.Errorf("tasks: put %s: %w", rec.ID, err)
	}
	return nil
}
