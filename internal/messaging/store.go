package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the query surface shared by the pool and open transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MessageLog is one completed message round trip.
type MessageLog struct {
	ID             int64
	MessageSid     string
	Sender         string
	Recipient      string
	Body           string
	Reply          string
	ConversationID string
	ChannelNumber  string
	MediaCount     int
	ProcessingMS   int64
	RequestLogID   int64
	CreatedAt      time.Time
}

// Store persists message history in Postgres.
type Store struct {
	pool PgxPool
}

// NewStore wraps a pgx pool. A nil pool yields a nil store; callers treat
// that as history disabled.
func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// InsertMessageLog records one round trip and returns the row id.
func (s *Store) InsertMessageLog(ctx context.Context, q Querier, rec MessageLog) (int64, error) {
	if s == nil {
		return 0, nil
	}
	if q == nil {
		q = s.pool
	}
	query := `
		INSERT INTO message_logs (
			message_sid, sender, recipient, body, reply,
			conversation_id, channel_number, media_count, processing_ms, request_log_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10, 0))
		RETURNING id
	`
	var id int64
	if err := q.QueryRow(ctx, query,
		rec.MessageSid, rec.Sender, rec.Recipient, rec.Body, rec.Reply,
		rec.ConversationID, rec.ChannelNumber, rec.MediaCount, rec.ProcessingMS, rec.RequestLogID,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("messaging: insert message log: %w", err)
	}
	return id, nil
}

// HasMessageSid reports whether a round trip for this transport message id
// was already logged.
func (s *Store) HasMessageSid(ctx context.Context, messageSid string) (bool, error) {
	if s == nil {
		return false, nil
	}
	query := `
		SELECT 1 FROM message_logs
		WHERE message_sid = $1
		LIMIT 1
	`
	var exists int
	if err := s.pool.QueryRow(ctx, query, messageSid).Scan(&exists); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("messaging: check message sid: %w", err)
	}
	return true, nil
}

// RecentBySender lists a sender's latest round trips, newest first.
func (s *Store) RecentBySender(ctx context.Context, sender string, limit int) ([]MessageLog, error) {
	if s == nil {
		return nil, nil
	}
	if limit < 1 {
		limit = 20
	}
	query := `
		SELECT id, message_sid, sender, recipient, body, reply,
			conversation_id, channel_number, media_count, processing_ms,
			COALESCE(request_log_id, 0), created_at
		FROM message_logs
		WHERE sender = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, sender, limit)
	if err != nil {
		return nil, fmt.Errorf("messaging: recent by sender: %w", err)
	}
	defer rows.Close()

	var logs []MessageLog
	for rows.Next() {
		var rec MessageLog
		if err := rows.Scan(&rec.ID, &rec.MessageSid, &rec.Sender, &rec.Recipient, &rec.Body, &rec.Reply,
			&rec.ConversationID, &rec.ChannelNumber, &rec.MediaCount, &rec.ProcessingMS,
			&rec.RequestLogID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("messaging: scan message log: %w", err)
		}
		logs = append(logs, rec)
	}
	return logs, rows.Err()
}
