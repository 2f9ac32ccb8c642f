// Package audit appends the gateway's operational records to the relational
// store: inbound requests, errors, balancer decisions, and load crossings.
// Message history lives with the messaging store; everything here is
// append-only from the core.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// RequestLog records one inbound webhook before it is enqueued.
type RequestLog struct {
	ID               int64
	MessageSid       string
	Sender           string
	Recipient        string
	Body             string
	NumMedia         int
	MediaURL         string
	MediaContentType string
	ClientIP         string
	RequestID        string
	StatusCode       int
	CreatedAt        time.Time
}

// ErrorLog records a failure with its taxonomy code and context.
type ErrorLog struct {
	Operation  string
	ErrorCode  string
	Message    string
	TaskID     string
	MessageSid string
	Context    json.RawMessage
	CreatedAt  time.Time
}

// LoadBalancerLog records one signup redirect decision.
type LoadBalancerLog struct {
	ClientIP         string
	UserAgent        string
	Referer          string
	CountryCode      string
	AssignedNumber   string
	CurrentLoads     json.RawMessage
	AvailableNumbers []string
	CreatedAt        time.Time
}

// NumberLoadStat records a number crossing the 80% load floor.
type NumberLoadStat struct {
	Number        string
	MessageCount  int64
	LoadFraction  float64
	WindowSeconds int
	RecordedAt    time.Time
}

// Service writes audit rows. A nil *Service is a no-op sink so dev setups
// without a database keep working.
type Service struct {
	db *sql.DB
}

// NewService creates an audit service over the given handle.
func NewService(db *sql.DB) *Service {
	if db == nil {
		return nil
	}
	return &Service{db: db}
}

// LogRequest inserts a request row and returns its id for job correlation.
func (s *Service) LogRequest(ctx context.Context, log RequestLog) (int64, error) {
	if s == nil {
		return 0, nil
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO request_logs (
			message_sid, sender, recipient, body, num_media,
			media_url, media_content_type, client_ip, request_id,
			status_code, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		log.MessageSid,
		log.Sender,
		log.Recipient,
		log.Body,
		log.NumMedia,
		nullString(log.MediaURL),
		nullString(log.MediaContentType),
		nullString(log.ClientIP),
		nullString(log.RequestID),
		log.StatusCode,
		log.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("audit: log request: %w", err)
	}
	return id, nil
}

// UpdateRequestStatus rewrites the stored status code after the enqueue
// outcome is known.
func (s *Service) UpdateRequestStatus(ctx context.Context, id int64, statusCode int) error {
	if s == nil || id == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE request_logs SET status_code = $1 WHERE id = $2`,
		statusCode, id,
	)
	if err != nil {
		return fmt.Errorf("audit: update request status: %w", err)
	}
	return nil
}

// LogError inserts an error row.
func (s *Service) LogError(ctx context.Context, log ErrorLog) error {
	if s == nil {
		return nil
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO error_logs (
			operation, error_code, message, task_id, message_sid,
			context, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		log.Operation,
		log.ErrorCode,
		log.Message,
		nullString(log.TaskID),
		nullString(log.MessageSid),
		nullRaw(log.Context),
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: log error: %w", err)
	}
	return nil
}

// LogLoadBalancer inserts a signup redirect row.
func (s *Service) LogLoadBalancer(ctx context.Context, log LoadBalancerLog) error {
	if s == nil {
		return nil
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO load_balancer_logs (
			client_ip, user_agent, referer, country_code,
			assigned_number, current_loads, available_numbers, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		nullString(log.ClientIP),
		nullString(log.UserAgent),
		nullString(log.Referer),
		nullString(log.CountryCode),
		log.AssignedNumber,
		nullRaw(log.CurrentLoads),
		pq.Array(log.AvailableNumbers),
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: log load balancer: %w", err)
	}
	return nil
}

// LogNumberLoadStats inserts a load crossing row.
func (s *Service) LogNumberLoadStats(ctx context.Context, stat NumberLoadStat) error {
	if s == nil {
		return nil
	}
	if stat.RecordedAt.IsZero() {
		stat.RecordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO number_load_stats (
			number, message_count, load_fraction, window_seconds, recorded_at
		) VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.ExecContext(ctx, query,
		stat.Number,
		stat.MessageCount,
		stat.LoadFraction,
		stat.WindowSeconds,
		stat.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: log number load stats: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
