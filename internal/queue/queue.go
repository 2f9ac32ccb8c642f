// Package queue carries gateway jobs from the webhook ingress to the worker
// pools: a broker client abstraction with three priority queues, the typed
// job envelope, and the publisher handlers enqueue through.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client is one physical queue in the work broker.
type Client interface {
	Send(ctx context.Context, body string, delay time.Duration) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received broker message.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Priority names the three delivery lanes. Inbound user messages ride high;
// default and low exist for operational jobs that must not delay replies.
type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

// Priorities lists the lanes in descending urgency.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityDefault, PriorityLow}
}

// Kind discriminates job payloads inside the envelope.
type Kind string

const (
	KindProcessMessage Kind = "process_message"
)

// ProcessMessageJob is the payload for one inbound message round trip.
type ProcessMessageJob struct {
	MessageSid   string   `json:"message_sid"`
	Sender       string   `json:"sender"`
	Recipient    string   `json:"recipient"`
	Body         string   `json:"body"`
	MediaURLs    []string `json:"media_urls,omitempty"`
	RequestLogID int64    `json:"request_log_id,omitempty"`
}

// Envelope wraps every queued job. Attempt counts deliveries so retries can
// back off and dead-letter without broker-side redrive config.
type Envelope struct {
	ID         string             `json:"id"`
	Kind       Kind               `json:"kind"`
	Attempt    int                `json:"attempt"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	Message    *ProcessMessageJob `json:"message,omitempty"`
}

// Encode finalizes and serializes an envelope. A missing ID gets a fresh
// UUID; EnqueuedAt is stamped on first encode only.
func Encode(env Envelope) (Envelope, string, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, "", fmt.Errorf("queue: encode envelope: %w", err)
	}
	return env, string(body), nil
}

// Decode parses a broker message body back into an envelope.
func Decode(body string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, fmt.Errorf("queue: decode envelope: %w", err)
	}
	return env, nil
}

// Set bundles the three priority queues plus an optional dead-letter queue.
type Set struct {
	clients map[Priority]Client
	dead    Client
}

// NewSet builds a queue set. high is required; default and low fall back to
// high when absent so single-queue deployments keep working. dead may be nil.
func NewSet(high, def, low, dead Client) *Set {
	if high == nil {
		panic("queue: high priority queue required")
	}
	if def == nil {
		def = high
	}
	if low == nil {
		low = def
	}
	return &Set{
		clients: map[Priority]Client{
			PriorityHigh:    high,
			PriorityDefault: def,
			PriorityLow:     low,
		},
		dead: dead,
	}
}

// For returns the client for a priority. Unknown priorities map to default.
func (s *Set) For(p Priority) Client {
	if c, ok := s.clients[p]; ok {
		return c
	}
	return s.clients[PriorityDefault]
}

// DeadLetter returns the dead-letter client, or nil when none is configured.
func (s *Set) DeadLetter() Client { return s.dead }
