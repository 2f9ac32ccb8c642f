package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestEncodeAssignsIDAndTimestamp(t *testing.T) {
	env, body, err := Encode(Envelope{Kind: KindProcessMessage, Attempt: 1})
	if err != nil {
		t.Fatalf("encode returned error: %v", err)
	}
	if env.ID == "" {
		t.Fatal("expected generated envelope ID")
	}
	if env.EnqueuedAt.IsZero() {
		t.Fatal("expected enqueued_at timestamp")
	}

	decoded, err := Decode(body)
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if decoded.ID != env.ID {
		t.Fatalf("expected ID %s, got %s", env.ID, decoded.ID)
	}
	if decoded.Kind != KindProcessMessage {
		t.Fatalf("expected kind %s, got %s", KindProcessMessage, decoded.Kind)
	}
}

func TestEncodePreservesExistingID(t *testing.T) {
	env, _, err := Encode(Envelope{ID: "task-1", Kind: KindProcessMessage})
	if err != nil {
		t.Fatalf("encode returned error: %v", err)
	}
	if env.ID != "task-1" {
		t.Fatalf("expected ID task-1, got %s", env.ID)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode("{not json"); err == nil {
		t.Fatal("expected decode error for malformed body")
	}
}

func TestSetFallsBackToHigherLanes(t *testing.T) {
	high := NewMemoryQueue(4)
	defer high.Close()

	set := NewSet(high, nil, nil, nil)
	if set.For(PriorityDefault) != Client(high) {
		t.Fatal("expected default lane to fall back to high")
	}
	if set.For(PriorityLow) != Client(high) {
		t.Fatal("expected low lane to fall back to high")
	}
	if set.DeadLetter() != nil {
		t.Fatal("expected nil dead-letter queue")
	}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()
	ctx := context.Background()

	if err := q.Send(ctx, "one", 0); err != nil {
		t.Fatalf("send returned error: %v", err)
	}
	if err := q.Send(ctx, "two", 0); err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	msgs, err := q.Receive(ctx, 10, 1)
	if err != nil {
		t.Fatalf("receive returned error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Body != "one" || msgs[1].Body != "two" {
		t.Fatalf("expected FIFO order, got %q then %q", msgs[0].Body, msgs[1].Body)
	}
	if err := q.Delete(ctx, msgs[0].ReceiptHandle); err != nil {
		t.Fatalf("delete returned error: %v", err)
	}
}

func TestMemoryQueueDelayedSend(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()
	ctx := context.Background()

	if err := q.Send(ctx, "later", 50*time.Millisecond); err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	msgs, err := q.Receive(ctx, 1, 0)
	if err != nil {
		t.Fatalf("receive returned error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected delayed message to be invisible, got %d", len(msgs))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err = q.Receive(ctx, 1, 1)
		if err != nil {
			t.Fatalf("receive returned error: %v", err)
		}
		if len(msgs) == 1 {
			break
		}
	}
	if len(msgs) != 1 || msgs[0].Body != "later" {
		t.Fatalf("expected delayed message after backoff, got %v", msgs)
	}
}

func TestPublisherEnqueueProcessMessage(t *testing.T) {
	stub := &stubQueue{}
	set := NewSet(stub, stub, stub, nil)
	pub := NewPublisher(set, nil)

	job := ProcessMessageJob{
		MessageSid: "SM123",
		Sender:     "+15550001111",
		Recipient:  "+15550002222",
		Body:       "hello",
	}
	if err := pub.EnqueueProcessMessage(context.Background(), "task-9", job); err != nil {
		t.Fatalf("enqueue returned error: %v", err)
	}
	if len(stub.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(stub.sent))
	}

	var env Envelope
	if err := json.Unmarshal([]byte(stub.sent[0].body), &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if env.ID != "task-9" {
		t.Fatalf("expected envelope ID task-9, got %s", env.ID)
	}
	if env.Kind != KindProcessMessage {
		t.Fatalf("expected kind %s, got %s", KindProcessMessage, env.Kind)
	}
	if env.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", env.Attempt)
	}
	if env.Message == nil || env.Message.MessageSid != "SM123" {
		t.Fatalf("expected job payload with sid SM123, got %+v", env.Message)
	}
}

func TestPublisherEnqueueWithDelay(t *testing.T) {
	stub := &stubQueue{}
	set := NewSet(stub, stub, stub, nil)
	pub := NewPublisher(set, nil)

	env := Envelope{ID: "retry-1", Kind: KindProcessMessage, Attempt: 2, Message: &ProcessMessageJob{MessageSid: "SM1"}}
	if err := pub.Enqueue(context.Background(), PriorityHigh, env, 4*time.Second); err != nil {
		t.Fatalf("enqueue returned error: %v", err)
	}
	if len(stub.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(stub.sent))
	}
	if stub.sent[0].delay != 4*time.Second {
		t.Fatalf("expected 4s delay, got %s", stub.sent[0].delay)
	}
}

func TestPublisherDeadLetter(t *testing.T) {
	dead := &stubQueue{}
	main := &stubQueue{}
	set := NewSet(main, main, main, dead)
	pub := NewPublisher(set, nil)

	env := Envelope{ID: "poison-1", Kind: KindProcessMessage, Attempt: 3, Message: &ProcessMessageJob{MessageSid: "SM2"}}
	if err := pub.DeadLetter(context.Background(), env); err != nil {
		t.Fatalf("dead-letter returned error: %v", err)
	}
	if len(dead.sent) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(dead.sent))
	}
	if len(main.sent) != 0 {
		t.Fatalf("expected main lanes untouched, got %d", len(main.sent))
	}
}

func TestPublisherDeadLetterWithoutQueueDrops(t *testing.T) {
	main := &stubQueue{}
	set := NewSet(main, main, main, nil)
	pub := NewPublisher(set, nil)

	env := Envelope{ID: "poison-2", Kind: KindProcessMessage, Attempt: 3}
	if err := pub.DeadLetter(context.Background(), env); err != nil {
		t.Fatalf("expected silent drop, got error: %v", err)
	}
}

type sentMessage struct {
	body  string
	delay time.Duration
}

type stubQueue struct {
	sent []sentMessage
}

func (s *stubQueue) Send(ctx context.Context, body string, delay time.Duration) error {
	s.sent = append(s.sent, sentMessage{body: body, delay: delay})
	return nil
}

func (s *stubQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	return nil, context.Canceled
}

func (s *stubQueue) Delete(ctx context.Context, receiptHandle string) error {
	return nil
}
