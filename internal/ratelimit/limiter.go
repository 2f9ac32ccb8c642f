package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// Result reports one limiter decision. Count includes the request that was
// just recorded.
type Result struct {
	Allowed    bool
	Limit      int
	Count      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter counts requests in per-identifier sorted sets in the shared KV
// store. Each check prunes the window, counts, records the request, and
// refreshes the key TTL in one pipeline.
type Limiter struct {
	client *redis.Client
	logger *logging.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter over the shared KV client.
func NewLimiter(client *redis.Client, logger *logging.Logger) *Limiter {
	if client == nil {
		panic("ratelimit: nil client")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Limiter{client: client, logger: logger, now: time.Now}
}

// Check records one request for (rule, identifier) and reports whether it
// fits the window. The request is recorded even when rejected, so abusive
// callers keep pushing their reset time out.
func (l *Limiter) Check(ctx context.Context, rule Rule, identifier string) (*Result, error) {
	key := rule.Key(identifier)
	now := l.now()
	nowScore := float64(now.UnixNano()) / float64(time.Second)
	windowStart := nowScore - rule.Period.Seconds()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", formatScore(windowStart))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: nowScore, Member: strconv.FormatInt(now.UnixNano(), 10)})
	pipe.Expire(ctx, key, rule.Period)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ratelimit: %s: %w", key, err)
	}

	count := int(card.Val()) + 1 // prior entries plus this request
	result := &Result{
		Allowed:   count <= rule.Limit,
		Limit:     rule.Limit,
		Count:     count,
		Remaining: max(0, rule.Limit-count),
	}
	if entries := oldest.Val(); len(entries) > 0 {
		reset := entries[0].Score + rule.Period.Seconds() - nowScore
		if reset < 0 {
			reset = 0
		}
		result.ResetAfter = time.Duration(reset * float64(time.Second))
	}
	return result, nil
}

// Inspect reports the current window for (rule, identifier) without
// recording a request.
func (l *Limiter) Inspect(ctx context.Context, rule Rule, identifier string) (*Result, error) {
	key := rule.Key(identifier)
	now := l.now()
	nowScore := float64(now.UnixNano()) / float64(time.Second)
	windowStart := nowScore - rule.Period.Seconds()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", formatScore(windowStart))
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ratelimit: %s: %w", key, err)
	}

	count := int(card.Val())
	result := &Result{
		Allowed:   count < rule.Limit,
		Limit:     rule.Limit,
		Count:     count,
		Remaining: max(0, rule.Limit-count),
	}
	if entries := oldest.Val(); len(entries) > 0 {
		reset := entries[0].Score + rule.Period.Seconds() - nowScore
		if reset < 0 {
			reset = 0
		}
		result.ResetAfter = time.Duration(reset * float64(time.Second))
	}
	return result, nil
}

// RetryAfterSeconds rounds the reset delay up to whole seconds for the
// Retry-After header, never reporting less than one second.
func (r *Result) RetryAfterSeconds() int {
	seconds := int(r.ResetAfter.Seconds())
	if r.ResetAfter > time.Duration(seconds)*time.Second {
		seconds++
	}
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
