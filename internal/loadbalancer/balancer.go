// Package loadbalancer spreads outbound traffic across the channel number
// pool under a per-number messages-per-second ceiling: round-robin while
// load is normal, least-loaded once any number runs hot.
package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaypoint-ai/wa-gateway/internal/audit"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
	"github.com/relaypoint-ai/wa-gateway/internal/observability/metrics"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

var tracer = otel.Tracer("gateway.internal.loadbalancer")

// ErrNoNumbers is returned when the configured pool is empty.
var ErrNoNumbers = errors.New("loadbalancer: no numbers configured")

const (
	cursorKey       = "lb:current_index"
	counterPrefix   = "msg_count:"
	statusPrefix    = "load_balancer:number_status:"
	lastAlertPrefix = "load_balancer:last_alert:"
)

// LoadAlert describes one threshold crossing handed to the alert notifier.
type LoadAlert struct {
	Number    string    `json:"number"`
	Count     int64     `json:"message_count"`
	Load      float64   `json:"load_fraction"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertNotifier delivers threshold alerts. Failures are logged, never
// surfaced to callers.
type AlertNotifier interface {
	SendLoadAlert(ctx context.Context, alert LoadAlert) error
}

// StatsSink records load crossings for offline analysis.
type StatsSink interface {
	LogNumberLoadStats(ctx context.Context, stat audit.NumberLoadStat) error
}

// Config carries the pool and thresholds.
type Config struct {
	Numbers        []string
	MaxMps         int
	HighThreshold  float64
	AlertThreshold float64
	WindowSeconds  int
	Cooldown       time.Duration
}

// Balancer picks channel numbers and tracks per-number dispatch counts in
// the shared KV store.
type Balancer struct {
	cache    *kv.Cache
	cfg      Config
	logger   *logging.Logger
	metrics  *metrics.GatewayMetrics
	stats    StatsSink
	notifier AlertNotifier
	now      func() time.Time
}

// New creates a balancer. stats, notifier, and gatewayMetrics may be nil;
// the corresponding side effects are skipped.
func New(cache *kv.Cache, cfg Config, logger *logging.Logger, stats StatsSink, notifier AlertNotifier, gatewayMetrics *metrics.GatewayMetrics) *Balancer {
	if cache == nil {
		panic("loadbalancer: nil cache")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.MaxMps <= 0 {
		cfg.MaxMps = 70
	}
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = 0.7
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 0.9
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Balancer{
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		metrics:  gatewayMetrics,
		stats:    stats,
		notifier: notifier,
		now:      time.Now,
	}
}

// Numbers returns the configured pool.
func (b *Balancer) Numbers() []string { return b.cfg.Numbers }

// Window returns the counter bucket width in seconds.
func (b *Balancer) Window() int { return b.cfg.WindowSeconds }

func (b *Balancer) bucket(now time.Time) int64 {
	return now.Unix() / int64(b.cfg.WindowSeconds)
}

func (b *Balancer) counterKey(number string, bucket int64) string {
	return fmt.Sprintf("%s%s:%d", counterPrefix, number, bucket)
}

// Pick selects the channel number for one outbound dispatch. It only fails
// when the pool is empty; KV trouble degrades to a time-sliced fallback.
func (b *Balancer) Pick(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "loadbalancer.pick")
	defer span.End()

	if len(b.cfg.Numbers) == 0 {
		return "", ErrNoNumbers
	}

	now := b.now()
	counts, err := b.currentCounts(ctx, now)
	if err != nil {
		b.logger.Warn("load read failed, using time-sliced fallback", "error", err)
		b.metrics.ObservePick("fallback")
		span.SetAttributes(attribute.String("pick.strategy", "fallback"))
		return b.cfg.Numbers[now.Unix()%int64(len(b.cfg.Numbers))], nil
	}
	loads := b.loadFractions(counts)

	high := false
	for _, load := range loads {
		if load > b.cfg.HighThreshold {
			high = true
			break
		}
	}

	if high {
		choice := b.leastLoaded(loads)
		b.metrics.ObservePick("least_loaded")
		span.SetAttributes(attribute.String("pick.strategy", "least_loaded"), attribute.String("pick.number", choice))
		return choice, nil
	}

	choice, err := b.roundRobin(ctx)
	if err != nil {
		b.logger.Warn("round-robin cursor failed, using time-sliced fallback", "error", err)
		b.metrics.ObservePick("fallback")
		span.SetAttributes(attribute.String("pick.strategy", "fallback"))
		return b.cfg.Numbers[now.Unix()%int64(len(b.cfg.Numbers))], nil
	}
	b.metrics.ObservePick("round_robin")
	span.SetAttributes(attribute.String("pick.strategy", "round_robin"), attribute.String("pick.number", choice))
	return choice, nil
}

// currentCounts returns the bucket counters for every pool number.
func (b *Balancer) currentCounts(ctx context.Context, now time.Time) (map[string]int64, error) {
	bucket := b.bucket(now)
	keys := make([]string, len(b.cfg.Numbers))
	for i, n := range b.cfg.Numbers {
		keys[i] = b.counterKey(n, bucket)
	}
	values, err := b.cache.Client().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loadbalancer: read counters: %w", err)
	}
	counts := make(map[string]int64, len(b.cfg.Numbers))
	for i, n := range b.cfg.Numbers {
		count := int64(0)
		if raw, ok := values[i].(string); ok {
			if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
				count = parsed
			}
		}
		counts[n] = count
	}
	return counts, nil
}

func (b *Balancer) loadFractions(counts map[string]int64) map[string]float64 {
	loads := make(map[string]float64, len(counts))
	for n, count := range counts {
		loads[n] = float64(count) / float64(b.cfg.MaxMps)
	}
	return loads
}

// leastLoaded returns the least loaded number, ties broken by pool order.
func (b *Balancer) leastLoaded(loads map[string]float64) string {
	best := b.cfg.Numbers[0]
	bestLoad := loads[best]
	for _, n := range b.cfg.Numbers[1:] {
		if loads[n] < bestLoad {
			best, bestLoad = n, loads[n]
		}
	}
	return best
}

// roundRobin advances the shared cursor. The cursor value is one-based from
// INCR; it wraps back to zero once every number has had a turn.
func (b *Balancer) roundRobin(ctx context.Context) (string, error) {
	size := int64(len(b.cfg.Numbers))
	value, err := b.cache.Client().Incr(ctx, cursorKey).Result()
	if err != nil {
		return "", fmt.Errorf("loadbalancer: cursor: %w", err)
	}
	if value >= size {
		if err := b.cache.Client().Set(ctx, cursorKey, 0, 0).Err(); err != nil {
			b.logger.Warn("cursor reset failed", "error", err)
		}
	}
	idx := (value - 1) % size
	if idx < 0 {
		idx += size
	}
	return b.cfg.Numbers[idx], nil
}
