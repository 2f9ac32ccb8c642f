package loadbalancer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/relaypoint-ai/wa-gateway/internal/audit"
)

// RecordDispatch attributes one outbound dispatch to number: bumps the
// bucket counter, refreshes the advisory status snapshot, and fires the
// threshold side effects (stats row at 80%, alert at the alert threshold).
func (b *Balancer) RecordDispatch(ctx context.Context, number string) error {
	ctx, span := tracer.Start(ctx, "loadbalancer.record_dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.number", number))

	now := b.now()
	window := time.Duration(b.cfg.WindowSeconds) * time.Second
	count, err := b.cache.Increment(ctx, b.counterKey(number, b.bucket(now)), window)
	if err != nil {
		return fmt.Errorf("loadbalancer: record dispatch: %w", err)
	}
	load := float64(count) / float64(b.cfg.MaxMps)

	status := NumberStatus{
		Number:       number,
		MessageCount: count,
		LoadFraction: load,
		LastUpdated:  now.UTC(),
	}
	if err := b.cache.SetJSON(ctx, statusPrefix+number, status, window); err != nil {
		b.logger.Warn("number status cache write failed", "number", number, "error", err)
	}

	statsFloor := 0.8 * float64(b.cfg.MaxMps)
	if b.stats != nil && float64(count) >= statsFloor && float64(count-1) < statsFloor {
		stat := audit.NumberLoadStat{
			Number:        number,
			MessageCount:  count,
			LoadFraction:  load,
			WindowSeconds: b.cfg.WindowSeconds,
			RecordedAt:    now.UTC(),
		}
		if err := b.stats.LogNumberLoadStats(ctx, stat); err != nil {
			b.logger.Error("number load stats write failed", "number", number, "error", err)
		}
	}

	if float64(count) >= b.cfg.AlertThreshold*float64(b.cfg.MaxMps) {
		b.maybeAlert(ctx, number, count, load, now)
	}
	return nil
}

// maybeAlert emits one alert per cooldown window. The cooldown flag is set
// with set-if-absent so concurrent crossings race to exactly one alert.
func (b *Balancer) maybeAlert(ctx context.Context, number string, count int64, load float64, now time.Time) {
	created, err := b.cache.SetFlag(ctx, lastAlertPrefix+number, b.cfg.Cooldown)
	if err != nil {
		b.logger.Warn("alert cooldown check failed", "number", number, "error", err)
		return
	}
	if !created {
		return
	}

	b.metrics.ObserveAlert()
	b.logger.Warn("channel number over alert threshold",
		"number", number,
		"count", count,
		"load", load,
		"threshold", b.cfg.AlertThreshold,
	)
	if b.notifier == nil {
		return
	}

	alert := LoadAlert{
		Number:    number,
		Count:     count,
		Load:      load,
		Threshold: b.cfg.AlertThreshold,
		Timestamp: now.UTC(),
	}
	// Alert delivery must not hold up the dispatch path. Failures stay in
	// the logs.
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := b.notifier.SendLoadAlert(sendCtx, alert); err != nil {
			b.logger.Error("load alert send failed", "number", number, "error", err)
		}
	}()
}
