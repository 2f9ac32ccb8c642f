package loadbalancer

import (
	"context"
	"time"
)

// NumberStatus is the advisory per-number snapshot kept for observability.
// It is never consulted for selection decisions.
type NumberStatus struct {
	Number       string    `json:"number"`
	MessageCount int64     `json:"message_count"`
	LoadFraction float64   `json:"load_fraction"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Aggregate summarizes the pool at snapshot time.
type Aggregate struct {
	TotalMessages int64   `json:"total_messages"`
	AverageLoad   float64 `json:"average_load"`
	MaxLoad       float64 `json:"max_load"`
	HighLoad      bool    `json:"high_load"`
	PoolSize      int     `json:"pool_size"`
}

// Thresholds reports the configured ceilings alongside stats responses.
type Thresholds struct {
	MaxMessagesPerSecond int     `json:"max_messages_per_second"`
	HighThreshold        float64 `json:"high_threshold"`
	AlertThreshold       float64 `json:"alert_threshold"`
}

// Thresholds returns the balancer's configured ceilings.
func (b *Balancer) Thresholds() Thresholds {
	return Thresholds{
		MaxMessagesPerSecond: b.cfg.MaxMps,
		HighThreshold:        b.cfg.HighThreshold,
		AlertThreshold:       b.cfg.AlertThreshold,
	}
}

// Snapshot reads the live per-number counters for the current bucket.
func (b *Balancer) Snapshot(ctx context.Context) ([]NumberStatus, Aggregate, error) {
	now := b.now()
	counts, err := b.currentCounts(ctx, now)
	if err != nil {
		return nil, Aggregate{}, err
	}
	loads := b.loadFractions(counts)

	statuses := make([]NumberStatus, 0, len(b.cfg.Numbers))
	agg := Aggregate{PoolSize: len(b.cfg.Numbers)}
	for _, n := range b.cfg.Numbers {
		statuses = append(statuses, NumberStatus{
			Number:       n,
			MessageCount: counts[n],
			LoadFraction: loads[n],
			LastUpdated:  now.UTC(),
		})
		agg.TotalMessages += counts[n]
		if loads[n] > agg.MaxLoad {
			agg.MaxLoad = loads[n]
		}
	}
	if len(b.cfg.Numbers) > 0 {
		total := 0.0
		for _, load := range loads {
			total += load
		}
		agg.AverageLoad = total / float64(len(b.cfg.Numbers))
	}
	agg.HighLoad = agg.MaxLoad > b.cfg.HighThreshold
	return statuses, agg, nil
}
