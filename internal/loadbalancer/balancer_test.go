package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaypoint-ai/wa-gateway/internal/audit"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

type stubStats struct {
	mu    sync.Mutex
	stats []audit.NumberLoadStat
}

func (s *stubStats) LogNumberLoadStats(_ context.Context, stat audit.NumberLoadStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, stat)
	return nil
}

func (s *stubStats) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stats)
}

type stubNotifier struct {
	alerts chan LoadAlert
}

func (s *stubNotifier) SendLoadAlert(_ context.Context, alert LoadAlert) error {
	s.alerts <- alert
	return nil
}

func newTestBalancer(t *testing.T, cfg Config) (*Balancer, *miniredis.Miniredis, *stubStats, *stubNotifier) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stats := &stubStats{}
	notifier := &stubNotifier{alerts: make(chan LoadAlert, 10)}
	b := New(kv.NewCache(client), cfg, logging.Default(), stats, notifier, nil)
	return b, mr, stats, notifier
}

func TestPickRoundRobinUnderLowLoad(t *testing.T) {
	b, _, _, _ := newTestBalancer(t, Config{
		Numbers: []string{"+A", "+B", "+C"},
		MaxMps:  70,
	})
	ctx := context.Background()

	want := []string{"+A", "+B", "+C", "+A", "+B"}
	for i, expected := range want {
		got, err := b.Pick(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != expected {
			t.Fatalf("pick %d = %s, want %s", i, got, expected)
		}
	}
}

func TestPickLeastLoadedUnderHighLoad(t *testing.T) {
	b, _, _, _ := newTestBalancer(t, Config{
		Numbers:       []string{"+A", "+B", "+C"},
		MaxMps:        10,
		HighThreshold: 0.7,
	})
	ctx := context.Background()

	now := time.Now()
	b.now = func() time.Time { return now }
	bucket := now.Unix()

	client := b.cache.Client()
	client.Set(ctx, fmt.Sprintf("msg_count:+A:%d", bucket), 8, time.Minute)
	client.Set(ctx, fmt.Sprintf("msg_count:+B:%d", bucket), 2, time.Minute)
	client.Set(ctx, fmt.Sprintf("msg_count:+C:%d", bucket), 9, time.Minute)

	got, err := b.Pick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "+B" {
		t.Fatalf("pick = %s, want +B", got)
	}
}

func TestPickFallsBackWhenKVDown(t *testing.T) {
	b, mr, _, _ := newTestBalancer(t, Config{
		Numbers: []string{"+A", "+B", "+C"},
	})
	mr.Close()

	now := time.Unix(1700000001, 0) // 1700000001 % 3 == 0
	b.now = func() time.Time { return now }

	got, err := b.Pick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := b.cfg.Numbers[now.Unix()%3]
	if got != want {
		t.Fatalf("fallback pick = %s, want %s", got, want)
	}
}

func TestPickEmptyPool(t *testing.T) {
	b, _, _, _ := newTestBalancer(t, Config{Numbers: nil})
	_, err := b.Pick(context.Background())
	if !errors.Is(err, ErrNoNumbers) {
		t.Fatalf("err = %v, want ErrNoNumbers", err)
	}
}

func TestRecordDispatchCounts(t *testing.T) {
	b, _, _, _ := newTestBalancer(t, Config{
		Numbers: []string{"+A"},
		MaxMps:  70,
	})
	ctx := context.Background()

	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if err := b.RecordDispatch(ctx, "+A"); err != nil {
			t.Fatal(err)
		}
	}

	count, err := b.cache.GetInt(ctx, b.counterKey("+A", b.bucket(now)))
	if err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Fatalf("counter = %d, want 5", count)
	}

	var status NumberStatus
	found, err := b.cache.GetJSON(ctx, statusPrefix+"+A", &status)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("advisory status should be cached")
	}
	if status.MessageCount != 5 {
		t.Fatalf("status count = %d, want 5", status.MessageCount)
	}
}

func TestRecordDispatchStatsRowOnlyOnCrossing(t *testing.T) {
	b, _, stats, _ := newTestBalancer(t, Config{
		Numbers:        []string{"+A"},
		MaxMps:         10,
		AlertThreshold: 0.9,
	})
	ctx := context.Background()

	now := time.Now()
	b.now = func() time.Time { return now }

	// 8th dispatch crosses the 80% floor; later dispatches stay above it
	// but must not produce more rows in the same bucket.
	for i := 0; i < 10; i++ {
		if err := b.RecordDispatch(ctx, "+A"); err != nil {
			t.Fatal(err)
		}
	}

	if stats.count() != 1 {
		t.Fatalf("stats rows = %d, want 1", stats.count())
	}
}

func TestRecordDispatchAlertWithCooldown(t *testing.T) {
	b, mr, _, notifier := newTestBalancer(t, Config{
		Numbers:        []string{"+A"},
		MaxMps:         10,
		AlertThreshold: 0.9,
		Cooldown:       5 * time.Minute,
	})
	ctx := context.Background()

	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		if err := b.RecordDispatch(ctx, "+A"); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case alert := <-notifier.alerts:
		if alert.Number != "+A" {
			t.Fatalf("alert number = %s", alert.Number)
		}
		if alert.Count < 9 {
			t.Fatalf("alert count = %d, want >= 9", alert.Count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected one alert")
	}

	select {
	case <-notifier.alerts:
		t.Fatal("cooldown must suppress further alerts")
	case <-time.After(100 * time.Millisecond):
	}

	if !mr.Exists("load_balancer:last_alert:+A") {
		t.Fatal("cooldown flag should be set")
	}

	// Past the cooldown a fresh crossing alerts again.
	mr.FastForward(6 * time.Minute)
	later := now.Add(6 * time.Minute)
	b.now = func() time.Time { return later }
	for i := 0; i < 10; i++ {
		if err := b.RecordDispatch(ctx, "+A"); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-notifier.alerts:
	case <-time.After(2 * time.Second):
		t.Fatal("expected alert after cooldown expiry")
	}
}

func TestSnapshot(t *testing.T) {
	b, _, _, _ := newTestBalancer(t, Config{
		Numbers:       []string{"+A", "+B"},
		MaxMps:        10,
		HighThreshold: 0.7,
	})
	ctx := context.Background()

	now := time.Now()
	b.now = func() time.Time { return now }
	bucket := now.Unix()

	client := b.cache.Client()
	client.Set(ctx, fmt.Sprintf("msg_count:+A:%d", bucket), 8, time.Minute)
	client.Set(ctx, fmt.Sprintf("msg_count:+B:%d", bucket), 2, time.Minute)

	statuses, agg, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	if statuses[0].Number != "+A" || statuses[0].MessageCount != 8 {
		t.Fatalf("status[0] = %+v", statuses[0])
	}
	if agg.TotalMessages != 10 {
		t.Fatalf("total = %d, want 10", agg.TotalMessages)
	}
	if agg.MaxLoad != 0.8 {
		t.Fatalf("max load = %v, want 0.8", agg.MaxLoad)
	}
	if !agg.HighLoad {
		t.Fatal("aggregate should report high load")
	}

	th := b.Thresholds()
	if th.MaxMessagesPerSecond != 10 || th.HighThreshold != 0.7 {
		t.Fatalf("thresholds = %+v", th)
	}
}
