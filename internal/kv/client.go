// Package kv wraps the shared key-value store: client construction, JSON
// cache helpers, windowed counters, distributed locks, and optimistic
// transactions. Every piece of gateway coordination state lives here.
package kv

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/relaypoint-ai/wa-gateway/internal/config"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// BuildClient returns a configured client for the shared KV store, or nil
// when the store is disabled or unreachable (with verify set).
func BuildClient(ctx context.Context, cfg *config.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.KVHost) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	options := &redis.Options{
		Addr:        cfg.KVAddr(),
		Password:    cfg.KVPassword,
		DB:          cfg.KVDB,
		DialTimeout: cfg.KVConnectTimeout,
		ReadTimeout: cfg.KVReadTimeout,
	}
	if cfg.KVTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(options)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("kv store not available", "error", err, "addr", cfg.KVAddr())
		return nil
	}
	return client
}
