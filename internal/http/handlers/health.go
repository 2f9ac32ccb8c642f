package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/identity"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
	"github.com/relaypoint-ai/wa-gateway/internal/queue"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

const healthCheckTimeout = 3 * time.Second

// HealthHandler reports the gateway's view of its dependencies. Any nil
// dependency shows up as "not configured" rather than failing the check.
type HealthHandler struct {
	cache    *kv.Cache
	db       *sql.DB
	queues   *queue.Set
	identity *identity.Client
	logger   *logging.Logger
}

// NewHealthHandler builds the health endpoint. Every dependency may be nil.
func NewHealthHandler(cache *kv.Cache, db *sql.DB, queues *queue.Set, directory *identity.Client, logger *logging.Logger) *HealthHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthHandler{cache: cache, db: db, queues: queues, identity: directory, logger: logger}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Check pings each dependency that supports a cheap probe.
// GET /health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	components := map[string]string{}

	if h.cache == nil {
		components["kv"] = "not configured"
	} else if err := h.cache.Client().Ping(ctx).Err(); err != nil {
		h.logger.Warn("kv health check failed", "error", err)
		components["kv"] = "error: " + err.Error()
	} else {
		components["kv"] = "ok"
	}

	if h.db == nil {
		components["database"] = "not configured"
	} else if err := h.db.PingContext(ctx); err != nil {
		h.logger.Warn("database health check failed", "error", err)
		components["database"] = "error: " + err.Error()
	} else {
		components["database"] = "ok"
	}

	if h.queues == nil {
		components["queue"] = "not configured"
	} else {
		components["queue"] = "ok"
	}

	// The directory probe is shallow: a live token means recent calls
	// worked; a missing one only means the next call will fetch it.
	if h.identity == nil {
		components["identity"] = "not configured"
	} else if h.identity.TokenFresh() {
		components["identity"] = "ok"
	} else {
		components["identity"] = "ok (token refresh pending)"
	}

	status := "ok"
	code := http.StatusOK
	for _, state := range components {
		if len(state) >= 5 && state[:5] == "error" {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: status, Components: components})
}
