package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/loadbalancer"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// StatsHandler serves the advisory load snapshot for the number pool.
type StatsHandler struct {
	balancer *loadbalancer.Balancer
	logger   *logging.Logger
}

// NewStatsHandler builds the load stats handler.
func NewStatsHandler(balancer *loadbalancer.Balancer, logger *logging.Logger) *StatsHandler {
	if balancer == nil {
		panic("handlers: nil balancer")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StatsHandler{balancer: balancer, logger: logger}
}

// LoadStatsResponse is the body of GET /stats/load.
type LoadStatsResponse struct {
	Stats      []loadbalancer.NumberStatus `json:"stats"`
	Aggregate  loadbalancer.Aggregate      `json:"aggregate"`
	Thresholds loadbalancer.Thresholds     `json:"thresholds"`
	WindowSize int                         `json:"window_size"`
}

// Load reports per-number counters for the current window.
// GET /stats/load
func (h *StatsHandler) Load(w http.ResponseWriter, r *http.Request) {
	const op = "stats.load"

	statuses, aggregate, err := h.balancer.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("load snapshot failed", "error", err)
		errmap.WriteError(w, errmap.Wrap(errmap.CodeKVError, op, err), op)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(LoadStatsResponse{
		Stats:      statuses,
		Aggregate:  aggregate,
		Thresholds: h.balancer.Thresholds(),
		WindowSize: h.balancer.Window(),
	})
}
