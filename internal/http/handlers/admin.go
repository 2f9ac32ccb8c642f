package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/messaging"
	"github.com/relaypoint-ai/wa-gateway/internal/ratelimit"
	"github.com/relaypoint-ai/wa-gateway/internal/sequence"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

const defaultMessageListLimit = 20

// AdminHandler is the ops surface: sequence inspection and repair, rate
// limit buckets, and recent conversation history.
type AdminHandler struct {
	sequences *sequence.Manager
	limiter   *ratelimit.Limiter
	rules     map[string]ratelimit.Rule
	history   *messaging.Store
	logger    *logging.Logger
}

// AdminHandlerConfig carries the admin surface dependencies. History may
// be nil when no database is configured.
type AdminHandlerConfig struct {
	Sequences *sequence.Manager
	Limiter   *ratelimit.Limiter
	Rules     map[string]ratelimit.Rule
	History   *messaging.Store
	Logger    *logging.Logger
}

// NewAdminHandler builds the admin handler.
func NewAdminHandler(cfg AdminHandlerConfig) *AdminHandler {
	if cfg.Sequences == nil {
		panic("handlers: nil sequence manager")
	}
	if cfg.Limiter == nil {
		panic("handlers: nil rate limiter")
	}
	if cfg.Rules == nil {
		cfg.Rules = ratelimit.DefaultRules()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &AdminHandler{
		sequences: cfg.Sequences,
		limiter:   cfg.Limiter,
		rules:     cfg.Rules,
		history:   cfg.History,
		logger:    cfg.Logger,
	}
}

// SequenceResponse is the body of GET /admin/sequences/{identifier}.
type SequenceResponse struct {
	Identifier  string           `json:"identifier"`
	CurrentStep string           `json:"current_step"`
	Data        *sequence.Record `json:"data,omitempty"`
}

// GetSequence inspects one registration sequence.
// GET /admin/sequences/{identifier}
func (h *AdminHandler) GetSequence(w http.ResponseWriter, r *http.Request) {
	const op = "admin.get_sequence"

	id := chi.URLParam(r, "identifier")
	step, found, err := h.sequences.Current(r.Context(), id)
	if err != nil {
		h.logger.Error("sequence lookup failed", "identifier", id, "error", err)
		errmap.WriteError(w, err, op)
		return
	}
	if !found {
		errmap.WriteError(w, errmap.New(errmap.CodeSequenceNotFound, op,
			"no active sequence for this identifier"), op)
		return
	}

	rec, _, err := h.sequences.GetData(r.Context(), id)
	if err != nil {
		h.logger.Error("sequence data lookup failed", "identifier", id, "error", err)
		errmap.WriteError(w, err, op)
		return
	}

	writeAdminJSON(w, SequenceResponse{
		Identifier:  id,
		CurrentStep: string(step),
		Data:        rec,
	})
}

// ClearSequence drops one sequence and its data.
// DELETE /admin/sequences/{identifier}
func (h *AdminHandler) ClearSequence(w http.ResponseWriter, r *http.Request) {
	const op = "admin.clear_sequence"

	id := chi.URLParam(r, "identifier")
	if err := h.sequences.Clear(r.Context(), id); err != nil {
		h.logger.Error("sequence clear failed", "identifier", id, "error", err)
		errmap.WriteError(w, err, op)
		return
	}
	h.logger.Info("sequence cleared", "identifier", id)
	writeAdminJSON(w, map[string]string{"status": "success"})
}

// CleanupSequences sweeps orphaned sequence data keys.
// POST /admin/sequences/cleanup
func (h *AdminHandler) CleanupSequences(w http.ResponseWriter, r *http.Request) {
	const op = "admin.cleanup_sequences"

	removed, err := h.sequences.CleanupExpired(r.Context())
	if err != nil {
		h.logger.Error("sequence cleanup failed", "error", err)
		errmap.WriteError(w, err, op)
		return
	}
	h.logger.Info("sequence cleanup finished", "removed", removed)
	writeAdminJSON(w, map[string]any{"status": "success", "removed": removed})
}

// RateLimitResponse is the body of GET /admin/ratelimits/{rule}/{identifier}.
type RateLimitResponse struct {
	Rule         string  `json:"rule"`
	Identifier   string  `json:"identifier"`
	Limit        int     `json:"limit"`
	Count        int     `json:"count"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

// InspectRateLimit reads one limiter bucket without recording a request.
// GET /admin/ratelimits/{rule}/{identifier}
func (h *AdminHandler) InspectRateLimit(w http.ResponseWriter, r *http.Request) {
	const op = "admin.inspect_ratelimit"

	ruleName := chi.URLParam(r, "rule")
	id := chi.URLParam(r, "identifier")
	rule, ok := h.rules[ruleName]
	if !ok {
		errmap.WriteError(w, errmap.New(errmap.CodeDataNotFound, op, "unknown rate limit rule"), op)
		return
	}

	result, err := h.limiter.Inspect(r.Context(), rule, id)
	if err != nil {
		h.logger.Error("rate limit inspect failed", "rule", ruleName, "error", err)
		errmap.WriteError(w, errmap.Wrap(errmap.CodeKVError, op, err), op)
		return
	}

	writeAdminJSON(w, RateLimitResponse{
		Rule:         ruleName,
		Identifier:   id,
		Limit:        result.Limit,
		Count:        result.Count,
		Remaining:    result.Remaining,
		ResetSeconds: result.ResetAfter.Seconds(),
	})
}

// MessageRecord is one conversation history row in admin responses.
type MessageRecord struct {
	ID             int64     `json:"id"`
	MessageSid     string    `json:"message_sid"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	Body           string    `json:"body"`
	Reply          string    `json:"reply"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ChannelNumber  string    `json:"channel_number,omitempty"`
	MediaCount     int       `json:"media_count"`
	ProcessingMS   int64     `json:"processing_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListMessages returns recent history for one sender.
// GET /admin/messages?sender=...&limit=...
func (h *AdminHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	const op = "admin.list_messages"

	if h.history == nil {
		errmap.WriteError(w, errmap.New(errmap.CodeSystemError, op,
			"message history is not configured"), op)
		return
	}

	sender, err := messaging.NormalizeNumber(r.URL.Query().Get("sender"))
	if err != nil {
		errmap.WriteError(w, err, op)
		return
	}
	limit := defaultMessageListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			errmap.WriteError(w, errmap.New(errmap.CodeInvalidData, op, "limit must be a positive integer"), op)
			return
		}
		limit = parsed
	}

	rows, err := h.history.RecentBySender(r.Context(), sender, limit)
	if err != nil {
		h.logger.Error("message history query failed", "sender", sender, "error", err)
		errmap.WriteError(w, errmap.Wrap(errmap.CodeSystemError, op, err), op)
		return
	}

	records := make([]MessageRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, MessageRecord{
			ID:             row.ID,
			MessageSid:     row.MessageSid,
			Sender:         row.Sender,
			Recipient:      row.Recipient,
			Body:           row.Body,
			Reply:          row.Reply,
			ConversationID: row.ConversationID,
			ChannelNumber:  row.ChannelNumber,
			MediaCount:     row.MediaCount,
			ProcessingMS:   row.ProcessingMS,
			CreatedAt:      row.CreatedAt,
		})
	}
	writeAdminJSON(w, map[string]any{"sender": sender, "messages": records})
}

func writeAdminJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
