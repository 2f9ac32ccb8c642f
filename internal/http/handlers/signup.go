// Package handlers holds the gateway's HTTP endpoints outside the webhook
// ingress and registration flows: signup redirect, load stats, health,
// task status, and the admin surface.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/audit"
	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/loadbalancer"
	"github.com/relaypoint-ai/wa-gateway/internal/ratelimit"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

const chatLinkBase = "https://wa.me/"

// dispatchTimeout bounds the post-redirect bookkeeping that runs off the
// request goroutine.
const dispatchTimeout = 10 * time.Second

// SignupHandler redirects new users to a WhatsApp chat link on the least
// loaded channel number.
type SignupHandler struct {
	balancer *loadbalancer.Balancer
	auditor  *audit.Service
	logger   *logging.Logger
}

// NewSignupHandler builds the signup redirect handler. auditor may be nil.
func NewSignupHandler(balancer *loadbalancer.Balancer, auditor *audit.Service, logger *logging.Logger) *SignupHandler {
	if balancer == nil {
		panic("handlers: nil balancer")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SignupHandler{balancer: balancer, auditor: auditor, logger: logger}
}

// Redirect picks a channel number and 302s the visitor to its chat link.
// GET /signup
func (h *SignupHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	const op = "signup.redirect"

	number, err := h.balancer.Pick(r.Context())
	if err != nil {
		h.logger.Error("signup pick failed", "error", err)
		errmap.WriteError(w, err, op)
		return
	}

	meta := redirectMeta{
		ClientIP:    ratelimit.ClientIP(r),
		UserAgent:   r.UserAgent(),
		Referer:     r.Referer(),
		CountryCode: r.Header.Get("CF-IPCountry"),
		Number:      number,
	}
	// The visitor should not wait on counters or the audit row.
	go h.afterRedirect(meta)

	h.logger.Info("signup redirect",
		"number", number,
		"client_ip", meta.ClientIP,
		"country", meta.CountryCode,
	)
	http.Redirect(w, r, chatLinkBase+digitsOnly(number), http.StatusFound)
}

type redirectMeta struct {
	ClientIP    string
	UserAgent   string
	Referer     string
	CountryCode string
	Number      string
}

// afterRedirect records the dispatch against the number's load window and
// writes the signup audit row.
func (h *SignupHandler) afterRedirect(meta redirectMeta) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if err := h.balancer.RecordDispatch(ctx, meta.Number); err != nil {
		h.logger.Warn("signup dispatch count failed", "number", meta.Number, "error", err)
	}
	if h.auditor == nil {
		return
	}

	var loads json.RawMessage
	if statuses, _, err := h.balancer.Snapshot(ctx); err != nil {
		h.logger.Warn("signup load snapshot failed", "error", err)
	} else {
		loadMap := make(map[string]float64, len(statuses))
		for _, s := range statuses {
			loadMap[s.Number] = s.LoadFraction
		}
		loads, _ = json.Marshal(loadMap)
	}

	if err := h.auditor.LogLoadBalancer(ctx, audit.LoadBalancerLog{
		ClientIP:         meta.ClientIP,
		UserAgent:        meta.UserAgent,
		Referer:          meta.Referer,
		CountryCode:      meta.CountryCode,
		AssignedNumber:   meta.Number,
		CurrentLoads:     loads,
		AvailableNumbers: h.balancer.Numbers(),
	}); err != nil {
		h.logger.Warn("signup audit write failed", "error", err)
	}
}

// digitsOnly reduces a channel number to the digits a wa.me link wants.
func digitsOnly(number string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
}
