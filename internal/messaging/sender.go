package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

var senderTracer = otel.Tracer("gateway.internal.messaging")

// OutboundMessage is one WhatsApp message to dispatch.
type OutboundMessage struct {
	To        string
	From      string
	Body      string
	MediaURLs []string
}

// Sender dispatches outbound messages through the transport.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (sid string, err error)
}

// WhatsAppSender posts messages through the vendor's REST API. Addresses
// are prefixed with the WhatsApp channel scheme on the wire; callers pass
// bare +E164 numbers.
type WhatsAppSender struct {
	accountSID string
	authToken  string
	apiBase    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewWhatsAppSender builds a sender. apiBase defaults to the vendor's
// public API host.
func NewWhatsAppSender(accountSID, authToken, apiBase string, timeout time.Duration, logger *logging.Logger) *WhatsAppSender {
	if apiBase == "" {
		apiBase = "https://api.twilio.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WhatsAppSender{
		accountSID: accountSID,
		authToken:  authToken,
		apiBase:    strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Send dispatches a single message, retrying transient failures. Non-429
// client errors are terminal immediately.
func (s *WhatsAppSender) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	if s.accountSID == "" || s.authToken == "" {
		return "", errmap.New(errmap.CodeTransportError, "messaging.send", "transport credentials missing")
	}
	if msg.To == "" || msg.From == "" {
		return "", errmap.New(errmap.CodeInvalidData, "messaging.send", "to and from required")
	}
	if strings.TrimSpace(msg.Body) == "" && len(msg.MediaURLs) == 0 {
		return "", errmap.New(errmap.CodeInvalidData, "messaging.send", "body or media required")
	}

	ctx, span := senderTracer.Start(ctx, "messaging.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("send.to", msg.To),
		attribute.String("send.from", msg.From),
		attribute.Int("send.media_count", len(msg.MediaURLs)),
	)

	payload := url.Values{}
	payload.Set("To", transportPrefix+msg.To)
	payload.Set("From", transportPrefix+msg.From)
	if msg.Body != "" {
		payload.Set("Body", msg.Body)
	}
	for _, mediaURL := range msg.MediaURLs {
		payload.Add("MediaUrl", mediaURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.apiBase, s.accountSID)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
		if err != nil {
			lastErr = errmap.Wrap(errmap.CodeTransportError, "messaging.send", err)
			break
		}
		req.SetBasicAuth(s.accountSID, s.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				lastErr = errmap.Wrap(errmap.CodeTimeout, "messaging.send", err)
			} else {
				lastErr = errmap.Wrap(errmap.CodeTransportError, "messaging.send", err)
			}
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				var parsed struct {
					SID    string `json:"sid"`
					Status string `json:"status"`
				}
				_ = json.Unmarshal(body, &parsed)
				s.logger.Info("whatsapp message sent",
					"to", msg.To, "from", msg.From, "sid", parsed.SID, "media", len(msg.MediaURLs))
				return parsed.SID, nil
			}
			lastErr = errmap.New(errmap.CodeTransportError, "messaging.send",
				formatTransportError(resp.StatusCode, body))
			// Don't retry non-rate-limit 4xx errors.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
				break
			}
		}

		if attempt < 3 {
			sleep := time.Duration(200+rand.Intn(300)) * time.Millisecond
			select {
			case <-ctx.Done():
				return "", errmap.Wrap(errmap.CodeTimeout, "messaging.send", ctx.Err())
			case <-time.After(sleep):
			}
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
	}
	return "", lastErr
}

type transportAPIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func formatTransportError(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Sprintf("transport returned status %d", status)
	}
	var parsed transportAPIError
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("transport returned status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("transport returned status %d: %s", status, parsed.Message)
	}
	return fmt.Sprintf("transport returned status %d: %s", status, trimmed)
}

var _ Sender = (*WhatsAppSender)(nil)
