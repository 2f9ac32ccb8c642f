package registration

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

const (
	otpKeyPrefix         = "auth:otp:"
	otpAttemptsKeyPrefix = "auth:otp:attempts:"

	defaultOTPTTL      = 10 * time.Minute
	defaultMaxAttempts = 3
)

var otpMax = big.NewInt(1_000_000)

func otpKey(email string) string         { return otpKeyPrefix + normalizeEmail(email) }
func otpAttemptsKey(email string) string { return otpAttemptsKeyPrefix + normalizeEmail(email) }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// GenerateOTP returns a uniformly random six-digit code, zero-padded.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpMax)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// OTPService issues and verifies one-time email verification codes. Codes
// live in the KV store under the normalized email address, so a re-request
// always replaces the previous code rather than stacking next to it.
type OTPService struct {
	cache       *kv.Cache
	ttl         time.Duration
	maxAttempts int
	logger      *logging.Logger
}

func NewOTPService(cache *kv.Cache, ttl time.Duration, maxAttempts int, logger *logging.Logger) *OTPService {
	if cache == nil {
		panic("registration: OTPService requires a cache")
	}
	if ttl <= 0 {
		ttl = defaultOTPTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OTPService{cache: cache, ttl: ttl, maxAttempts: maxAttempts, logger: logger}
}

// TTL reports how long an issued code stays valid.
func (s *OTPService) TTL() time.Duration { return s.ttl }

// Issue generates a fresh code for the address, stores it, and resets the
// attempt counter. The code is returned so the caller can hand it to the
// mailer; it is never logged.
func (s *OTPService) Issue(ctx context.Context, email string) (string, error) {
	code, err := GenerateOTP()
	if err != nil {
		return "", errmap.Wrap(errmap.CodeSystemError, "otp.issue", err)
	}
	if err := s.cache.SetString(ctx, otpKey(email), code, s.ttl); err != nil {
		return "", errmap.Wrap(errmap.CodeKVError, "otp.issue", err)
	}
	if err := s.cache.Delete(ctx, otpAttemptsKey(email)); err != nil {
		s.logger.Warn("otp attempt counter reset failed", "error", err)
	}
	s.logger.Info("email otp issued", "ttl_seconds", int(s.ttl.Seconds()))
	return code, nil
}

// Verify checks a submitted code against the stored one. Attempt counting is
// sticky: the counter outlives the code itself, so a caller cannot reset it
// by letting the code expire. A successful match consumes the code.
func (s *OTPService) Verify(ctx context.Context, email, code string) error {
	attempts, err := s.cache.GetInt(ctx, otpAttemptsKey(email))
	if err != nil {
		return errmap.Wrap(errmap.CodeKVError, "otp.verify", err)
	}
	if attempts >= int64(s.maxAttempts) {
		return errmap.New(errmap.CodeMaxAttemptsExceeded, "otp.verify",
			"too many failed verification attempts").
			WithDetails(map[string]any{"max_attempts": s.maxAttempts})
	}

	stored, ok, err := s.cache.GetString(ctx, otpKey(email))
	if err != nil {
		return errmap.Wrap(errmap.CodeKVError, "otp.verify", err)
	}
	if !ok {
		return errmap.New(errmap.CodeExpired, "otp.verify",
			"verification code expired or was never sent")
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		count, incErr := s.cache.Increment(ctx, otpAttemptsKey(email), s.ttl)
		if incErr != nil {
			s.logger.Warn("otp attempt record failed", "error", incErr)
			count = attempts + 1
		}
		remaining := int64(s.maxAttempts) - count
		if remaining < 0 {
			remaining = 0
		}
		return errmap.New(errmap.CodeInvalidOTP, "otp.verify", "verification code does not match").
			WithDetails(map[string]any{"attempts_remaining": remaining})
	}

	if err := s.cache.Delete(ctx, otpKey(email), otpAttemptsKey(email)); err != nil {
		s.logger.Warn("otp consume failed", "error", err)
	}
	return nil
}
