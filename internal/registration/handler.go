// Package registration drives the five-step signup workflow: phone check,
// email check, account creation, OTP delivery, and email verification. Every
// step is gated by the sequence manager so callers cannot skip ahead, replay
// a finished flow, or register the same contact twice.
package registration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/identity"
	"github.com/relaypoint-ai/wa-gateway/internal/messaging"
	"github.com/relaypoint-ai/wa-gateway/internal/observability/metrics"
	"github.com/relaypoint-ai/wa-gateway/internal/ratelimit"
	"github.com/relaypoint-ai/wa-gateway/internal/sequence"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// Directory is the slice of the identity store the registration flow needs.
type Directory interface {
	FindUserByPhone(ctx context.Context, phone string) (*identity.User, error)
	FindUserByEmail(ctx context.Context, email string) (*identity.User, error)
	CreateUser(ctx context.Context, nu identity.NewUser) (string, error)
	MarkEmailVerified(ctx context.Context, userID string) error
}

// OTPMailer delivers verification codes to an address.
type OTPMailer interface {
	SendOTP(ctx context.Context, email, code string, ttlMinutes int) error
}

// Handler exposes the registration endpoints.
type Handler struct {
	sequences *sequence.Manager
	directory Directory
	otp       *OTPService
	mailer    OTPMailer
	limiter   *ratelimit.Limiter
	rules     map[string]ratelimit.Rule
	metrics   *metrics.GatewayMetrics
	logger    *logging.Logger
	now       func() time.Time
}

// HandlerConfig wires the registration dependencies.
type HandlerConfig struct {
	Sequences *sequence.Manager
	Directory Directory
	OTP       *OTPService
	Mailer    OTPMailer
	Limiter   *ratelimit.Limiter
	Rules     map[string]ratelimit.Rule
	Metrics   *metrics.GatewayMetrics
	Logger    *logging.Logger
}

// NewHandler builds the registration handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Sequences == nil {
		panic("registration: nil sequence manager")
	}
	if cfg.Directory == nil {
		panic("registration: nil directory")
	}
	if cfg.OTP == nil {
		panic("registration: nil otp service")
	}
	if cfg.Mailer == nil {
		panic("registration: nil mailer")
	}
	if cfg.Rules == nil {
		cfg.Rules = ratelimit.DefaultRules()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Handler{
		sequences: cfg.Sequences,
		directory: cfg.Directory,
		otp:       cfg.OTP,
		mailer:    cfg.Mailer,
		limiter:   cfg.Limiter,
		rules:     cfg.Rules,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// CheckPhoneRequest starts a registration for a phone number.
type CheckPhoneRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// CheckEmailRequest claims an email address for an in-flight registration.
type CheckEmailRequest struct {
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
}

// CreateAccountRequest carries the profile for the directory account.
type CreateAccountRequest struct {
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Gender      string `json:"gender"`
	Country     string `json:"country"`
}

// SendOTPRequest asks for a verification code. Posting it again while the
// sequence sits at verify_email re-issues the code.
type SendOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
}

// VerifyEmailRequest submits a received code. It is keyed by email alone;
// the sequence is found through the email alias.
type VerifyEmailRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// UserInfoRequest looks up an account by email or phone.
type UserInfoRequest struct {
	Identifier     string `json:"identifier"`
	IdentifierType string `json:"identifier_type"`
}

// StepResponse acknowledges a completed registration step.
type StepResponse struct {
	Status     string `json:"status"`
	NextAction string `json:"next_action,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	Verified   bool   `json:"verified,omitempty"`
	Data       any    `json:"data,omitempty"`
}

// UserRecord is the public projection of a directory account.
type UserRecord struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Enabled       bool   `json:"enabled"`
	CreatedAt     int64  `json:"created_at,omitempty"`
}

// UserInfoResponse wraps a user lookup hit.
type UserInfoResponse struct {
	Status string     `json:"status"`
	User   UserRecord `json:"user"`
}

// CheckPhone validates the number, confirms it is not already registered,
// and opens the sequence.
// POST /check_phone
func (h *Handler) CheckPhone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "registration.check_phone"

	var req CheckPhoneRequest
	if !h.decode(w, r, &req, op) {
		return
	}
	phone, err := messaging.NormalizeNumber(req.PhoneNumber)
	if err != nil {
		h.fail(w, sequence.StepCheckPhone, err, op)
		return
	}
	if !h.allow(ctx, w, sequence.StepCheckPhone, "check_phone", phone) {
		return
	}

	// Lookup before touching the sequence so a registered number never
	// leaves an orphaned sequence behind.
	existing, err := h.directory.FindUserByPhone(ctx, phone)
	if err != nil {
		h.fail(w, sequence.StepCheckPhone, wrapIdentity(op, err), op)
		return
	}
	if existing != nil {
		h.fail(w, sequence.StepCheckPhone,
			errmap.New(errmap.CodeValidationError, op, "phone number is already registered"), op)
		return
	}

	if err := h.sequences.ValidateStep(ctx, phone, sequence.StepCheckPhone); err != nil {
		h.fail(w, sequence.StepCheckPhone, err, op)
		return
	}
	payload := &sequence.CheckPhoneData{
		PhoneNumber:        phone,
		VerificationStatus: "available",
		Timestamp:          h.now(),
	}
	if err := h.sequences.StoreStepData(ctx, phone, payload); err != nil {
		h.fail(w, sequence.StepCheckPhone, err, op)
		return
	}
	if err := h.sequences.UpdateStep(ctx, phone, sequence.StepCheckEmail); err != nil {
		h.fail(w, sequence.StepCheckPhone, err, op)
		return
	}

	h.metrics.ObserveSequenceStep(string(sequence.StepCheckPhone), "ok")
	h.logger.Info("phone check passed", "next_action", string(sequence.StepCheckEmail))
	writeJSON(w, http.StatusOK, StepResponse{
		Status:     "success",
		NextAction: string(sequence.StepCheckEmail),
		Data:       payload,
	})
}

// CheckEmail validates the address against the directory and binds it to the
// sequence opened by CheckPhone.
// POST /check_email
func (h *Handler) CheckEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "registration.check_email"

	var req CheckEmailRequest
	if !h.decode(w, r, &req, op) {
		return
	}
	phone, err := messaging.NormalizeNumber(req.PhoneNumber)
	if err != nil {
		h.fail(w, sequence.StepCheckEmail, err, op)
		return
	}
	email := normalizeEmail(req.Email)
	if !ValidEmail(email) {
		h.fail(w, sequence.StepCheckEmail,
			errmap.New(errmap.CodeInvalidEmail, op, "email address is not valid"), op)
		return
	}
	if !h.allow(ctx, w, sequence.StepCheckEmail, "check_email", phone) {
		return
	}

	if err := h.sequences.ValidateStep(ctx, phone, sequence.StepCheckEmail); err != nil {
		h.fail(w, sequence.StepCheckEmail, err, op)
		return
	}
	existing, err := h.directory.FindUserByEmail(ctx, email)
	if err != nil {
		h.fail(w, sequence.StepCheckEmail, wrapIdentity(op, err), op)
		return
	}
	if existing != nil {
		h.fail(w, sequence.StepCheckEmail,
			errmap.New(errmap.CodeValidationError, op, "email address is already registered"), op)
		return
	}

	payload := &sequence.CheckEmailData{
		PhoneNumber:        phone,
		Email:              email,
		VerificationStatus: "available",
		Timestamp:          h.now(),
	}
	if err := h.sequences.StoreStepData(ctx, phone, payload); err != nil {
		h.fail(w, sequence.StepCheckEmail, err, op)
		return
	}
	if err := h.sequences.UpdateStep(ctx, phone, sequence.StepCreateAccount); err != nil {
		h.fail(w, sequence.StepCheckEmail, err, op)
		return
	}

	h.metrics.ObserveSequenceStep(string(sequence.StepCheckEmail), "ok")
	writeJSON(w, http.StatusOK, StepResponse{
		Status:     "success",
		NextAction: string(sequence.StepCreateAccount),
		Data:       payload,
	})
}

// CreateAccount writes the account into the directory and records its ID in
// the sequence.
// POST /create_account
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "registration.create_account"

	var req CreateAccountRequest
	if !h.decode(w, r, &req, op) {
		return
	}
	phone, err := messaging.NormalizeNumber(req.PhoneNumber)
	if err != nil {
		h.fail(w, sequence.StepCreateAccount, err, op)
		return
	}
	email := normalizeEmail(req.Email)
	if !ValidEmail(email) {
		h.fail(w, sequence.StepCreateAccount,
			errmap.New(errmap.CodeInvalidEmail, op, "email address is not valid"), op)
		return
	}
	first := strings.TrimSpace(req.FirstName)
	last := strings.TrimSpace(req.LastName)
	if first == "" || last == "" {
		h.fail(w, sequence.StepCreateAccount,
			errmap.New(errmap.CodeInvalidData, op, "first_name and last_name are required"), op)
		return
	}
	if !h.allow(ctx, w, sequence.StepCreateAccount, "create_account", phone) {
		return
	}

	if err := h.sequences.ValidateStep(ctx, phone, sequence.StepCreateAccount); err != nil {
		h.fail(w, sequence.StepCreateAccount, err, op)
		return
	}
	// The directory write is irreversible from here, so the stored
	// prerequisites are re-checked before it instead of after.
	rec, ok, err := h.sequences.GetData(ctx, phone)
	if err != nil {
		h.fail(w, sequence.StepCreateAccount, err, op)
		return
	}
	if !ok || rec.CheckEmail == nil {
		h.fail(w, sequence.StepCreateAccount,
			errmap.New(errmap.CodeSequenceViolation, op, "email check has not completed"), op)
		return
	}
	if rec.CheckEmail.PhoneNumber != phone || rec.CheckEmail.Email != email {
		h.fail(w, sequence.StepCreateAccount,
			errmap.New(errmap.CodeDataMismatch, op, "request does not match the checked phone and email"), op)
		return
	}

	userID, err := h.directory.CreateUser(ctx, identity.NewUser{
		Email:     email,
		Phone:     phone,
		FirstName: first,
		LastName:  last,
	})
	if err != nil {
		if errors.Is(err, identity.ErrUserExists) {
			h.fail(w, sequence.StepCreateAccount,
				errmap.New(errmap.CodeValidationError, op, "an account with this email already exists"), op)
			return
		}
		h.setLastError(ctx, phone, "directory account creation failed")
		h.fail(w, sequence.StepCreateAccount, wrapIdentity(op, err), op)
		return
	}

	payload := &sequence.CreateAccountData{
		PhoneNumber: phone,
		Email:       email,
		FirstName:   first,
		LastName:    last,
		Gender:      strings.TrimSpace(req.Gender),
		Country:     strings.TrimSpace(req.Country),
		UserID:      userID,
		Timestamp:   h.now(),
	}
	if err := h.sequences.StoreStepData(ctx, phone, payload); err != nil {
		// The account exists but the sequence does not know it. Surface the
		// error; the directory side needs operator attention.
		h.logger.Error("account created but sequence write failed", "user_id", userID, "error", err)
		h.fail(w, sequence.StepCreateAccount, err, op)
		return
	}
	if err := h.sequences.UpdateStep(ctx, phone, sequence.StepSendEmailOTP); err != nil {
		h.fail(w, sequence.StepCreateAccount, err, op)
		return
	}

	h.metrics.ObserveSequenceStep(string(sequence.StepCreateAccount), "ok")
	h.logger.Info("directory account created", "user_id", userID)
	writeJSON(w, http.StatusOK, StepResponse{
		Status:     "success",
		UserID:     userID,
		NextAction: string(sequence.StepSendEmailOTP),
	})
}

// SendEmailOTP issues a verification code and mails it. Re-requesting while
// the sequence already sits at verify_email issues a fresh code and resets
// the attempt counter.
// POST /send_email_otp
func (h *Handler) SendEmailOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "registration.send_email_otp"

	var req SendOTPRequest
	if !h.decode(w, r, &req, op) {
		return
	}
	phone, err := messaging.NormalizeNumber(req.PhoneNumber)
	if err != nil {
		h.fail(w, sequence.StepSendEmailOTP, err, op)
		return
	}
	email := normalizeEmail(req.Email)
	if !ValidEmail(email) {
		h.fail(w, sequence.StepSendEmailOTP,
			errmap.New(errmap.CodeInvalidEmail, op, "email address is not valid"), op)
		return
	}
	if !h.allow(ctx, w, sequence.StepSendEmailOTP, "send_email_otp", email) {
		return
	}

	if err := h.sequences.ValidateStep(ctx, phone, sequence.StepSendEmailOTP); err != nil {
		if !h.isResend(ctx, phone, err) {
			h.fail(w, sequence.StepSendEmailOTP, err, op)
			return
		}
	}
	rec, ok, err := h.sequences.GetData(ctx, phone)
	if err != nil {
		h.fail(w, sequence.StepSendEmailOTP, err, op)
		return
	}
	if !ok || rec.CreateAccount == nil {
		h.fail(w, sequence.StepSendEmailOTP,
			errmap.New(errmap.CodeSequenceViolation, op, "account has not been created"), op)
		return
	}
	if rec.CreateAccount.Email != email {
		h.fail(w, sequence.StepSendEmailOTP,
			errmap.New(errmap.CodeDataMismatch, op, "email does not match the registered account"), op)
		return
	}
	sent := 0
	if rec.SendEmailOTP != nil {
		sent = rec.SendEmailOTP.Attempts
	}

	code, err := h.otp.Issue(ctx, email)
	if err != nil {
		h.fail(w, sequence.StepSendEmailOTP, err, op)
		return
	}
	if err := h.mailer.SendOTP(ctx, email, code, int(h.otp.TTL().Minutes())); err != nil {
		h.setLastError(ctx, phone, "otp email delivery failed")
		h.fail(w, sequence.StepSendEmailOTP, err, op)
		return
	}

	payload := &sequence.SendOTPData{
		Email:     email,
		OTPSent:   true,
		OTPSentAt: h.now(),
		Attempts:  sent + 1,
	}
	if err := h.sequences.StoreStepData(ctx, phone, payload); err != nil {
		h.fail(w, sequence.StepSendEmailOTP, err, op)
		return
	}
	if err := h.sequences.UpdateStep(ctx, phone, sequence.StepVerifyEmail); err != nil {
		h.fail(w, sequence.StepSendEmailOTP, err, op)
		return
	}

	h.metrics.ObserveSequenceStep(string(sequence.StepSendEmailOTP), "ok")
	h.logger.Info("verification code sent", "send_count", sent+1)
	writeJSON(w, http.StatusOK, StepResponse{
		Status:     "success",
		NextAction: string(sequence.StepVerifyEmail),
	})
}

// VerifyEmail checks the submitted code, marks the directory account
// verified, and closes the sequence.
// POST /verify_email
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "registration.verify_email"

	var req VerifyEmailRequest
	if !h.decode(w, r, &req, op) {
		return
	}
	email := normalizeEmail(req.Email)
	if !ValidEmail(email) {
		h.fail(w, sequence.StepVerifyEmail,
			errmap.New(errmap.CodeInvalidEmail, op, "email address is not valid"), op)
		return
	}
	code := strings.TrimSpace(req.OTP)
	if code == "" {
		h.fail(w, sequence.StepVerifyEmail,
			errmap.New(errmap.CodeInvalidData, op, "otp is required"), op)
		return
	}
	if !h.allow(ctx, w, sequence.StepVerifyEmail, "verify_email", email) {
		return
	}

	id, ok, err := h.sequences.ResolveEmail(ctx, email)
	if err != nil {
		h.fail(w, sequence.StepVerifyEmail, errmap.Wrap(errmap.CodeKVError, op, err), op)
		return
	}
	if !ok {
		h.fail(w, sequence.StepVerifyEmail,
			errmap.New(errmap.CodeSequenceNotFound, op, "no active registration for this email"), op)
		return
	}
	if err := h.sequences.ValidateStep(ctx, id, sequence.StepVerifyEmail); err != nil {
		h.fail(w, sequence.StepVerifyEmail, err, op)
		return
	}
	rec, _, err := h.sequences.GetData(ctx, id)
	if err != nil {
		h.fail(w, sequence.StepVerifyEmail, err, op)
		return
	}
	attempts := 0
	if rec != nil && rec.VerifyEmail != nil {
		attempts = rec.VerifyEmail.VerificationAttempts
	}

	if err := h.otp.Verify(ctx, email, code); err != nil {
		if errmap.Is(err, errmap.CodeInvalidOTP) {
			now := h.now()
			record := &sequence.VerifyEmailData{
				Email:                email,
				VerificationAttempts: attempts + 1,
				LastAttempt:          &now,
			}
			if serr := h.sequences.StoreStepData(ctx, id, record); serr != nil {
				h.logger.Warn("verification attempt record failed", "error", serr)
			}
		}
		h.fail(w, sequence.StepVerifyEmail, err, op)
		return
	}

	if rec == nil || rec.CreateAccount == nil || rec.CreateAccount.UserID == "" {
		h.fail(w, sequence.StepVerifyEmail,
			errmap.New(errmap.CodeDataNotFound, op, "registration record is missing the account reference"), op)
		return
	}
	if err := h.directory.MarkEmailVerified(ctx, rec.CreateAccount.UserID); err != nil {
		h.setLastError(ctx, id, "directory verification flag update failed")
		h.fail(w, sequence.StepVerifyEmail, wrapIdentity(op, err), op)
		return
	}

	now := h.now()
	final := &sequence.VerifyEmailData{
		Email:                email,
		Verified:             true,
		VerifiedAt:           &now,
		VerificationAttempts: attempts + 1,
		LastAttempt:          &now,
	}
	if err := h.sequences.StoreStepData(ctx, id, final); err != nil {
		h.logger.Error("terminal sequence write failed",
			"user_id", rec.CreateAccount.UserID, "error", err)
		h.fail(w, sequence.StepVerifyEmail, err, op)
		return
	}

	h.metrics.ObserveSequenceStep(string(sequence.StepVerifyEmail), "ok")
	h.logger.Info("email verified", "user_id", rec.CreateAccount.UserID)
	writeJSON(w, http.StatusOK, StepResponse{
		Status:   "success",
		Verified: true,
	})
}

// GetUserInfo looks up a directory account by email or phone.
// POST /get_user_info
func (h *Handler) GetUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "registration.get_user_info"

	var req UserInfoRequest
	if !h.decode(w, r, &req, op) {
		return
	}
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		errmap.WriteError(w, errmap.New(errmap.CodeInvalidData, op, "identifier is required"), op)
		return
	}
	if !h.allowPlain(ctx, w, "get_user_info", ratelimit.ClientIP(r)) {
		return
	}

	var (
		user *identity.User
		err  error
	)
	switch req.IdentifierType {
	case "email":
		email := normalizeEmail(identifier)
		if !ValidEmail(email) {
			errmap.WriteError(w, errmap.New(errmap.CodeInvalidEmail, op, "email address is not valid"), op)
			return
		}
		user, err = h.directory.FindUserByEmail(ctx, email)
	case "phone":
		phone, perr := messaging.NormalizeNumber(identifier)
		if perr != nil {
			errmap.WriteError(w, perr, op)
			return
		}
		user, err = h.directory.FindUserByPhone(ctx, phone)
	default:
		errmap.WriteError(w,
			errmap.New(errmap.CodeInvalidData, op, `identifier_type must be "email" or "phone"`), op)
		return
	}
	if err != nil {
		errmap.WriteError(w, wrapIdentity(op, err), op)
		return
	}
	if user == nil {
		errmap.WriteError(w,
			errmap.New(errmap.CodeDataNotFound, op, "no account matches the identifier"), op)
		return
	}

	writeJSON(w, http.StatusOK, UserInfoResponse{
		Status: "success",
		User: UserRecord{
			UserID:        user.ID,
			Email:         user.Email,
			PhoneNumber:   user.Phone(),
			FirstName:     user.FirstName,
			LastName:      user.LastName,
			EmailVerified: user.EmailVerified,
			Enabled:       user.Enabled,
			CreatedAt:     user.CreatedAt,
		},
	})
}

// isResend reports whether a failed send_email_otp validation is actually a
// legal re-request: the sequence already advanced to verify_email and the
// caller wants a fresh code.
func (h *Handler) isResend(ctx context.Context, id string, verr error) bool {
	if !errmap.Is(verr, errmap.CodeSequenceViolation) {
		return false
	}
	cur, ok, err := h.sequences.Current(ctx, id)
	return err == nil && ok && cur == sequence.StepVerifyEmail
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, op string) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		errmap.WriteError(w, errmap.Wrap(errmap.CodeInvalidData, op, err), op)
		return false
	}
	return true
}

// allow runs the named rate limit rule and writes the 429 envelope when the
// budget is spent. KV failures let the request through.
func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, step sequence.Step, ruleName, identifier string) bool {
	if !h.allowPlain(ctx, w, ruleName, identifier) {
		h.metrics.ObserveSequenceStep(string(step), "rate_limited")
		return false
	}
	return true
}

func (h *Handler) allowPlain(ctx context.Context, w http.ResponseWriter, ruleName, identifier string) bool {
	if h.limiter == nil {
		return true
	}
	rule, ok := h.rules[ruleName]
	if !ok {
		return true
	}
	result, err := h.limiter.Check(ctx, rule, identifier)
	if err != nil {
		h.logger.Warn("rate limit check failed, allowing", "rule", ruleName, "error", err)
		return true
	}
	if result.Allowed {
		return true
	}
	op := "registration." + ruleName
	errmap.WriteError(w, errmap.New(errmap.CodeRateLimit, op, "").
		WithRetryAfter(result.RetryAfterSeconds()), op)
	return false
}

func (h *Handler) fail(w http.ResponseWriter, step sequence.Step, err error, op string) {
	h.metrics.ObserveSequenceStep(string(step), "error")
	errmap.WriteError(w, err, op)
}

func (h *Handler) setLastError(ctx context.Context, id, message string) {
	if err := h.sequences.SetLastError(ctx, id, message); err != nil {
		h.logger.Warn("last error record failed", "error", err)
	}
}

// wrapIdentity keeps already-classified errors as they are and maps raw
// directory failures to IDENTITY_ERROR.
func wrapIdentity(op string, err error) error {
	var e *errmap.Error
	if errors.As(err, &e) {
		return err
	}
	return errmap.Wrap(errmap.CodeIdentityError, op, err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
