// Package sequence enforces the registration workflow as a strictly linear
// state machine over the shared KV store. The stored step is always the one
// the caller is expected to perform next; completing a step advances the
// sequence to its successor. Mutations run behind a per-identifier
// distributed lock and an optimistic transaction over the sequence and data
// keys.
package sequence

import (
	"fmt"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
)

// Step is one stage of the registration workflow.
type Step string

const (
	StepCheckPhone    Step = "check_phone"
	StepCheckEmail    Step = "check_email"
	StepCreateAccount Step = "create_account"
	StepSendEmailOTP  Step = "send_email_otp"
	StepVerifyEmail   Step = "verify_email"
)

// order is the only legal walk through the workflow.
var order = []Step{
	StepCheckPhone,
	StepCheckEmail,
	StepCreateAccount,
	StepSendEmailOTP,
	StepVerifyEmail,
}

// Steps returns the workflow steps in execution order.
func Steps() []Step {
	out := make([]Step, len(order))
	copy(out, order)
	return out
}

// ParseStep validates a wire value against the known steps.
func ParseStep(s string) (Step, error) {
	for _, step := range order {
		if string(step) == s {
			return step, nil
		}
	}
	return "", errmap.New(errmap.CodeInvalidData, "sequence.parse_step",
		fmt.Sprintf("unknown step %q", s))
}

// Next returns the successor step, or "" for the final step.
func Next(s Step) Step {
	for i, step := range order {
		if step == s && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}

// Prev returns the predecessor step, or "" for the initial step.
func Prev(s Step) Step {
	for i, step := range order {
		if step == s && i > 0 {
			return order[i-1]
		}
	}
	return ""
}

// Payload is one step's typed data blob. Each payload knows which step it
// belongs to, how to validate itself, and how to attach itself to a record.
type Payload interface {
	Step() Step
	Validate() error
	attach(*Record)
	email() string
}

// CheckPhoneData is stored after the phone availability check.
type CheckPhoneData struct {
	PhoneNumber        string    `json:"phone_number"`
	VerificationStatus string    `json:"verification_status"`
	Timestamp          time.Time `json:"timestamp"`
}

func (d *CheckPhoneData) Step() Step { return StepCheckPhone }

func (d *CheckPhoneData) Validate() error {
	if d.PhoneNumber == "" {
		return errmap.New(errmap.CodeInvalidData, "sequence.validate_payload", "phone_number required")
	}
	return nil
}

func (d *CheckPhoneData) attach(r *Record) { r.CheckPhone = d }
func (d *CheckPhoneData) email() string    { return "" }

// CheckEmailData is stored after the email availability check.
type CheckEmailData struct {
	PhoneNumber        string    `json:"phone_number"`
	Email              string    `json:"email"`
	VerificationStatus string    `json:"verification_status"`
	Timestamp          time.Time `json:"timestamp"`
}

func (d *CheckEmailData) Step() Step { return StepCheckEmail }

func (d *CheckEmailData) Validate() error {
	if d.PhoneNumber == "" {
		return errmap.New(errmap.CodeInvalidData, "sequence.validate_payload", "phone_number required")
	}
	if d.Email == "" {
		return errmap.New(errmap.CodeInvalidData, "sequence.validate_payload", "email required")
	}
	return nil
}

func (d *CheckEmailData) attach(r *Record) { r.CheckEmail = d }
func (d *CheckEmailData) email() string    { return d.Email }

// CreateAccountData is stored once the identity store accepted the account.
type CreateAccountData struct {
	PhoneNumber string    `json:"phone_number"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Gender      string    `json:"gender"`
	Country     string    `json:"country"`
	UserID      string    `json:"user_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (d *CreateAccountData) Step() Step { return StepCreateAccount }

func (d *CreateAccountData) Validate() error {
	switch {
	case d.PhoneNumber == "":
		return errmap.New(errmap.CodeInvalidData, "sequence.validate_payload", "phone_number required")
	case d.Email == "":
		return errmap.New(errmap.CodeInvalidData, "sequence.validate_payload", "email required")
	case d.FirstName == "":
		return errmap.New(errmap.CodeInvalidData, "sequence.validate_payload", "first_name required")
	case d.LastName == "":
		return errmap.New(errmap.CodeInvalidData, "sequence.validate_payload", "last_name required")
	}
	return nil
}

func (d *CreateAccountData) attach(r *Record) { r.CreateAccount = d }
func (d *CreateAccountData) email() string    { return d.Email }

// SendOTPData is stored when a verification code goes out.
type SendOTPData struct {
	Email     string    `json:"email"`
	OTPSent   bool      `json:"otp_sent"`
	OTPSentAt time.Time `json:"otp_sent_at"`
	Attempts  int       `json:"attempts"`
}

func (d *SendOTPData) Step() Step { return StepSendEmailOTP }

func (d *SendOTPData) Validate() error {
	if d.Email == "" {
		return errmap.New(errmap.CodeInvalidData, "sequence.validate_payload", "email required")
	}
	if d.Attempts < 0 {
		return errmap.New(errmap.CodeInvalidData, "sequence.validate_payload", "attempts must not be negative")
	}
	return nil
}

func (d *SendOTPData) attach(r *Record) { r.SendEmailOTP = d }
func (d *SendOTPData) email() string    { return d.Email }

// VerifyEmailData records verification outcomes. Verified true makes the
// sequence terminal.
type VerifyEmailData struct {
	Email                string     `json:"email"`
	Verified             bool       `json:"verified"`
	VerifiedAt           *time.Time `json:"verified_at,omitempty"`
	VerificationAttempts int        `json:"verification_attempts"`
	LastAttempt          *time.Time `json:"last_attempt,omitempty"`
}

func (d *VerifyEmailData) Step() Step { return StepVerifyEmail }

func (d *VerifyEmailData) Validate() error {
	if d.Email == "" {
		return errmap.New(errmap.CodeInvalidData, "sequence.validate_payload", "email required")
	}
	if d.VerificationAttempts < 0 {
		return errmap.New(errmap.CodeInvalidData, "sequence.validate_payload", "verification_attempts must not be negative")
	}
	return nil
}

func (d *VerifyEmailData) attach(r *Record) { r.VerifyEmail = d }
func (d *VerifyEmailData) email() string    { return d.Email }

// Record is the full per-identifier data blob, one optional payload per
// step plus bookkeeping stamps.
type Record struct {
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
	LastError   string    `json:"last_error,omitempty"`

	CheckPhone    *CheckPhoneData    `json:"check_phone,omitempty"`
	CheckEmail    *CheckEmailData    `json:"check_email,omitempty"`
	CreateAccount *CreateAccountData `json:"create_account,omitempty"`
	SendEmailOTP  *SendOTPData       `json:"send_email_otp,omitempty"`
	VerifyEmail   *VerifyEmailData   `json:"verify_email,omitempty"`
}

// StepPayload returns the stored payload for one step, if any.
func (r *Record) StepPayload(step Step) (any, bool) {
	if r == nil {
		return nil, false
	}
	switch step {
	case StepCheckPhone:
		if r.CheckPhone != nil {
			return r.CheckPhone, true
		}
	case StepCheckEmail:
		if r.CheckEmail != nil {
			return r.CheckEmail, true
		}
	case StepCreateAccount:
		if r.CreateAccount != nil {
			return r.CreateAccount, true
		}
	case StepSendEmailOTP:
		if r.SendEmailOTP != nil {
			return r.SendEmailOTP, true
		}
	case StepVerifyEmail:
		if r.VerifyEmail != nil {
			return r.VerifyEmail, true
		}
	}
	return nil, false
}

// Completed reports whether the sequence reached its terminal state.
func (r *Record) Completed() bool {
	return r != nil && r.VerifyEmail != nil && r.VerifyEmail.Verified
}

// emails lists every distinct address the record references.
func (r *Record) emails() []string {
	if r == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	add := func(email string) {
		if email == "" {
			return
		}
		if _, ok := seen[email]; ok {
			return
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	if r.CheckEmail != nil {
		add(r.CheckEmail.Email)
	}
	if r.CreateAccount != nil {
		add(r.CreateAccount.Email)
	}
	if r.SendEmailOTP != nil {
		add(r.SendEmailOTP.Email)
	}
	if r.VerifyEmail != nil {
		add(r.VerifyEmail.Email)
	}
	return out
}

// consistentWith enforces that a step's payload agrees with what the
// predecessor recorded. A missing predecessor is an ordering violation; a
// disagreeing one is a data mismatch.
func (r *Record) consistentWith(p Payload) error {
	const op = "sequence.store_data"
	switch d := p.(type) {
	case *CheckPhoneData:
		return nil
	case *CheckEmailData:
		if r.CheckPhone == nil {
			return errmap.New(errmap.CodeSequenceViolation, op, "phone check has not completed")
		}
		if r.CheckPhone.PhoneNumber != d.PhoneNumber {
			return errmap.New(errmap.CodeDataMismatch, op, "phone_number does not match the checked phone")
		}
	case *CreateAccountData:
		if r.CheckEmail == nil {
			return errmap.New(errmap.CodeSequenceViolation, op, "email check has not completed")
		}
		if r.CheckEmail.PhoneNumber != d.PhoneNumber {
			return errmap.New(errmap.CodeDataMismatch, op, "phone_number does not match the checked phone")
		}
		if r.CheckEmail.Email != d.Email {
			return errmap.New(errmap.CodeDataMismatch, op, "email does not match the checked email")
		}
	case *SendOTPData:
		if r.CreateAccount == nil {
			return errmap.New(errmap.CodeSequenceViolation, op, "account has not been created")
		}
		if r.CreateAccount.Email != d.Email {
			return errmap.New(errmap.CodeDataMismatch, op, "email does not match the created account")
		}
	case *VerifyEmailData:
		if r.SendEmailOTP == nil {
			return errmap.New(errmap.CodeSequenceViolation, op, "no verification code has been sent")
		}
		if r.SendEmailOTP.Email != d.Email {
			return errmap.New(errmap.CodeDataMismatch, op, "email does not match the code recipient")
		}
	default:
		return errmap.New(errmap.CodeInvalidData, op, fmt.Sprintf("unsupported payload %T", p))
	}
	return nil
}
