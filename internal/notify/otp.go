package notify

import (
	"context"
	"fmt"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// OTPMailer composes and sends verification-code emails through whichever
// EmailSender the deployment wires in.
type OTPMailer struct {
	sender EmailSender
	logger *logging.Logger
}

// NewOTPMailer builds an OTP mailer over an email sender.
func NewOTPMailer(sender EmailSender, logger *logging.Logger) *OTPMailer {
	if sender == nil {
		panic("notify: nil email sender")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OTPMailer{sender: sender, logger: logger}
}

// SendOTP mails a verification code. ttlMinutes appears in the copy so the
// text always matches the stored code's real expiry.
func (m *OTPMailer) SendOTP(ctx context.Context, email, code string, ttlMinutes int) error {
	if ttlMinutes <= 0 {
		ttlMinutes = 10
	}
	msg := EmailMessage{
		To:      email,
		Subject: "Your verification code",
		Body: fmt.Sprintf(
			"Your verification code is %s.\n\nIt expires in %d minutes. If you did not request this code, you can ignore this email.",
			code, ttlMinutes),
		HTML: fmt.Sprintf(
			`<p>Your verification code is:</p><p style="font-size:24px;font-weight:bold;letter-spacing:4px">%s</p><p>It expires in %d minutes. If you did not request this code, you can ignore this email.</p>`,
			code, ttlMinutes),
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		m.logger.Error("otp email send failed", "error", err, "to", email)
		return errmap.Wrap(errmap.CodeEmailError, "notify.send_otp", err)
	}
	return nil
}
