package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/identity"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
	"github.com/relaypoint-ai/wa-gateway/internal/ratelimit"
	"github.com/relaypoint-ai/wa-gateway/internal/sequence"
)

const (
	testPhone = "+15551234567"
	testAddr  = "alice@example.net"
)

type sentMail struct {
	Email      string
	Code       string
	TTLMinutes int
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) SendOTP(_ context.Context, email, code string, ttlMinutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{Email: email, Code: code, TTLMinutes: ttlMinutes})
	return nil
}

func (m *recordingMailer) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no mail was sent")
	}
	return m.sent[len(m.sent)-1].Code
}

type stubDirectory struct {
	mu        sync.Mutex
	byPhone   map[string]*identity.User
	byEmail   map[string]*identity.User
	created   []identity.NewUser
	verified  []string
	createErr error
	verifyErr error
	nextID    string
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{
		byPhone: map[string]*identity.User{},
		byEmail: map[string]*identity.User{},
		nextID:  "user-001",
	}
}

func (d *stubDirectory) FindUserByPhone(_ context.Context, phone string) (*identity.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byPhone[phone], nil
}

func (d *stubDirectory) FindUserByEmail(_ context.Context, email string) (*identity.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byEmail[email], nil
}

func (d *stubDirectory) CreateUser(_ context.Context, nu identity.NewUser) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", d.createErr
	}
	d.created = append(d.created, nu)
	return d.nextID, nil
}

func (d *stubDirectory) MarkEmailVerified(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.verifyErr != nil {
		return d.verifyErr
	}
	d.verified = append(d.verified, userID)
	return nil
}

type registrationFixture struct {
	handler   *Handler
	directory *stubDirectory
	mailer    *recordingMailer
	sequences *sequence.Manager
	mr        *miniredis.Miniredis
}

func newRegistrationFixture(t *testing.T, mutate func(*HandlerConfig)) *registrationFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := kv.NewCache(client)
	sequences := sequence.NewManager(client, time.Hour, 10*time.Second, 3, nil)
	directory := newStubDirectory()
	mailer := &recordingMailer{}

	cfg := HandlerConfig{
		Sequences: sequences,
		Directory: directory,
		OTP:       NewOTPService(cache, 10*time.Minute, 3, nil),
		Mailer:    mailer,
		Limiter:   ratelimit.NewLimiter(client, nil),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &registrationFixture{
		handler:   NewHandler(cfg),
		directory: directory,
		mailer:    mailer,
		sequences: sequences,
		mr:        mr,
	}
}

func (f *registrationFixture) post(t *testing.T, fn http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "http://gateway.test/", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return body
}

func wantEnvelope(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "failed" {
		t.Fatalf("status field = %v, want failed", body["status"])
	}
	if body["error_code"] != code {
		t.Fatalf("error_code = %v, want %s", body["error_code"], code)
	}
	return body
}

// advance drives the flow up to and including the named step.
func (f *registrationFixture) advance(t *testing.T, upTo sequence.Step) {
	t.Helper()
	steps := sequence.Steps()
	for _, step := range steps {
		var rec *httptest.ResponseRecorder
		switch step {
		case sequence.StepCheckPhone:
			rec = f.post(t, f.handler.CheckPhone, CheckPhoneRequest{PhoneNumber: testPhone})
		case sequence.StepCheckEmail:
			rec = f.post(t, f.handler.CheckEmail, CheckEmailRequest{PhoneNumber: testPhone, Email: testAddr})
		case sequence.StepCreateAccount:
			rec = f.post(t, f.handler.CreateAccount, CreateAccountRequest{
				PhoneNumber: testPhone, Email: testAddr,
				FirstName: "Alice", LastName: "Ng", Gender: "female", Country: "US",
			})
		case sequence.StepSendEmailOTP:
			rec = f.post(t, f.handler.SendEmailOTP, SendOTPRequest{PhoneNumber: testPhone, Email: testAddr})
		case sequence.StepVerifyEmail:
			rec = f.post(t, f.handler.VerifyEmail, VerifyEmailRequest{Email: testAddr, OTP: f.mailer.lastCode(t)})
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("step %s: status = %d, body = %s", step, rec.Code, rec.Body.String())
		}
		if step == upTo {
			return
		}
	}
}

func TestRegistrationFullFlow(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	ctx := context.Background()

	rec := f.post(t, f.handler.CheckPhone, CheckPhoneRequest{PhoneNumber: testPhone})
	if rec.Code != http.StatusOK {
		t.Fatalf("check_phone: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["next_action"] != "check_email" {
		t.Fatalf("next_action = %v", body["next_action"])
	}

	rec = f.post(t, f.handler.CheckEmail, CheckEmailRequest{PhoneNumber: testPhone, Email: "Alice@Example.NET"})
	if rec.Code != http.StatusOK {
		t.Fatalf("check_email: %d %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["next_action"] != "create_account" {
		t.Fatal("expected next_action create_account")
	}

	rec = f.post(t, f.handler.CreateAccount, CreateAccountRequest{
		PhoneNumber: testPhone, Email: testAddr,
		FirstName: "Alice", LastName: "Ng", Gender: "female", Country: "US",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create_account: %d %s", rec.Code, rec.Body.String())
	}
	body = decodeBody(t, rec)
	if body["user_id"] != "user-001" {
		t.Fatalf("user_id = %v", body["user_id"])
	}
	if len(f.directory.created) != 1 || f.directory.created[0].Phone != testPhone {
		t.Fatalf("directory create calls = %+v", f.directory.created)
	}

	rec = f.post(t, f.handler.SendEmailOTP, SendOTPRequest{PhoneNumber: testPhone, Email: testAddr})
	if rec.Code != http.StatusOK {
		t.Fatalf("send_email_otp: %d %s", rec.Code, rec.Body.String())
	}
	if f.mailer.sent[0].Email != testAddr {
		t.Fatalf("mail went to %s", f.mailer.sent[0].Email)
	}

	rec = f.post(t, f.handler.VerifyEmail, VerifyEmailRequest{Email: testAddr, OTP: f.mailer.lastCode(t)})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify_email: %d %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["verified"] != true {
		t.Fatal("expected verified true")
	}
	if len(f.directory.verified) != 1 || f.directory.verified[0] != "user-001" {
		t.Fatalf("verified calls = %v", f.directory.verified)
	}

	data, ok, err := f.sequences.GetData(ctx, testPhone)
	if err != nil || !ok {
		t.Fatalf("get data: ok=%v err=%v", ok, err)
	}
	if !data.Completed() {
		t.Fatal("sequence should be terminal")
	}

	// A finished flow accepts no further writes.
	rec = f.post(t, f.handler.CheckPhone, CheckPhoneRequest{PhoneNumber: testPhone})
	wantEnvelope(t, rec, http.StatusBadRequest, "SEQUENCE_VIOLATION")
}

func TestCheckPhoneRejectsRegisteredNumber(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.directory.byPhone[testPhone] = &identity.User{ID: "user-900"}

	rec := f.post(t, f.handler.CheckPhone, CheckPhoneRequest{PhoneNumber: testPhone})
	wantEnvelope(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")

	// The rejection must not have opened a sequence.
	_, ok, err := f.sequences.Current(context.Background(), testPhone)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("sequence should not exist")
	}
}

func TestCheckPhoneRejectsMalformedNumber(t *testing.T) {
	f := newRegistrationFixture(t, nil)

	rec := f.post(t, f.handler.CheckPhone, CheckPhoneRequest{PhoneNumber: "12345"})
	wantEnvelope(t, rec, http.StatusBadRequest, "INVALID_PHONE")
}

func TestCheckEmailBeforePhoneIsViolation(t *testing.T) {
	f := newRegistrationFixture(t, nil)

	rec := f.post(t, f.handler.CheckEmail, CheckEmailRequest{PhoneNumber: testPhone, Email: testAddr})
	wantEnvelope(t, rec, http.StatusBadRequest, "SEQUENCE_VIOLATION")
}

func TestCheckEmailRejectsRegisteredAddress(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.directory.byEmail[testAddr] = &identity.User{ID: "user-900", Email: testAddr}
	f.advance(t, sequence.StepCheckPhone)

	rec := f.post(t, f.handler.CheckEmail, CheckEmailRequest{PhoneNumber: testPhone, Email: testAddr})
	wantEnvelope(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestCheckEmailRejectsBadAddress(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.advance(t, sequence.StepCheckPhone)

	rec := f.post(t, f.handler.CheckEmail, CheckEmailRequest{PhoneNumber: testPhone, Email: "not-an-email"})
	wantEnvelope(t, rec, http.StatusBadRequest, "INVALID_EMAIL")
}

func TestCreateAccountEmailMismatch(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.advance(t, sequence.StepCheckEmail)

	rec := f.post(t, f.handler.CreateAccount, CreateAccountRequest{
		PhoneNumber: testPhone, Email: "bob@example.net",
		FirstName: "Bob", LastName: "Ng",
	})
	wantEnvelope(t, rec, http.StatusBadRequest, "DATA_MISMATCH")

	// The mismatch was caught before the directory write.
	if len(f.directory.created) != 0 {
		t.Fatalf("directory create calls = %+v", f.directory.created)
	}
}

func TestCreateAccountMissingName(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.advance(t, sequence.StepCheckEmail)

	rec := f.post(t, f.handler.CreateAccount, CreateAccountRequest{
		PhoneNumber: testPhone, Email: testAddr, FirstName: "Alice",
	})
	wantEnvelope(t, rec, http.StatusBadRequest, "INVALID_DATA")
}

func TestCreateAccountDuplicateDirectoryEntry(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.advance(t, sequence.StepCheckEmail)
	f.directory.createErr = identity.ErrUserExists

	rec := f.post(t, f.handler.CreateAccount, CreateAccountRequest{
		PhoneNumber: testPhone, Email: testAddr,
		FirstName: "Alice", LastName: "Ng",
	})
	wantEnvelope(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestSendOTPMailFailureDoesNotAdvance(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.advance(t, sequence.StepCreateAccount)
	f.mailer.err = errmap.New(errmap.CodeEmailError, "notify.send_otp", "provider unavailable")

	rec := f.post(t, f.handler.SendEmailOTP, SendOTPRequest{PhoneNumber: testPhone, Email: testAddr})
	wantEnvelope(t, rec, http.StatusBadGateway, "EMAIL_ERROR")

	ctx := context.Background()
	cur, ok, err := f.sequences.Current(ctx, testPhone)
	if err != nil || !ok {
		t.Fatalf("current: ok=%v err=%v", ok, err)
	}
	if cur != sequence.StepSendEmailOTP {
		t.Fatalf("current = %s, want send_email_otp", cur)
	}
	data, _, err := f.sequences.GetData(ctx, testPhone)
	if err != nil {
		t.Fatal(err)
	}
	if data.LastError == "" {
		t.Fatal("expected last_error to be recorded")
	}
	if data.SendEmailOTP != nil {
		t.Fatal("send step data should not exist after a failed delivery")
	}
}

func TestSendOTPResendIssuesFreshCode(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.advance(t, sequence.StepSendEmailOTP)

	staleCode := f.mailer.lastCode(t)

	rec := f.post(t, f.handler.SendEmailOTP, SendOTPRequest{PhoneNumber: testPhone, Email: testAddr})
	if rec.Code != http.StatusOK {
		t.Fatalf("resend: %d %s", rec.Code, rec.Body.String())
	}
	if len(f.mailer.sent) != 2 {
		t.Fatalf("mails sent = %d, want 2", len(f.mailer.sent))
	}
	data, _, err := f.sequences.GetData(context.Background(), testPhone)
	if err != nil {
		t.Fatal(err)
	}
	if data.SendEmailOTP.Attempts != 2 {
		t.Fatalf("send attempts = %d, want 2", data.SendEmailOTP.Attempts)
	}

	fresh := f.mailer.lastCode(t)
	if staleCode != fresh {
		rec = f.post(t, f.handler.VerifyEmail, VerifyEmailRequest{Email: testAddr, OTP: staleCode})
		wantEnvelope(t, rec, http.StatusBadRequest, "INVALID_OTP")
	}
	rec = f.post(t, f.handler.VerifyEmail, VerifyEmailRequest{Email: testAddr, OTP: fresh})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify with fresh code: %d %s", rec.Code, rec.Body.String())
	}
}

func TestVerifyEmailWrongCodeThenRight(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.advance(t, sequence.StepSendEmailOTP)

	code := f.mailer.lastCode(t)
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}

	rec := f.post(t, f.handler.VerifyEmail, VerifyEmailRequest{Email: testAddr, OTP: wrong})
	body := wantEnvelope(t, rec, http.StatusBadRequest, "INVALID_OTP")
	errCtx, _ := body["error_context"].(map[string]any)
	details, _ := errCtx["details"].(map[string]any)
	if details["attempts_remaining"] != float64(2) {
		t.Fatalf("attempts_remaining = %v, want 2", details["attempts_remaining"])
	}

	ctx := context.Background()
	data, _, err := f.sequences.GetData(ctx, testPhone)
	if err != nil {
		t.Fatal(err)
	}
	if data.VerifyEmail == nil || data.VerifyEmail.VerificationAttempts != 1 {
		t.Fatalf("verify data = %+v", data.VerifyEmail)
	}
	if data.VerifyEmail.Verified {
		t.Fatal("must not be verified yet")
	}

	rec = f.post(t, f.handler.VerifyEmail, VerifyEmailRequest{Email: testAddr, OTP: code})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}
	data, _, err = f.sequences.GetData(ctx, testPhone)
	if err != nil {
		t.Fatal(err)
	}
	if data.VerifyEmail.VerificationAttempts != 2 {
		t.Fatalf("attempts = %d, want 2", data.VerifyEmail.VerificationAttempts)
	}
	if !data.VerifyEmail.Verified || data.VerifyEmail.VerifiedAt == nil {
		t.Fatal("expected terminal verified state")
	}
}

func TestVerifyEmailExpiredCode(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.advance(t, sequence.StepSendEmailOTP)
	code := f.mailer.lastCode(t)

	f.mr.FastForward(11 * time.Minute)

	rec := f.post(t, f.handler.VerifyEmail, VerifyEmailRequest{Email: testAddr, OTP: code})
	wantEnvelope(t, rec, http.StatusBadRequest, "EXPIRED")
}

func TestVerifyEmailMaxAttemptsThenResend(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.advance(t, sequence.StepSendEmailOTP)
	code := f.mailer.lastCode(t)
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		rec := f.post(t, f.handler.VerifyEmail, VerifyEmailRequest{Email: testAddr, OTP: wrong})
		wantEnvelope(t, rec, http.StatusBadRequest, "INVALID_OTP")
	}
	rec := f.post(t, f.handler.VerifyEmail, VerifyEmailRequest{Email: testAddr, OTP: code})
	wantEnvelope(t, rec, http.StatusBadRequest, "MAX_ATTEMPTS_EXCEEDED")

	// Requesting a new code unblocks verification.
	rec = f.post(t, f.handler.SendEmailOTP, SendOTPRequest{PhoneNumber: testPhone, Email: testAddr})
	if rec.Code != http.StatusOK {
		t.Fatalf("resend: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.post(t, f.handler.VerifyEmail, VerifyEmailRequest{Email: testAddr, OTP: f.mailer.lastCode(t)})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify after resend: %d %s", rec.Code, rec.Body.String())
	}
}

func TestVerifyEmailUnknownAddress(t *testing.T) {
	f := newRegistrationFixture(t, nil)

	rec := f.post(t, f.handler.VerifyEmail, VerifyEmailRequest{Email: "ghost@example.net", OTP: "123456"})
	wantEnvelope(t, rec, http.StatusBadRequest, "SEQUENCE_NOT_FOUND")
}

func TestGetUserInfo(t *testing.T) {
	f := newRegistrationFixture(t, nil)
	f.directory.byEmail[testAddr] = &identity.User{
		ID: "user-042", Email: testAddr, EmailVerified: true, Enabled: true,
		FirstName: "Alice", LastName: "Ng",
	}

	rec := f.post(t, f.handler.GetUserInfo, UserInfoRequest{Identifier: testAddr, IdentifierType: "email"})
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	user, _ := body["user"].(map[string]any)
	if user["user_id"] != "user-042" {
		t.Fatalf("user_id = %v", user["user_id"])
	}
	if user["email_verified"] != true {
		t.Fatal("expected email_verified true")
	}

	rec = f.post(t, f.handler.GetUserInfo, UserInfoRequest{Identifier: "ghost@example.net", IdentifierType: "email"})
	wantEnvelope(t, rec, http.StatusNotFound, "DATA_NOT_FOUND")

	rec = f.post(t, f.handler.GetUserInfo, UserInfoRequest{Identifier: testAddr, IdentifierType: "username"})
	wantEnvelope(t, rec, http.StatusBadRequest, "INVALID_DATA")
}

func TestCheckPhoneRateLimited(t *testing.T) {
	f := newRegistrationFixture(t, func(cfg *HandlerConfig) {
		rules := ratelimit.DefaultRules()
		rule := rules["check_phone"]
		rule.Limit = 1
		rules["check_phone"] = rule
		cfg.Rules = rules
	})

	rec := f.post(t, f.handler.CheckPhone, CheckPhoneRequest{PhoneNumber: testPhone})
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.post(t, f.handler.CheckPhone, CheckPhoneRequest{PhoneNumber: testPhone})
	body := wantEnvelope(t, rec, http.StatusTooManyRequests, "RATE_LIMIT")
	if retry, ok := body["retry_after"].(float64); !ok || retry < 1 {
		t.Fatalf("retry_after = %v", body["retry_after"])
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}
