package registration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
)

const testEmail = "alice@example.com"

func newTestOTP(t *testing.T) (*OTPService, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewOTPService(kv.NewCache(client), 10*time.Minute, 3, nil), mr
}

func TestGenerateOTPFormat(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := GenerateOTP()
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q is not six digits", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("code %q contains non-digit %q", code, c)
			}
		}
	}
}

func TestOTPIssueVerifyConsumes(t *testing.T) {
	svc, _ := newTestOTP(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Verify(ctx, testEmail, code); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// The code is single-use.
	err = svc.Verify(ctx, testEmail, code)
	if !errmap.Is(err, errmap.CodeExpired) {
		t.Fatalf("code = %v, want EXPIRED", errmap.CodeOf(err))
	}
}

func TestOTPVerifyCountsAttempts(t *testing.T) {
	svc, _ := newTestOTP(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		err := svc.Verify(ctx, testEmail, wrong)
		if !errmap.Is(err, errmap.CodeInvalidOTP) {
			t.Fatalf("attempt %d: code = %v, want INVALID_OTP", i+1, errmap.CodeOf(err))
		}
	}

	// Budget spent: even the right code is rejected now.
	err = svc.Verify(ctx, testEmail, code)
	if !errmap.Is(err, errmap.CodeMaxAttemptsExceeded) {
		t.Fatalf("code = %v, want MAX_ATTEMPTS_EXCEEDED", errmap.CodeOf(err))
	}

	// A fresh issue resets the budget.
	fresh, err := svc.Issue(ctx, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Verify(ctx, testEmail, fresh); err != nil {
		t.Fatalf("verify after reissue: %v", err)
	}
}

func TestOTPExpires(t *testing.T) {
	svc, mr := newTestOTP(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(11 * time.Minute)

	err = svc.Verify(ctx, testEmail, code)
	if !errmap.Is(err, errmap.CodeExpired) {
		t.Fatalf("code = %v, want EXPIRED", errmap.CodeOf(err))
	}
}

func TestOTPReissueReplacesCode(t *testing.T) {
	svc, _ := newTestOTP(t)
	ctx := context.Background()

	first, err := svc.Issue(ctx, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Issue(ctx, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		err = svc.Verify(ctx, testEmail, first)
		if !errmap.Is(err, errmap.CodeInvalidOTP) {
			t.Fatalf("stale code: %v, want INVALID_OTP", errmap.CodeOf(err))
		}
	}
	if err := svc.Verify(ctx, testEmail, second); err != nil {
		t.Fatalf("verify current code: %v", err)
	}
}

func TestOTPAddressIsCaseInsensitive(t *testing.T) {
	svc, _ := newTestOTP(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, "Alice@Example.COM")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Verify(ctx, testEmail, code); err != nil {
		t.Fatalf("verify with normalized address: %v", err)
	}
}
