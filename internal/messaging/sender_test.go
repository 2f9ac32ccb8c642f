package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
)

func TestWhatsAppSenderSend(t *testing.T) {
	var gotForm struct {
		to, from, body string
		media          []string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token" {
			t.Errorf("bad basic auth: %q %q", user, pass)
		}
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = r.ParseForm()
		gotForm.to = r.PostForm.Get("To")
		gotForm.from = r.PostForm.Get("From")
		gotForm.body = r.PostForm.Get("Body")
		gotForm.media = r.PostForm["MediaUrl"]
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM_OUT_1","status":"queued"}`))
	}))
	defer srv.Close()

	sender := NewWhatsAppSender("AC123", "token", srv.URL, time.Second, nil)
	sid, err := sender.Send(context.Background(), OutboundMessage{
		To:        "+15551234567",
		From:      "+15559990000",
		Body:      "hello there",
		MediaURLs: []string{"https://cdn.test/a.jpg"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sid != "SM_OUT_1" {
		t.Fatalf("sid = %q", sid)
	}
	if gotForm.to != "whatsapp:+15551234567" || gotForm.from != "whatsapp:+15559990000" {
		t.Fatalf("wire addresses = %q / %q", gotForm.to, gotForm.from)
	}
	if gotForm.body != "hello there" || len(gotForm.media) != 1 {
		t.Fatalf("wire payload = %+v", gotForm)
	}
}

func TestWhatsAppSenderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"sid":"SM_OUT_2"}`))
	}))
	defer srv.Close()

	sender := NewWhatsAppSender("AC123", "token", srv.URL, 5*time.Second, nil)
	sid, err := sender.Send(context.Background(), OutboundMessage{To: "+1555", From: "+1666", Body: "x"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sid != "SM_OUT_2" {
		t.Fatalf("sid = %q", sid)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestWhatsAppSenderClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' number","status":400}`))
	}))
	defer srv.Close()

	sender := NewWhatsAppSender("AC123", "token", srv.URL, time.Second, nil)
	_, err := sender.Send(context.Background(), OutboundMessage{To: "+1555", From: "+1666", Body: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errmap.Is(err, errmap.CodeTransportError) {
		t.Fatalf("code = %v, want TRANSPORT_ERROR", errmap.CodeOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("4xx must not retry, got %d attempts", got)
	}
}

func TestWhatsAppSenderValidation(t *testing.T) {
	sender := NewWhatsAppSender("", "", "", time.Second, nil)
	if _, err := sender.Send(context.Background(), OutboundMessage{To: "+1", From: "+2", Body: "x"}); !errmap.Is(err, errmap.CodeTransportError) {
		t.Fatalf("missing credentials: code = %v", errmap.CodeOf(err))
	}

	sender = NewWhatsAppSender("AC123", "token", "http://unused.test", time.Second, nil)
	if _, err := sender.Send(context.Background(), OutboundMessage{From: "+2", Body: "x"}); !errmap.Is(err, errmap.CodeInvalidData) {
		t.Fatalf("missing to: code = %v", errmap.CodeOf(err))
	}
	if _, err := sender.Send(context.Background(), OutboundMessage{To: "+1", From: "+2"}); !errmap.Is(err, errmap.CodeInvalidData) {
		t.Fatalf("empty payload: code = %v", errmap.CodeOf(err))
	}
}

func TestFormatTransportError(t *testing.T) {
	got := formatTransportError(400, []byte(`{"code":21211,"message":"Invalid 'To' number"}`))
	want := "transport returned status 400 code 21211: Invalid 'To' number"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := formatTransportError(500, nil); got != "transport returned status 500" {
		t.Fatalf("empty body: %q", got)
	}
}
