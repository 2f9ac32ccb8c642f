package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
)

func TestClientSend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat-messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("missing bearer token")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["query"] != "hello" {
			t.Errorf("expected query hello, got %v", body["query"])
		}
		if body["response_mode"] != "blocking" {
			t.Errorf("expected blocking mode, got %v", body["response_mode"])
		}
		if body["conversation_id"] != "conv-7" {
			t.Errorf("expected conversation id conv-7, got %v", body["conversation_id"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"answer":          "hi there",
			"conversation_id": "conv-7",
			"message_id":      "msg-1",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-1", 5*time.Second, nil)
	reply, err := client.Send(context.Background(), "+15551234567", "hello", "conv-7")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Answer != "hi there" || reply.ConversationID != "conv-7" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestClientSendOmitsEmptyConversationID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, present := body["conversation_id"]; present {
			t.Error("expected conversation_id to be omitted for new threads")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"answer": "hi", "conversation_id": "conv-new"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-1", 5*time.Second, nil)
	if _, err := client.Send(context.Background(), "+1555", "hello", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestClientSendStaleThread(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-1", 5*time.Second, nil)
	_, err := client.Send(context.Background(), "+1555", "hello", "conv-dead")
	if !errors.Is(err, errThreadGone) {
		t.Fatalf("expected errThreadGone for 404 with conversation id, got %v", err)
	}
}

func TestClientSendServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-1", 5*time.Second, nil)
	_, err := client.Send(context.Background(), "+1555", "hello", "")
	if !errmap.Is(err, errmap.CodeBackendError) {
		t.Fatalf("expected BACKEND_ERROR, got %v", err)
	}
}

func TestClientSendTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-1", 50*time.Millisecond, nil)
	_, err := client.Send(context.Background(), "+1555", "hello", "")
	if !errmap.Is(err, errmap.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestClientListThreads(t *testing.T) {
	updated := time.Now().Add(-10 * time.Minute).Unix()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("user") != "+15551234567" {
			t.Errorf("expected user param, got %s", r.URL.Query().Get("user"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "conv-1", "updated_at": updated},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-1", 5*time.Second, nil)
	threads, err := client.ListThreads(context.Background(), "+15551234567", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(threads) != 1 || threads[0].ID != "conv-1" {
		t.Fatalf("unexpected threads: %+v", threads)
	}
	if threads[0].UpdatedAt.Unix() != updated {
		t.Fatalf("expected updated_at %d, got %d", updated, threads[0].UpdatedAt.Unix())
	}
}
