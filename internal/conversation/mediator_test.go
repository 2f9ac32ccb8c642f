package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
)

type fakeBackend struct {
	replies     map[string]Reply
	threads     []Thread
	listErr     error
	sendErr     error
	staleIDs    map[string]bool
	sendCalls   []string
	listedUsers []string
}

func (f *fakeBackend) Send(ctx context.Context, user, query, conversationID string) (Reply, error) {
	f.sendCalls = append(f.sendCalls, conversationID)
	if f.sendErr != nil {
		return Reply{}, f.sendErr
	}
	if conversationID != "" && f.staleIDs[conversationID] {
		return Reply{}, errThreadGone
	}
	if r, ok := f.replies[query]; ok {
		return r, nil
	}
	return Reply{Answer: "default answer", ConversationID: "conv-new"}, nil
}

func (f *fakeBackend) ListThreads(ctx context.Context, user string, limit int) ([]Thread, error) {
	f.listedUsers = append(f.listedUsers, user)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.threads, nil
}

func newTestMediator(t *testing.T, backend Backend) (*Mediator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := kv.NewCache(client)
	locker := kv.NewLocker(client, 10*time.Second, 3)
	return NewMediator(backend, cache, locker, time.Hour, nil, nil), mr
}

func TestRespondStartsNewThread(t *testing.T) {
	backend := &fakeBackend{
		replies: map[string]Reply{"hello": {Answer: "hi!", ConversationID: "conv-1"}},
	}
	m, mr := newTestMediator(t, backend)

	reply, err := m.Respond(context.Background(), "whatsapp:+15551234567", "hello")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Answer != "hi!" {
		t.Fatalf("unexpected answer %q", reply.Answer)
	}
	if len(backend.sendCalls) != 1 || backend.sendCalls[0] != "" {
		t.Fatalf("expected one send with empty thread, got %v", backend.sendCalls)
	}
	if got, _ := mr.Get("dify_chat:conv:+15551234567"); got != "conv-1" {
		t.Fatalf("expected cached thread conv-1, got %q", got)
	}
}

func TestRespondReusesCachedThread(t *testing.T) {
	backend := &fakeBackend{
		replies: map[string]Reply{"again": {Answer: "welcome back", ConversationID: "conv-9"}},
	}
	m, mr := newTestMediator(t, backend)
	if err := mr.Set("dify_chat:conv:+15551234567", "conv-9"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Respond(context.Background(), "+15551234567", "again"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(backend.sendCalls) != 1 || backend.sendCalls[0] != "conv-9" {
		t.Fatalf("expected send with cached thread, got %v", backend.sendCalls)
	}
	if len(backend.listedUsers) != 0 {
		t.Fatalf("expected no listing when cache hits, got %v", backend.listedUsers)
	}
}

func TestRespondAdoptsRecentBackendThread(t *testing.T) {
	backend := &fakeBackend{
		threads: []Thread{{ID: "conv-old", UpdatedAt: time.Now().Add(-10 * time.Minute)}},
		replies: map[string]Reply{"hi": {Answer: "resumed", ConversationID: "conv-old"}},
	}
	m, _ := newTestMediator(t, backend)

	if _, err := m.Respond(context.Background(), "+15551234567", "hi"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if backend.sendCalls[0] != "conv-old" {
		t.Fatalf("expected resumed thread conv-old, got %v", backend.sendCalls)
	}
}

func TestRespondIgnoresIdleBackendThread(t *testing.T) {
	backend := &fakeBackend{
		threads: []Thread{{ID: "conv-idle", UpdatedAt: time.Now().Add(-2 * time.Hour)}},
	}
	m, _ := newTestMediator(t, backend)

	if _, err := m.Respond(context.Background(), "+15551234567", "hi"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if backend.sendCalls[0] != "" {
		t.Fatalf("expected fresh thread for idle conversation, got %v", backend.sendCalls)
	}
}

func TestRespondHealsStaleCache(t *testing.T) {
	backend := &fakeBackend{
		staleIDs: map[string]bool{"conv-dead": true},
		replies:  map[string]Reply{"hi": {Answer: "fresh start", ConversationID: "conv-new"}},
	}
	m, mr := newTestMediator(t, backend)
	if err := mr.Set("dify_chat:conv:+15551234567", "conv-dead"); err != nil {
		t.Fatal(err)
	}

	reply, err := m.Respond(context.Background(), "+15551234567", "hi")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Answer != "fresh start" {
		t.Fatalf("unexpected answer %q", reply.Answer)
	}
	if len(backend.sendCalls) != 2 || backend.sendCalls[1] != "" {
		t.Fatalf("expected retry with empty thread, got %v", backend.sendCalls)
	}
	if got, _ := mr.Get("dify_chat:conv:+15551234567"); got != "conv-new" {
		t.Fatalf("expected healed cache conv-new, got %q", got)
	}
}

func TestRespondRejectsInvalidSender(t *testing.T) {
	m, _ := newTestMediator(t, &fakeBackend{})

	_, err := m.Respond(context.Background(), "not-a-number", "hi")
	if !errmap.Is(err, errmap.CodeInvalidPhone) {
		t.Fatalf("expected INVALID_PHONE, got %v", err)
	}
}

func TestRespondRejectsEmptyBody(t *testing.T) {
	m, _ := newTestMediator(t, &fakeBackend{})

	_, err := m.Respond(context.Background(), "+15551234567", "\x00\x07")
	if !errmap.Is(err, errmap.CodeInvalidData) {
		t.Fatalf("expected INVALID_DATA for control-only body, got %v", err)
	}
}

func TestRespondSanitizesAnswer(t *testing.T) {
	backend := &fakeBackend{
		replies: map[string]Reply{"hi": {Answer: "clean\x00 answer\x07!", ConversationID: "c"}},
	}
	m, _ := newTestMediator(t, backend)

	reply, err := m.Respond(context.Background(), "+15551234567", "hi")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Answer != "clean answer!" {
		t.Fatalf("expected sanitized answer, got %q", reply.Answer)
	}
}

func TestRespondSurvivesListingFailure(t *testing.T) {
	backend := &fakeBackend{
		listErr: context.DeadlineExceeded,
		replies: map[string]Reply{"hi": {Answer: "ok", ConversationID: "conv-x"}},
	}
	m, _ := newTestMediator(t, backend)

	if _, err := m.Respond(context.Background(), "+15551234567", "hi"); err != nil {
		t.Fatalf("expected listing failure to fall back to new thread, got %v", err)
	}
	if backend.sendCalls[0] != "" {
		t.Fatalf("expected empty thread after listing failure, got %v", backend.sendCalls)
	}
}
