package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/persist"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/relay"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/logging"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
)

type countingProvider struct {
	providers.Provider
	calls atomic.Int32
	err   error
}

func (p *countingProvider) Generate(ctx context.Context, prompt string) (providers.FragmentStream, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return p.Provider.Generate(ctx, prompt)
}

type recordClient struct {
	mu     sync.Mutex
	begins int
	start  StreamStart
	failOn int
	sends  int
	chunks []string
}

func (c *recordClient) Begin(start StreamStart) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.begins++
	c.start = start
}

func (c *recordClient) Send(_ context.Context, chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if c.failOn > 0 && c.sends >= c.failOn {
		return errors.New("connection reset by peer")
	}
	c.chunks = append(c.chunks, string(chunk))
	return nil
}

func (c *recordClient) body() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.chunks, "")
}

type failingStore struct {
	*database.MemoryDB
}

func (failingStore) SaveConversation(context.Context, *models.Conversation) error {
	return errors.New("database is down")
}

type harness struct {
	orch     *Orchestrator
	store    *database.MemoryDB
	provider *countingProvider
}

func newHarness(t *testing.T, p providers.Provider, quota int, streamTimeout time.Duration) *harness {
	t.Helper()
	store := database.NewMemory()
	return newHarnessWithStore(t, p, quota, streamTimeout, store, store)
}

func newHarnessWithStore(t *testing.T, p providers.Provider, quota int, streamTimeout time.Duration, store database.Store, mem *database.MemoryDB) *harness {
	t.Helper()
	logger := logging.Discard()
	cp := &countingProvider{Provider: p}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Options{
		Enabled: quota > 0,
		Quota:   quota,
		Window:  time.Minute,
		Logger:  logger,
	})
	orch := New(limiter, cp, relay.New(time.Second, logger), persist.NewFinalizer(store, time.Second, logger), Options{
		StreamTimeout: streamTimeout,
		Logger:        logger,
	})
	return &harness{orch: orch, store: mem, provider: cp}
}

func (h *harness) only(t *testing.T) models.Conversation {
	t.Helper()
	convs, total, err := h.store.ListConversations(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListConversations err=%v", err)
	}
	if total != 1 {
		t.Fatalf("records=%d, want exactly 1", total)
	}
	return convs[0]
}

func samePath(got []State, want ...State) bool {
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func TestStream_Complete(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider(0), 0, 0)
	client := &recordClient{}

	out, err := h.orch.Stream(context.Background(), Request{Prompt: "hi", ClientKey: "a", Shape: relay.PlainText}, client)
	if err != nil {
		t.Fatalf("Stream err=%v", err)
	}
	if !samePath(out.Path, StateStart, StateAdmitted, StateStreaming, StateFinalizing, StateDone) {
		t.Fatalf("path=%v", out.Path)
	}
	conv := h.only(t)
	want := strings.Join(providers.MockFragments("hi"), "")
	if conv.Status != models.StatusComplete || conv.Response != want || conv.Prompt != "hi" {
		t.Fatalf("conv=%+v", conv)
	}
	if client.body() != conv.Response {
		t.Fatalf("body=%q response=%q", client.body(), conv.Response)
	}
	if client.begins != 1 || client.start.ConversationID != conv.ID || client.start.ContentType != "text/plain; charset=utf-8" {
		t.Fatalf("begins=%d start=%+v", client.begins, client.start)
	}
	if out.Conversation == nil || out.Conversation.ID != conv.ID {
		t.Fatalf("outcome conversation=%+v", out.Conversation)
	}
}

func TestStream_RejectedTouchesNothing(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider(0), 1, 0)
	req := Request{Prompt: "hi", ClientKey: "a", Shape: relay.PlainText}

	if _, err := h.orch.Stream(context.Background(), req, &recordClient{}); err != nil {
		t.Fatalf("first Stream err=%v", err)
	}

	client := &recordClient{}
	out, err := h.orch.Stream(context.Background(), req, client)
	var denied *ratelimit.DeniedError
	if !errors.As(err, &denied) || !errors.Is(err, ratelimit.ErrAdmissionDenied) {
		t.Fatalf("err=%v", err)
	}
	if denied.Decision.RetryAfter <= 0 || denied.Decision.RetryAfter > time.Minute {
		t.Fatalf("retryAfter=%s", denied.Decision.RetryAfter)
	}
	if !samePath(out.Path, StateStart, StateRejected) {
		t.Fatalf("path=%v", out.Path)
	}
	if got := h.provider.calls.Load(); got != 1 {
		t.Fatalf("provider calls=%d", got)
	}
	if h.store.Count() != 1 || client.begins != 0 || client.sends != 0 {
		t.Fatalf("records=%d begins=%d sends=%d", h.store.Count(), client.begins, client.sends)
	}
}

func TestStream_UpstreamUnavailable(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider(0), 0, 0)
	h.provider.err = fmt.Errorf("%w: connection refused", providers.ErrUpstreamUnavailable)
	client := &recordClient{}

	out, err := h.orch.Stream(context.Background(), Request{Prompt: "hi", ClientKey: "a"}, client)
	if !errors.Is(err, providers.ErrUpstreamUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if !samePath(out.Path, StateStart, StateAdmitted, StateFinalizing, StateDone) {
		t.Fatalf("path=%v", out.Path)
	}
	conv := h.only(t)
	if conv.Status != models.StatusFailedBeforeOutput || conv.Response != "" {
		t.Fatalf("conv=%+v", conv)
	}
	if out.ConversationID != conv.ID || client.begins != 0 {
		t.Fatalf("id=%q begins=%d", out.ConversationID, client.begins)
	}
}

func TestStream_UnclassifiedOpenErrorIsUnavailable(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider(0), 0, 0)
	h.provider.err = errors.New("boom")

	_, err := h.orch.Stream(context.Background(), Request{Prompt: "hi", ClientKey: "a"}, &recordClient{})
	if !errors.Is(err, providers.ErrUpstreamUnavailable) {
		t.Fatalf("err=%v", err)
	}
	h.only(t)
}

func TestStream_MidStreamFailureIsPartial(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider(0, providers.WithFailAfter(2)), 0, 0)
	client := &recordClient{}

	out, err := h.orch.Stream(context.Background(), Request{Prompt: "hi", ClientKey: "a", Shape: relay.StructuredEvents}, client)
	if err != nil {
		t.Fatalf("Stream err=%v", err)
	}
	if !errors.Is(out.StreamErr, providers.ErrUpstreamStream) {
		t.Fatalf("stream err=%v", out.StreamErr)
	}
	conv := h.only(t)
	want := strings.Join(providers.MockFragments("hi")[:2], "")
	if conv.Status != models.StatusPartial || conv.Response != want {
		t.Fatalf("conv=%+v", conv)
	}

	body := client.body()
	if strings.Count(body, "event: fragment\n") != 2 {
		t.Fatalf("body=%q", body)
	}
	if !strings.HasSuffix(body, "\n\n") || !strings.Contains(body, "event: error\n") || !strings.Contains(body, conv.ID) {
		t.Fatalf("missing error terminal: %q", body)
	}
}

func TestStream_ClientDisconnect(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider(time.Millisecond), 0, 0)
	client := &recordClient{failOn: 3}

	out, err := h.orch.Stream(context.Background(), Request{Prompt: "hi", ClientKey: "a", Shape: relay.PlainText}, client)
	if err != nil {
		t.Fatalf("Stream err=%v", err)
	}
	if !errors.Is(out.StreamErr, relay.ErrClientDisconnected) {
		t.Fatalf("stream err=%v", out.StreamErr)
	}
	conv := h.only(t)
	want := strings.Join(providers.MockFragments("hi")[:2], "")
	if conv.Status != models.StatusPartial || conv.Response != want || client.body() != want {
		t.Fatalf("conv=%+v body=%q", conv, client.body())
	}
}

func TestStream_CancelledRequestStillPersists(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider(20*time.Millisecond), 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	out, err := h.orch.Stream(ctx, Request{Prompt: "hi", ClientKey: "a"}, &recordClient{})
	if err != nil {
		t.Fatalf("Stream err=%v", err)
	}
	if !errors.Is(out.StreamErr, relay.ErrClientDisconnected) {
		t.Fatalf("stream err=%v", out.StreamErr)
	}
	conv := h.only(t)
	if conv.Status != models.StatusPartial || !strings.HasPrefix(strings.Join(providers.MockFragments("hi"), ""), conv.Response) {
		t.Fatalf("conv=%+v", conv)
	}
}

func TestStream_OverallTimeout(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider(30*time.Millisecond), 0, 100*time.Millisecond)
	client := &recordClient{}

	out, err := h.orch.Stream(context.Background(), Request{Prompt: "hi", ClientKey: "a", Shape: relay.StructuredEvents}, client)
	if err != nil {
		t.Fatalf("Stream err=%v", err)
	}
	if !errors.Is(out.StreamErr, relay.ErrStreamTimeout) {
		t.Fatalf("stream err=%v", out.StreamErr)
	}
	conv := h.only(t)
	if conv.Status != models.StatusPartial || out.Fragments == 0 {
		t.Fatalf("conv=%+v fragments=%d", conv, out.Fragments)
	}
	if !strings.Contains(client.body(), `"error":"stream timeout"`) {
		t.Fatalf("body=%q", client.body())
	}
}

func TestStream_PersistenceFailureDoesNotTouchStream(t *testing.T) {
	mem := database.NewMemory()
	h := newHarnessWithStore(t, providers.NewMockProvider(0), 0, 0, failingStore{mem}, mem)
	client := &recordClient{}

	out, err := h.orch.Stream(context.Background(), Request{Prompt: "hi", ClientKey: "a", Shape: relay.StructuredEvents}, client)
	if err != nil {
		t.Fatalf("Stream err=%v", err)
	}
	if !errors.Is(out.PersistErr, persist.ErrPersistence) || out.Conversation != nil {
		t.Fatalf("persistErr=%v conv=%+v", out.PersistErr, out.Conversation)
	}
	if out.State != StateDone || out.Status != models.StatusComplete {
		t.Fatalf("state=%s status=%s", out.State, out.Status)
	}
	body := client.body()
	if !strings.Contains(body, "event: done\n") || strings.Contains(body, "conversation_id") {
		t.Fatalf("body=%q", body)
	}
}

func TestStream_ConcurrentClientsAreIsolated(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider(time.Millisecond), 0, 0)

	var wg sync.WaitGroup
	clients := make([]*recordClient, 10)
	for i := range clients {
		clients[i] = &recordClient{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := Request{Prompt: fmt.Sprintf("prompt %d", i), ClientKey: fmt.Sprintf("client-%d", i)}
			if _, err := h.orch.Stream(context.Background(), req, clients[i]); err != nil {
				t.Errorf("Stream %d err=%v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i, c := range clients {
		want := strings.Join(providers.MockFragments(fmt.Sprintf("prompt %d", i)), "")
		if c.body() != want {
			t.Fatalf("client %d body=%q", i, c.body())
		}
	}
	if h.store.Count() != len(clients) {
		t.Fatalf("records=%d", h.store.Count())
	}
}
