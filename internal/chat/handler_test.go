package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "ClaudeBrain/internal/errors"
	"ClaudeBrain/internal/events"
	"ClaudeBrain/internal/llm"
	"ClaudeBrain/internal/observability/alerting"
	"ClaudeBrain/internal/session"
	"ClaudeBrain/internal/storage/archive"
	"ClaudeBrain/internal/web3"
)

type stubLLM struct {
	mu       sync.Mutex
	requests []llm.Request
	reply    func(req llm.Request) (*llm.Response, error)
	wait     time.Duration
}

func (s *stubLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	copied := req
	copied.History = append([]llm.Exchange(nil), req.History...)
	s.requests = append(s.requests, copied)
	s.mu.Unlock()

	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, &llm.UpstreamError{Reason: llm.ReasonTransport, Err: ctx.Err()}
		}
	}
	if s.reply == nil {
		return &llm.Response{Text: "Hi there", Model: "claude-sonnet-4-20250514"}, nil
	}
	return s.reply(req)
}

func (s *stubLLM) calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

type stubBalances struct {
	balance web3.Balance
	err     error
}

func (s *stubBalances) Balance(_ context.Context, address string) (web3.Balance, error) {
	if s.err != nil {
		return web3.Balance{}, s.err
	}
	b := s.balance
	b.Address = address
	return b, nil
}

type failingStore struct {
	*session.MemoryStore
	getErr error
}

func (f *failingStore) Get(ctx context.Context, key string) ([]llm.Exchange, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemoryStore.Get(ctx, key)
}

type recordingArchive struct {
	archive.Discard
	mu      sync.Mutex
	records []archive.Record
}

func (r *recordingArchive) Save(_ context.Context, record archive.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

type recordingEvents struct {
	events.Noop
	published []events.ExchangeEvent
}

func (r *recordingEvents) Publish(_ context.Context, event events.ExchangeEvent) error {
	r.published = append(r.published, event)
	return nil
}

func history(t *testing.T, store session.Store, key string) []llm.Exchange {
	t.Helper()
	entries, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	return entries
}

func TestGenerateSuccess(t *testing.T) {
	client := &stubLLM{}
	store := session.NewMemoryStore()
	fixed := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	h := New(client, store, WithClock(func() time.Time { return fixed }))

	resp, err := h.Generate(context.Background(), GenerationRequest{Message: "Hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Response != "Hi there" {
		t.Fatalf("unexpected response: %q", resp.Response)
	}
	if resp.Context.RequestCount != 1 || resp.Context.SessionID != session.AnonymousKey {
		t.Fatalf("unexpected context: %+v", resp.Context)
	}
	if resp.Context.Timestamp != "2024-06-01T08:30:00.000Z" || resp.Context.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("unexpected context: %+v", resp.Context)
	}

	calls := client.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one upstream call, got %d", len(calls))
	}
	req := calls[0]
	if req.System != DefaultSystemPrompt || req.Message != "Hello" || len(req.History) != 0 {
		t.Fatalf("unexpected upstream request: %+v", req)
	}
	if req.MaxTokens != 4096 || req.Temperature != 0.7 {
		t.Fatalf("unexpected sampling parameters: %+v", req)
	}

	entries := history(t, store, session.AnonymousKey)
	want := []llm.Exchange{{Role: llm.RoleUser, Content: "Hello"}, {Role: llm.RoleAssistant, Content: "Hi there"}}
	if len(entries) != 2 || entries[0] != want[0] || entries[1] != want[1] {
		t.Fatalf("unexpected history: %+v", entries)
	}
}

func TestGenerateEchoesIncrementedRequestCount(t *testing.T) {
	h := New(&stubLLM{}, session.NewMemoryStore())
	resp, err := h.Generate(context.Background(), GenerationRequest{
		Message: "Hello",
		Context: &RequestContext{RequestCount: 41},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Context.RequestCount != 42 {
		t.Fatalf("expected 42, got %d", resp.Context.RequestCount)
	}
}

func TestGenerateRejectsInvalidMessage(t *testing.T) {
	cases := []struct {
		name    string
		message any
	}{
		{"missing", nil},
		{"not a string", 42.0},
		{"object", map[string]any{"text": "hi"}},
		{"empty", ""},
		{"whitespace", "   \n\t"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &stubLLM{}
			store := session.NewMemoryStore()
			h := New(client, store)

			_, err := h.Generate(context.Background(), GenerationRequest{Message: tc.message})
			if xerrors.CodeOf(err) != xerrors.CodeInvalidInput {
				t.Fatalf("expected INVALID_INPUT, got %v", err)
			}
			if xerrors.HTTPStatusOf(err) != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", xerrors.HTTPStatusOf(err))
			}
			if len(client.calls()) != 0 {
				t.Fatalf("upstream must not be called")
			}
			if store.Len() != 0 {
				t.Fatalf("store must not be mutated")
			}
		})
	}
}

func TestGenerateNotConfigured(t *testing.T) {
	h := New(nil, session.NewMemoryStore())
	if h.Ready() {
		t.Fatalf("handler without client must not be ready")
	}
	_, err := h.Generate(context.Background(), GenerationRequest{Message: "Hello"})
	if xerrors.CodeOf(err) != xerrors.CodeNotConfigured {
		t.Fatalf("expected NOT_CONFIGURED, got %v", err)
	}
}

func TestGenerateCapsHistory(t *testing.T) {
	client := &stubLLM{reply: func(req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "a" + strings.TrimPrefix(req.Message, "q")}, nil
	}}
	store := session.NewMemoryStore()
	h := New(client, store)

	for i := 1; i <= 1000; i++ {
		if _, err := h.Generate(context.Background(), GenerationRequest{Message: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}

	entries := history(t, store, session.AnonymousKey)
	if len(entries) != session.DefaultMaxEntries {
		t.Fatalf("expected %d entries, got %d", session.DefaultMaxEntries, len(entries))
	}
	if entries[0].Content != "q991" || entries[len(entries)-1].Content != "a1000" {
		t.Fatalf("unexpected window: first=%q last=%q", entries[0].Content, entries[len(entries)-1].Content)
	}
	for _, req := range client.calls() {
		if len(req.History) > session.DefaultMaxEntries {
			t.Fatalf("upstream saw %d history entries", len(req.History))
		}
	}
}

func TestGenerateSendsHistoryInOrder(t *testing.T) {
	client := &stubLLM{reply: func(req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "reply to " + req.Message}, nil
	}}
	h := New(client, session.NewMemoryStore())
	ctx := context.Background()

	for _, msg := range []string{"first", "second", "third"} {
		if _, err := h.Generate(ctx, GenerationRequest{Message: msg}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	last := client.calls()[2]
	got := make([]string, 0, len(last.History))
	for _, entry := range last.History {
		got = append(got, string(entry.Role)+":"+entry.Content)
	}
	want := "user:first,assistant:reply to first,user:second,assistant:reply to second"
	if strings.Join(got, ",") != want {
		t.Fatalf("unexpected history order: %v", got)
	}
	if last.Message != "third" {
		t.Fatalf("current message must be the newest user turn, got %q", last.Message)
	}
}

func TestGenerateSerializesSameSession(t *testing.T) {
	client := &stubLLM{wait: 20 * time.Millisecond}
	store := session.NewMemoryStore()
	h := New(client, store)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, msg := range []string{"one", "two"} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			_, err := h.Generate(context.Background(), GenerationRequest{
				Message: msg,
				Context: &RequestContext{Wallet: "wallet-A"},
			})
			errs <- err
		}(msg)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	entries := history(t, store, "wallet-A")
	if len(entries) != 4 {
		t.Fatalf("both exchanges must be kept, got %d entries", len(entries))
	}
	calls := client.calls()
	sizes := []int{len(calls[0].History), len(calls[1].History)}
	if !(sizes[0] == 0 && sizes[1] == 2) {
		t.Fatalf("second call must observe the first exchange, history sizes %v", sizes)
	}
}

func TestGenerateAnonymousCallsRunConcurrently(t *testing.T) {
	const callers = 5
	arrived := make(chan struct{}, callers)
	release := make(chan struct{})
	client := &stubLLM{reply: func(llm.Request) (*llm.Response, error) {
		arrived <- struct{}{}
		<-release
		return &llm.Response{Text: "ok"}, nil
	}}
	store := session.NewMemoryStore()
	h := New(client, store)

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.Generate(context.Background(), GenerationRequest{Message: fmt.Sprintf("msg-%d", i)})
			errs <- err
		}(i)
	}

	// 所有匿名调用必须同时处于上游调用中。
	timeout := time.After(2 * time.Second)
	for i := 0; i < callers; i++ {
		select {
		case <-arrived:
		case <-timeout:
			close(release)
			t.Fatalf("only %d of %d anonymous calls reached upstream concurrently", i, callers)
		}
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if entries := history(t, store, session.AnonymousKey); len(entries) != 2*callers {
		t.Fatalf("every anonymous exchange must be appended, got %d entries", len(entries))
	}
}

func TestGenerateSessionLockWaitIsBounded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client := &stubLLM{reply: func(req llm.Request) (*llm.Response, error) {
		if req.Message == "slow" {
			<-release
		}
		return &llm.Response{Text: "ok"}, nil
	}}
	h := New(client, session.NewMemoryStore(), WithLockTimeout(50*time.Millisecond))

	go func() {
		_, _ = h.Generate(context.Background(), GenerationRequest{
			Message: "slow",
			Context: &RequestContext{Wallet: "wallet-B"},
		})
	}()
	deadline := time.Now().Add(time.Second)
	for len(client.calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first call never reached upstream")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := h.Generate(context.Background(), GenerationRequest{
		Message: "queued",
		Context: &RequestContext{Wallet: "wallet-B"},
	})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT while the session is busy, got %v", err)
	}
}

func TestGenerateUpstreamFailures(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		code       xerrors.Code
		httpStatus int
	}{
		{"unauthorized", &llm.UpstreamError{StatusCode: 401, Reason: llm.ReasonStatus}, xerrors.CodeUpstreamAuthFailure, 500},
		{"forbidden", &llm.UpstreamError{StatusCode: 403, Reason: llm.ReasonStatus}, xerrors.CodeUpstreamAuthFailure, 500},
		{"rate limited", &llm.UpstreamError{StatusCode: 429, Reason: llm.ReasonStatus}, xerrors.CodeUpstreamRateLimited, 429},
		{"overloaded", &llm.UpstreamError{StatusCode: 529, Reason: llm.ReasonStatus}, xerrors.CodeUpstreamError, 500},
		{"malformed", &llm.UpstreamError{StatusCode: 200, Reason: llm.ReasonMalformed}, xerrors.CodeMalformedUpstreamResponse, 500},
		{"transport", &llm.UpstreamError{Reason: llm.ReasonTransport, Err: errors.New("connection reset")}, xerrors.CodeUpstreamError, 500},
		{"timeout", &llm.UpstreamError{Reason: llm.ReasonTransport, Err: context.DeadlineExceeded}, xerrors.CodeTimeout, 500},
		{"plain", errors.New("boom"), xerrors.CodeUpstreamError, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &stubLLM{reply: func(llm.Request) (*llm.Response, error) { return nil, tc.err }}
			store := session.NewMemoryStore()
			h := New(client, store)

			_, err := h.Generate(context.Background(), GenerationRequest{Message: "Hello"})
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if xerrors.HTTPStatusOf(err) != tc.httpStatus {
				t.Fatalf("expected status %d, got %d", tc.httpStatus, xerrors.HTTPStatusOf(err))
			}
			if len(client.calls()) != 1 {
				t.Fatalf("expected exactly one upstream call, got %d", len(client.calls()))
			}
			if store.Len() != 0 {
				t.Fatalf("store must not be mutated on failure")
			}
		})
	}
}

type chanDispatcher chan alerting.Event

func (c chanDispatcher) Notify(_ context.Context, event alerting.Event) error {
	c <- event
	return nil
}

func TestGenerateUpstreamFailureRaisesAlert(t *testing.T) {
	client := &stubLLM{reply: func(llm.Request) (*llm.Response, error) {
		return nil, &llm.UpstreamError{StatusCode: 401, Reason: llm.ReasonStatus}
	}}
	alerts := make(chanDispatcher, 1)
	h := New(client, session.NewMemoryStore(), WithAlerts(alerts))

	_, err := h.Generate(context.Background(), GenerationRequest{Message: "Hello", Context: &RequestContext{Wallet: "w1"}})
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamAuthFailure {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case event := <-alerts:
		if event.Code != xerrors.CodeUpstreamAuthFailure || event.Severity != xerrors.SeverityCritical {
			t.Fatalf("unexpected alert: %+v", event)
		}
		if event.SessionKey != "w1" || event.Metadata["upstream_status"] != "401" {
			t.Fatalf("alert is missing context: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an alert")
	}
}

func TestGenerateEnrichesWithBalance(t *testing.T) {
	client := &stubLLM{}
	store := session.NewMemoryStore()
	balances := &stubBalances{balance: web3.Balance{Lamports: 1_500_000_000, SOL: decimal.New(15, -1)}}
	h := New(client, store, WithBalanceReader(balances))

	const wallet = "So11111111111111111111111111111111111111112"
	resp, err := h.Generate(context.Background(), GenerationRequest{
		Message: "Build me a swap",
		Context: &RequestContext{Wallet: wallet},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Context.SessionID != wallet {
		t.Fatalf("wallet must be the session key, got %q", resp.Context.SessionID)
	}

	sent := client.calls()[0].Message
	want := "Build me a swap\n\nContext: User wallet " + wallet + " has 1.5 SOL. Consider this when suggesting gas fees or transactions."
	if sent != want {
		t.Fatalf("unexpected enriched message:\n%q\nwant\n%q", sent, want)
	}

	entries := history(t, store, wallet)
	if entries[0].Content != "Build me a swap" {
		t.Fatalf("history must keep the original message, got %q", entries[0].Content)
	}
}

func TestGenerateEnrichmentFailureIsNonFatal(t *testing.T) {
	client := &stubLLM{}
	h := New(client, session.NewMemoryStore(), WithBalanceReader(&stubBalances{err: errors.New("rpc down")}))

	resp, err := h.Generate(context.Background(), GenerationRequest{
		Message: "Hello",
		Context: &RequestContext{Wallet: "not-a-wallet"},
	})
	if err != nil {
		t.Fatalf("enrichment failure must not fail the request: %v", err)
	}
	if resp.Response != "Hi there" {
		t.Fatalf("unexpected response: %q", resp.Response)
	}
	if sent := client.calls()[0].Message; sent != "Hello" {
		t.Fatalf("message must not be enriched, got %q", sent)
	}
}

func TestGenerateHistoryReadFailureDegrades(t *testing.T) {
	store := &failingStore{MemoryStore: session.NewMemoryStore(), getErr: errors.New("redis down")}
	client := &stubLLM{}
	h := New(client, store)

	if _, err := h.Generate(context.Background(), GenerationRequest{Message: "Hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.calls()[0].History) != 0 {
		t.Fatalf("expected empty history on read failure")
	}
	if store.MemoryStore.Len() != 1 {
		t.Fatalf("exchange must still be appended")
	}
}

func TestGenerateRecordsArchiveAndEvents(t *testing.T) {
	repo := &recordingArchive{}
	pub := &recordingEvents{}
	client := &stubLLM{reply: func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "ok", Model: "m-1", Usage: llm.Usage{InputTokens: 10, OutputTokens: 2}}, nil
	}}
	h := New(client, session.NewMemoryStore(), WithArchive(repo), WithEventPublisher(pub))

	if _, err := h.Generate(context.Background(), GenerationRequest{Message: "Hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.records) != 1 || repo.records[0].Reply != "ok" || repo.records[0].InputTokens != 10 {
		t.Fatalf("unexpected archive records: %+v", repo.records)
	}
	if len(pub.published) != 1 || pub.published[0].ID != repo.records[0].ID || pub.published[0].Model != "m-1" {
		t.Fatalf("unexpected events: %+v", pub.published)
	}

	records, err := h.Transcripts(context.Background(), 10)
	if err != nil || len(records) != 0 {
		t.Fatalf("recording archive lists nothing, got %v %v", records, err)
	}
}

func TestWithProfileFillsDefaults(t *testing.T) {
	h := New(&stubLLM{}, nil, WithProfile(Profile{Temperature: 0.2, MaxTokens: 100}))
	p := h.Profile()
	if p.Model == "" || p.SystemPrompt != DefaultSystemPrompt || p.Provider != "anthropic" {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if p.Temperature != 0.2 || p.MaxTokens != 100 {
		t.Fatalf("explicit values must be kept: %+v", p)
	}
}
