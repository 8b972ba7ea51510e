package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ClaudeBrain/internal/chat"
	"ClaudeBrain/internal/llm"
	"ClaudeBrain/internal/session"
	"ClaudeBrain/internal/storage/archive"
	"ClaudeBrain/internal/web3"
)

const testWallet = "So11111111111111111111111111111111111111112"

type stubLLM struct {
	reply func(req llm.Request) (*llm.Response, error)
}

func (s *stubLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	if s.reply == nil {
		return &llm.Response{Text: "Hi there", Model: "claude-sonnet-4-20250514"}, nil
	}
	return s.reply(req)
}

type stubBalances struct {
	sol string
	err error
}

func (s *stubBalances) Balance(_ context.Context, address string) (web3.Balance, error) {
	if s.err != nil {
		return web3.Balance{}, s.err
	}
	return web3.Balance{Address: address, SOL: decimal.RequireFromString(s.sol)}, nil
}

type stubPrices struct {
	price string
	err   error
}

func (s *stubPrices) SOLPrice(context.Context) (decimal.Decimal, error) {
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return decimal.RequireFromString(s.price), nil
}

func newTestServer(t *testing.T, client llm.Client, cfg Config, opts ...Option) http.Handler {
	t.Helper()
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Disabled = true
	}
	handler := chat.New(client, session.NewMemoryStore())
	opts = append([]Option{WithConfig(cfg)}, opts...)
	return NewServer(":0", handler, opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, payload
}

func TestBannerAndHealth(t *testing.T) {
	h := newTestServer(t, &stubLLM{}, Config{Version: "9.9.9"})

	rec, body := do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body["message"] != "Claude Brain Backend is running!" || body["claudeReady"] != true {
		t.Fatalf("unexpected banner: %v", body)
	}

	rec, body = do(t, h, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body["status"] != "active" || body["version"] != "9.9.9" || body["claudeReady"] != true {
		t.Fatalf("unexpected health payload: %v", body)
	}
	if _, err := time.Parse(time.RFC3339, body["timestamp"].(string)); err != nil {
		t.Fatalf("timestamp is not RFC3339: %v", body["timestamp"])
	}
	if features, ok := body["features"].([]any); !ok || len(features) != 3 {
		t.Fatalf("unexpected features: %v", body["features"])
	}

	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestHealthReportsNotReady(t *testing.T) {
	h := newTestServer(t, nil, Config{})
	_, body := do(t, h, http.MethodGet, "/api/test", "")
	if body["claudeReady"] != false {
		t.Fatalf("expected claudeReady=false, got %v", body["claudeReady"])
	}
}

func TestNotFoundAndWrongMethod(t *testing.T) {
	h := newTestServer(t, &stubLLM{}, Config{})

	rec, body := do(t, h, http.MethodGet, "/nope?x=1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body["error"] != "Endpoint not found" || body["path"] != "/nope?x=1" || body["method"] != http.MethodGet {
		t.Fatalf("unexpected 404 payload: %v", body)
	}
	if _, ok := body["availableEndpoints"].([]any); !ok {
		t.Fatalf("expected availableEndpoints list")
	}

	rec, body = do(t, h, http.MethodGet, "/api/generate", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong method, got %d", rec.Code)
	}
	if body["path"] != "/api/generate" || body["method"] != http.MethodGet {
		t.Fatalf("unexpected wrong-method payload: %v", body)
	}
	endpoints, ok := body["availableEndpoints"].([]any)
	if !ok || len(endpoints) == 0 {
		t.Fatalf("expected availableEndpoints list, got %v", body["availableEndpoints"])
	}
	for _, e := range endpoints {
		if e == "GET /api/transcripts" {
			t.Fatalf("transcripts must not be listed when not exposed")
		}
	}
}

func TestGenerateAcceptsFractionalRequestCount(t *testing.T) {
	h := newTestServer(t, &stubLLM{}, Config{})

	cases := []struct {
		body string
		want float64
	}{
		{`{"message":"hi","context":{"requestCount":1.5}}`, 2},
		{`{"message":"hi","context":{"requestCount":1e3}}`, 1001},
		{`{"message":"hi","context":{"requestCount":7}}`, 8},
	}
	for _, tc := range cases {
		rec, body := do(t, h, http.MethodPost, "/api/generate", tc.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status %d body=%s", tc.body, rec.Code, rec.Body.String())
		}
		ctx := body["context"].(map[string]any)
		if ctx["requestCount"] != tc.want {
			t.Fatalf("%s: expected requestCount %v, got %v", tc.body, tc.want, ctx["requestCount"])
		}
	}
}

func TestTimestampsShareOneFormat(t *testing.T) {
	h := newTestServer(t, &stubLLM{}, Config{})
	layout := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)

	_, health := do(t, h, http.MethodGet, "/api/health", "")
	_, generated := do(t, h, http.MethodPost, "/api/generate", `{"message":"hi"}`)
	stamps := []any{health["timestamp"], generated["context"].(map[string]any)["timestamp"]}
	for _, stamp := range stamps {
		s, ok := stamp.(string)
		if !ok || !layout.MatchString(s) {
			t.Fatalf("timestamp %v does not use millisecond ISO8601", stamp)
		}
	}
}

func TestGenerateSuccess(t *testing.T) {
	h := newTestServer(t, &stubLLM{}, Config{})

	rec, body := do(t, h, http.MethodPost, "/api/generate", `{"message":"Hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if body["response"] != "Hi there" {
		t.Fatalf("unexpected response: %v", body["response"])
	}
	ctx := body["context"].(map[string]any)
	if ctx["requestCount"] != float64(1) {
		t.Fatalf("unexpected requestCount: %v", ctx["requestCount"])
	}
	if ctx["sessionId"] != session.AnonymousKey {
		t.Fatalf("unexpected sessionId: %v", ctx["sessionId"])
	}

	_, body = do(t, h, http.MethodPost, "/api/generate", `{"message":"again","context":{"requestCount":4}}`)
	if body["context"].(map[string]any)["requestCount"] != float64(5) {
		t.Fatalf("expected requestCount 5, got %v", body["context"])
	}
}

func TestGenerateInvalidInput(t *testing.T) {
	h := newTestServer(t, &stubLLM{}, Config{MaxBodyBytes: 64})

	cases := []struct {
		name   string
		body   string
		status int
		error  string
	}{
		{"missing message", `{}`, http.StatusBadRequest, "Message is required"},
		{"blank message", `{"message":"   "}`, http.StatusBadRequest, "Message is required"},
		{"non string", `{"message":42}`, http.StatusBadRequest, "Message is required"},
		{"empty body", ``, http.StatusBadRequest, "Message is required"},
		{"invalid json", `{"message":`, http.StatusBadRequest, "Invalid JSON body"},
		{"too large", `{"message":"` + strings.Repeat("x", 128) + `"}`, http.StatusRequestEntityTooLarge, "Request body too large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, h, http.MethodPost, "/api/generate", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("unexpected status: got %d want %d", rec.Code, tc.status)
			}
			if body["error"] != tc.error {
				t.Fatalf("unexpected error: %v", body["error"])
			}
		})
	}
}

func TestGenerateUpstreamFailures(t *testing.T) {
	failWith := func(status int) *stubLLM {
		return &stubLLM{reply: func(llm.Request) (*llm.Response, error) {
			return nil, &llm.UpstreamError{StatusCode: status, Reason: llm.ReasonStatus, Body: "boom"}
		}}
	}

	t.Run("rate limited", func(t *testing.T) {
		h := newTestServer(t, failWith(http.StatusTooManyRequests), Config{})
		rec, body := do(t, h, http.MethodPost, "/api/generate", `{"message":"Hello"}`)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
		if body["error"] != "Rate limit exceeded. Please try again later." || body["retryAfter"] != float64(60) {
			t.Fatalf("unexpected payload: %v", body)
		}
	})

	t.Run("auth failure", func(t *testing.T) {
		h := newTestServer(t, failWith(http.StatusUnauthorized), Config{})
		rec, body := do(t, h, http.MethodPost, "/api/generate", `{"message":"Hello"}`)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
		if body["error"] != "API authentication failed. Please check server configuration." {
			t.Fatalf("unexpected payload: %v", body)
		}
	})

	t.Run("details only in debug", func(t *testing.T) {
		h := newTestServer(t, failWith(http.StatusBadGateway), Config{})
		_, body := do(t, h, http.MethodPost, "/api/generate", `{"message":"Hello"}`)
		if _, ok := body["details"]; ok {
			t.Fatalf("details must be omitted outside debug: %v", body)
		}

		h = newTestServer(t, failWith(http.StatusBadGateway), Config{Debug: true})
		rec, body := do(t, h, http.MethodPost, "/api/generate", `{"message":"Hello"}`)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
		if details, _ := body["details"].(string); !strings.Contains(details, "502") {
			t.Fatalf("expected upstream status in details, got %v", body)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		h := newTestServer(t, nil, Config{})
		rec, body := do(t, h, http.MethodPost, "/api/generate", `{"message":"Hello"}`)
		if rec.Code != http.StatusInternalServerError || body["error"] != "Claude AI not configured" {
			t.Fatalf("unexpected response: %d %v", rec.Code, body)
		}
	})
}

func TestPromptAliases(t *testing.T) {
	h := newTestServer(t, &stubLLM{}, Config{})

	for _, path := range []string{"/ask", "/api/message"} {
		rec, body := do(t, h, http.MethodPost, path, `{"prompt":"Hello"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", path, rec.Code)
		}
		if body["completion"] != "Hi there" || body["reply"] != "Hi there" {
			t.Fatalf("%s: unexpected payload %v", path, body)
		}
	}

	_, body := do(t, h, http.MethodPost, "/api/message", `{"message":"Hello"}`)
	if body["reply"] != "Hi there" {
		t.Fatalf("message field should be accepted: %v", body)
	}

	rec, body := do(t, h, http.MethodPost, "/ask", `{"prompt":"  "}`)
	if rec.Code != http.StatusBadRequest || body["error"] != "Empty prompt not allowed" {
		t.Fatalf("unexpected blank prompt response: %d %v", rec.Code, body)
	}

	failing := newTestServer(t, &stubLLM{reply: func(llm.Request) (*llm.Response, error) {
		return nil, &llm.UpstreamError{StatusCode: http.StatusInternalServerError, Reason: llm.ReasonStatus}
	}}, Config{})
	rec, body = do(t, failing, http.MethodPost, "/ask", `{"prompt":"Hello"}`)
	if rec.Code != http.StatusInternalServerError || body["error"] != "Failed to get response from Claude" {
		t.Fatalf("unexpected failure response: %d %v", rec.Code, body)
	}
}

func TestValidateWallet(t *testing.T) {
	h := newTestServer(t, &stubLLM{}, Config{}, WithBalanceReader(&stubBalances{sol: "1.5"}))

	rec, body := do(t, h, http.MethodPost, "/api/solana/validate-wallet", `{"address":"`+testWallet+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body["valid"] != true || body["balance"] != 1.5 || body["address"] != testWallet {
		t.Fatalf("unexpected payload: %v", body)
	}

	for _, payload := range []string{`{"address":"not-a-wallet"}`, `{}`, `{"address":`} {
		rec, body = do(t, h, http.MethodPost, "/api/solana/validate-wallet", payload)
		if rec.Code != http.StatusOK {
			t.Fatalf("validate-wallet must always answer 200, got %d", rec.Code)
		}
		if body["valid"] != false || body["error"] != "Invalid wallet address" {
			t.Fatalf("unexpected payload for %s: %v", payload, body)
		}
	}

	failing := newTestServer(t, &stubLLM{}, Config{}, WithBalanceReader(&stubBalances{err: errors.New("rpc down")}))
	rec, body = do(t, failing, http.MethodPost, "/api/solana/validate-wallet", `{"address":"`+testWallet+`"}`)
	if rec.Code != http.StatusOK || body["valid"] != false {
		t.Fatalf("unexpected payload on rpc failure: %d %v", rec.Code, body)
	}
}

func TestPrice(t *testing.T) {
	h := newTestServer(t, &stubLLM{}, Config{}, WithPriceFeed(&stubPrices{price: "123.45"}))
	rec, body := do(t, h, http.MethodGet, "/api/solana/price", "")
	if rec.Code != http.StatusOK || body["price"] != 123.45 {
		t.Fatalf("unexpected response: %d %v", rec.Code, body)
	}

	failing := newTestServer(t, &stubLLM{}, Config{}, WithPriceFeed(&stubPrices{err: errors.New("feed down")}))
	rec, body = do(t, failing, http.MethodGet, "/api/solana/price", "")
	if rec.Code != http.StatusInternalServerError || body["error"] != "Failed to fetch SOL price" {
		t.Fatalf("unexpected failure response: %d %v", rec.Code, body)
	}
}

func TestTranscripts(t *testing.T) {
	repo, err := archive.Open(context.Background(), archive.Config{Driver: archive.DriverMemory, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	handler := chat.New(&stubLLM{}, session.NewMemoryStore(), chat.WithArchive(repo))

	hidden := NewServer(":0", handler, WithConfig(Config{RateLimit: RateLimit{Disabled: true}})).Handler()
	do(t, hidden, http.MethodPost, "/api/generate", `{"message":"secret","context":{"wallet":"wallet-A"}}`)
	rec, body := do(t, hidden, http.MethodGet, "/api/transcripts", "")
	if rec.Code != http.StatusNotFound || body["error"] != "Endpoint not found" {
		t.Fatalf("transcripts must be hidden by default, got %d %v", rec.Code, body)
	}

	h := NewServer(":0", handler, WithConfig(Config{
		RateLimit:         RateLimit{Disabled: true},
		ExposeTranscripts: true,
	})).Handler()

	do(t, h, http.MethodPost, "/api/generate", `{"message":"first"}`)
	do(t, h, http.MethodPost, "/api/generate", `{"message":"second"}`)

	rec, body = do(t, h, http.MethodGet, "/api/transcripts?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body["count"] != float64(1) {
		t.Fatalf("unexpected count: %v", body["count"])
	}
	latest := body["transcripts"].([]any)[0].(map[string]any)
	if latest["user_message"] != "second" {
		t.Fatalf("expected newest record first, got %v", latest)
	}
}

func TestRateLimitAppliesToAPIPrefix(t *testing.T) {
	h := newTestServer(t, &stubLLM{}, Config{RateLimit: RateLimit{Requests: 2, Window: time.Hour}})

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodGet, "/api/health", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d should pass, got %d", i, rec.Code)
		}
	}
	rec, body := do(t, h, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if body["error"] != "Too many requests from this IP, please try again later." {
		t.Fatalf("unexpected payload: %v", body)
	}

	rec, _ = do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("routes outside /api/ must not be limited, got %d", rec.Code)
	}
}

func TestIPLimiterSweepsIdleVisitors(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := newIPLimiter(1, time.Minute)
	limiter.now = func() time.Time { return now }

	if !limiter.allow("10.0.0.1") || limiter.allow("10.0.0.1") {
		t.Fatalf("expected exactly one request to pass")
	}

	now = now.Add(2 * time.Minute)
	if !limiter.allow("10.0.0.2") {
		t.Fatalf("new visitor should pass")
	}
	if limiter.size() != 1 {
		t.Fatalf("idle visitor should be swept, have %d", limiter.size())
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(req, false); got != "192.0.2.1" {
		t.Fatalf("unexpected ip without proxy trust: %s", got)
	}
	if got := clientIP(req, true); got != "203.0.113.9" {
		t.Fatalf("unexpected ip with proxy trust: %s", got)
	}
}

func TestRecoveryReturnsJSON(t *testing.T) {
	h := newTestServer(t, &stubLLM{reply: func(llm.Request) (*llm.Response, error) {
		panic("kaboom")
	}}, Config{Debug: true})

	rec, body := do(t, h, http.MethodPost, "/api/generate", `{"message":"Hello"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body["error"] != "Something went wrong!" || body["details"] != "kaboom" {
		t.Fatalf("unexpected payload: %v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, &stubLLM{}, Config{})

	req := httptest.NewRequest(http.MethodOptions, "/api/generate", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected preflight status: %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
}

func TestRouteLabel(t *testing.T) {
	if routeLabel("/api/generate") != "/api/generate" {
		t.Fatalf("known route should keep its path")
	}
	if routeLabel("/random/123") != "unmatched" {
		t.Fatalf("unknown route should collapse")
	}
}
