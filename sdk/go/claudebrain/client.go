package claudebrain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Completions can take a while, so it sits above the server's upstream timeout.
const DefaultHTTPTimeout = 45 * time.Second

// Client wraps the HTTP interactions with the Claude Brain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// GenerateContext is the optional context sent along with a message.
type GenerateContext struct {
	Wallet       string `json:"wallet,omitempty"`
	RequestCount int    `json:"requestCount,omitempty"`
}

// GenerateRequest is the payload of POST /api/generate.
type GenerateRequest struct {
	Message string           `json:"message"`
	Context *GenerateContext `json:"context,omitempty"`
}

// GenerateResponse is a successful completion.
type GenerateResponse struct {
	Response string `json:"response"`
	Context  struct {
		Timestamp    time.Time `json:"timestamp"`
		RequestCount int       `json:"requestCount"`
		Model        string    `json:"model"`
		SessionID    string    `json:"sessionId"`
	} `json:"context"`
}

// Health is the payload of GET /api/health.
type Health struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	ClaudeReady bool      `json:"claudeReady"`
	Version     string    `json:"version"`
	Features    []string  `json:"features"`
}

// WalletValidation is the payload of POST /api/solana/validate-wallet.
type WalletValidation struct {
	Valid   bool            `json:"valid"`
	Balance decimal.Decimal `json:"balance"`
	Address string          `json:"address,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Transcript is one archived exchange.
type Transcript struct {
	ID           string `json:"id"`
	SessionKey   string `json:"session_key"`
	UserMessage  string `json:"user_message"`
	Reply        string `json:"reply"`
	Model        string `json:"model"`
	Enriched     bool   `json:"enriched"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CreatedAt    int64  `json:"created_at"`
}

// APIError represents a non-2xx answer from the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Details != "" {
		return fmt.Sprintf("claudebrain api error (%d): %s - %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("claudebrain api error (%d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying later may succeed.
func (e *APIError) Temporary() bool {
	return e != nil && e.StatusCode == http.StatusTooManyRequests
}

// NewClient instantiates a client for the Claude Brain API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Generate sends a message through POST /api/generate.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var resp GenerateResponse
	if err := c.post(ctx, "/api/generate", req, &resp); err != nil {
		return GenerateResponse{}, err
	}
	return resp, nil
}

// Ask uses the POST /ask shortcut, which shares the anonymous session.
func (c *Client) Ask(ctx context.Context, prompt string) (string, error) {
	var resp struct {
		Completion string `json:"completion"`
	}
	if err := c.post(ctx, "/ask", map[string]string{"prompt": prompt}, &resp); err != nil {
		return "", err
	}
	return resp.Completion, nil
}

// Health fetches GET /api/health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	if err := c.get(ctx, "/api/health", nil, &health); err != nil {
		return Health{}, err
	}
	return health, nil
}

// ValidateWallet checks a Solana address. An invalid address is not an error:
// the server answers with Valid=false.
func (c *Client) ValidateWallet(ctx context.Context, address string) (WalletValidation, error) {
	var result WalletValidation
	if err := c.post(ctx, "/api/solana/validate-wallet", map[string]string{"address": address}, &result); err != nil {
		return WalletValidation{}, err
	}
	return result, nil
}

// SOLPrice fetches the current SOL/USD price.
func (c *Client) SOLPrice(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := c.get(ctx, "/api/solana/price", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Price, nil
}

// Transcripts lists the latest archived exchanges. limit <= 0 uses the
// server default.
func (c *Client) Transcripts(ctx context.Context, limit int) ([]Transcript, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Transcripts []Transcript `json:"transcripts"`
	}
	if err := c.get(ctx, "/api/transcripts", query, &resp); err != nil {
		return nil, err
	}
	return resp.Transcripts, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
