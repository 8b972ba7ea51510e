package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"ClaudeBrain/internal/chat"
	xerrors "ClaudeBrain/internal/errors"
	"ClaudeBrain/internal/storage/archive"
	"ClaudeBrain/internal/web3/solana"
)

var (
	bannerEndpoints = []string{"GET /", "GET /api/health", "POST /api/generate"}

	publicEndpoints = []string{
		"GET /",
		"GET /api/health",
		"GET /api/test",
		"POST /api/generate",
		"POST /api/message",
		"POST /ask",
		"POST /api/solana/validate-wallet",
		"GET /api/solana/price",
	}

	healthFeatures = []string{"solana-integration", "wallet-support", "infinite-backrooms"}
)

const (
	msgInvalidJSON       = "Invalid JSON body"
	msgBodyTooLarge      = "Request body too large"
	msgEmptyPrompt       = "Empty prompt not allowed"
	msgPromptFailed      = "Failed to get response from Claude"
	msgInvalidWallet     = "Invalid wallet address"
	msgPriceFailed       = "Failed to fetch SOL price"
	msgEndpointNotFound  = "Endpoint not found"
	msgTranscriptsFailed = "Failed to load transcripts"
)

// allowMethod 在方法不匹配时按未知路由处理并返回 false。路由以“方法 路径”
// 为单位，GET /api/generate 与 GET /nope 一样返回 404 与可用接口列表。
func (s *Server) allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	s.handleNotFound(w, r)
	return false
}

// availableEndpoints 返回当前挂载的接口列表。
func (s *Server) availableEndpoints() []string {
	endpoints := append([]string(nil), publicEndpoints...)
	if s.cfg.ExposeTranscripts {
		endpoints = append(endpoints, "GET /api/transcripts")
	}
	return endpoints
}

// decodeBody 解析 JSON 请求体。空请求体视为空对象。
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || stdErrors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if stdErrors.As(err, &tooLarge) {
		s.writeMessage(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
		return false
	}
	s.writeMessage(w, http.StatusBadRequest, msgInvalidJSON)
	return false
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.handleNotFound(w, r)
		return
	}
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Claude Brain Backend is running!",
		"status":      "active",
		"timestamp":   timestamp(s.now()),
		"endpoints":   bannerEndpoints,
		"claudeReady": s.chat.Ready(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "active",
		"timestamp":   timestamp(s.now()),
		"claudeReady": s.chat.Ready(),
		"version":     s.cfg.Version,
		"features":    healthFeatures,
	})
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Test endpoint working!",
		"timestamp":   timestamp(s.now()),
		"claudeReady": s.chat.Ready(),
	})
}

// handleGenerate 处理 /api/generate。
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	var req chat.GenerationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	resp, err := s.chat.Generate(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type promptRequest struct {
	Prompt  string `json:"prompt"`
	Message string `json:"message"`
}

// handlePrompt 处理 /ask 与 /api/message 两个简化入口，共用匿名会话。
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	var req promptRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = req.Message
	}
	if strings.TrimSpace(prompt) == "" {
		s.writeMessage(w, http.StatusBadRequest, msgEmptyPrompt)
		return
	}

	resp, err := s.chat.Generate(r.Context(), chat.GenerationRequest{Message: prompt})
	if err != nil {
		if xerrors.HTTPStatusOf(err) == http.StatusTooManyRequests {
			s.writeError(w, err)
			return
		}
		body := errorBody{Error: msgPromptFailed}
		if s.cfg.Debug {
			body.Details = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"completion": resp.Response,
		"reply":      resp.Response,
	})
}

// handleValidateWallet 校验钱包地址并返回余额，始终返回 200。
func (s *Server) handleValidateWallet(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !stdErrors.Is(err, io.EOF) {
		s.invalidWallet(w, req.Address, err)
		return
	}

	key, err := solana.ValidateAddress(req.Address)
	if err != nil {
		s.invalidWallet(w, req.Address, err)
		return
	}
	if s.wallets == nil {
		s.invalidWallet(w, req.Address, stdErrors.New("未配置 Solana RPC"))
		return
	}

	balance, err := s.wallets.Balance(r.Context(), key.String())
	if err != nil {
		s.invalidWallet(w, req.Address, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"balance": json.Number(balance.SOL.String()),
		"address": key.String(),
	})
}

func (s *Server) invalidWallet(w http.ResponseWriter, address string, cause error) {
	s.log.Debug("钱包校验失败", slog.String("address", address), slog.Any("error", cause))
	writeJSON(w, http.StatusOK, map[string]any{
		"valid": false,
		"error": msgInvalidWallet,
	})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.prices == nil {
		s.writeMessage(w, http.StatusInternalServerError, msgPriceFailed)
		return
	}
	price, err := s.prices.SOLPrice(r.Context())
	if err != nil {
		s.log.Warn("获取 SOL 价格失败", slog.Any("error", err))
		s.writeMessage(w, http.StatusInternalServerError, msgPriceFailed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"price": json.Number(price.String())})
}

// handleTranscripts 返回最近的归档往返记录，limit 缺省为 20。
func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.chat.Transcripts(r.Context(), limit)
	if err != nil {
		s.log.Error("查询归档记录失败", slog.Any("error", err))
		s.writeMessage(w, xerrors.HTTPStatusOf(err), msgTranscriptsFailed)
		return
	}
	if records == nil {
		records = []archive.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transcripts": records,
		"count":       len(records),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":              msgEndpointNotFound,
		"path":               r.URL.RequestURI(),
		"method":             r.Method,
		"availableEndpoints": s.availableEndpoints(),
	})
}
