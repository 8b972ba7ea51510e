package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/cors"

	xerrors "ClaudeBrain/internal/errors"
	"ClaudeBrain/internal/observability/metrics"
)

const requestIDHeader = "X-Request-ID"

// knownRoutes 是指标 handler 标签的取值范围，其余路径记为 unmatched。
var knownRoutes = map[string]struct{}{
	"/":                           {},
	"/api/health":                 {},
	"/api/test":                   {},
	"/api/generate":               {},
	"/api/message":                {},
	"/ask":                        {},
	"/api/solana/validate-wallet": {},
	"/api/solana/price":           {},
	"/api/transcripts":            {},
	"/metrics":                    {},
}

func routeLabel(path string) string {
	if _, ok := knownRoutes[path]; ok {
		return path
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status = http.StatusOK
		r.wrote = true
	}
	return r.ResponseWriter.Write(b)
}

// withRequestLog 记录请求日志与 HTTP 指标，并为每个请求分配 request id。
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := s.now()
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := s.now().Sub(started)
		metrics.ObserveHTTPRequest(routeLabel(r.URL.Path), r.Method, rec.status, duration)
		s.log.Info("http request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", duration),
			slog.String("client_ip", clientIP(r, s.cfg.TrustProxy)),
		)
	})
}

// withRecovery 捕获处理过程中的 panic，返回 500。
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			s.log.Error("请求处理发生 panic",
				slog.String("path", r.URL.Path),
				slog.Any("panic", recovered))
			body := errorBody{Error: "Something went wrong!"}
			if s.cfg.Debug {
				body.Details = fmt.Sprint(recovered)
			}
			writeJSON(w, http.StatusInternalServerError, body)
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	allowAll := false
	for _, origin := range s.cfg.CORSOrigins {
		if origin == "*" {
			allowAll = true
			break
		}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: !allowAll,
	}).Handler(next)
}

// withRateLimit 只对 /api/ 前缀生效。
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !s.limiter.allow(clientIP(r, s.cfg.TrustProxy)) {
			s.writeError(w, xerrors.New(xerrors.CodeRateLimited, ""))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
