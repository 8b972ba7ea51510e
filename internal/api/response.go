package api

import (
	"encoding/json"
	"net/http"
	"time"

	"ClaudeBrain/internal/chat"
	xerrors "ClaudeBrain/internal/errors"
)

const retryAfterSeconds = 60

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody 是所有失败响应的统一结构。
type errorBody struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// writeError 把统一错误码渲染为状态码与 JSON。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	body := errorBody{Error: xerrors.AttributesOf(xerrors.CodeUnknown).Message}
	if coded, ok := xerrors.From(err); ok {
		body.Error = coded.Message()
		if s.cfg.Debug {
			body.Details = coded.Detail()
		}
	} else if s.cfg.Debug && err != nil {
		body.Details = err.Error()
	}
	if status == http.StatusTooManyRequests {
		body.RetryAfter = retryAfterSeconds
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, body)
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func timestamp(t time.Time) string {
	return chat.FormatTimestamp(t)
}
