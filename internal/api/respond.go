package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	xerrors "agnt-platform/internal/errors"
	"agnt-platform/internal/llm"
	"agnt-platform/internal/orchestrator"
	"agnt-platform/pkg/logger"
)

const maxBodyBytes = 1 << 20

// errorBody 是所有错误响应的结构。
type errorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	Fallback string `json:"fallback,omitempty"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:       http.StatusBadRequest,
	xerrors.CodeUnauthenticated:       http.StatusUnauthorized,
	xerrors.CodeForbidden:             http.StatusForbidden,
	xerrors.CodeNotFound:              http.StatusNotFound,
	xerrors.CodeConflict:              http.StatusConflict,
	xerrors.CodeRateLimited:           http.StatusTooManyRequests,
	xerrors.CodeUpstreamUnavailable:   http.StatusBadGateway,
	xerrors.CodeInitializationFailure: http.StatusServiceUnavailable,
	xerrors.CodeTimeout:               http.StatusGatewayTimeout,
	llm.CodeModelBackendFailure:       http.StatusBadGateway,
	llm.CodeModelNotConfigured:        http.StatusServiceUnavailable,
	llm.CodeModelTimeout:              http.StatusGatewayTimeout,
}

// StatusFor 把错误码映射为 HTTP 状态码，未知错误为 500。
func StatusFor(err error) int {
	if status, ok := statusByCode[xerrors.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 输出错误响应。5xx 只返回对外文案，细节写入日志。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Error: publicMessage(err, status), Code: string(xerrors.CodeOf(err))}
	if fallback, ok := orchestrator.Fallback(err); ok {
		body.Fallback = fallback
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, body)
}

func publicMessage(err error, status int) string {
	switch xerrors.CodeOf(err) {
	case llm.CodeModelTimeout, llm.CodeModelBackendFailure:
		return "AI request failed. Try again."
	}
	coded, ok := xerrors.From(err)
	if !ok {
		return http.StatusText(status)
	}
	if status == http.StatusInternalServerError {
		return "Internal error"
	}
	return coded.Message()
}

func badRequest(message string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, message)
}

// decodeJSON 解析请求体，空请求体视为 {}。
func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Invalid JSON body")
	}
	return nil
}

// intQuery 读取整数查询参数，缺失或非法时返回默认值。
func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
