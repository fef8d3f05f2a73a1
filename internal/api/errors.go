package api

import (
	"encoding/json"
	"net/http"

	xerrors "HiveMind-Copilot/internal/errors"
	"HiveMind-Copilot/pkg/logger"
)

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// writeError 的状态码由错误码登记的属性决定，普通错误按 500 处理。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	body := errorBody{Code: string(code), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Metadata = e.Metadata()
	}
	status := xerrors.HTTPStatusOf(code)
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", "code", code, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
