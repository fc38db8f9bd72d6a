package httputils

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"tush00nka/portal_chat/api/response"
	"tush00nka/portal_chat/internal/pkg/apperr"
)

func ResponseError(w http.ResponseWriter, errorCode int, errorMessage string) {
	ResponseJSON(w, errorCode, response.ErrorResponse{
		Message: errorMessage,
	})
}

// ResponseAppError переводит ошибку ядра в HTTP статус и {code, message}
func ResponseAppError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := StatusFor(err)

	var appErr *apperr.Error
	body := response.ErrorResponse{Code: apperr.CodeInternal, Message: "internal error"}
	if errors.As(err, &appErr) {
		body.Code = appErr.Code
		if status < http.StatusInternalServerError || appErr.Kind == apperr.KindDelivery {
			body.Message = appErr.Message
		}
	}

	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "code", body.Code, "error", err)
	}

	ResponseJSON(w, status, body)
}

func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindConsistency:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindDelivery:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func ResponseJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
