package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tush00nka/portal_chat/internal/pkg/apperr"
	"tush00nka/portal_chat/internal/pkg/auth"
	"tush00nka/portal_chat/internal/pkg/httputils"
)

type PongResponse struct {
	Message string `json:"message"`
}

// Ping
// @Summary Пингануть сервер
// @Description Пингануть сервер
// @Tags system
// @Produce json
// @Success 200 {object} PongResponse
// @Router /ping [get]
func Ping(w http.ResponseWriter, r *http.Request) {
	httputils.ResponseJSON(w, http.StatusOK, PongResponse{Message: "Pong"})
}

// Unauthorized ответ middleware авторизации
func Unauthorized(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrNoToken) {
		httputils.ResponseError(w, http.StatusUnauthorized, "missing token")
		return
	}
	httputils.ResponseError(w, http.StatusUnauthorized, "invalid token")
}

// actor ID пользователя, проверенный middleware
func actor(r *http.Request) uint {
	id, _ := auth.UserFromContext(r.Context())
	return id
}

func pathID(r *http.Request, name string) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)[name], 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Validation(apperr.CodeInvalidInput, "invalid %s", name)
	}
	return uint(id), nil
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperr.Validation(apperr.CodeInvalidInput, "invalid %s", name)
	}
	return v, nil
}

// decode читает JSON тело; пустое тело оставляет v без изменений
func decode(r *http.Request, v any) error {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation(apperr.CodeInvalidInput, "invalid request format")
	}
	return nil
}
