package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"tush00nka/portal_chat/api/response"
	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
	"tush00nka/portal_chat/internal/pkg/auth"
	"tush00nka/portal_chat/internal/pkg/httputils"
	"tush00nka/portal_chat/internal/service"
)

type UserHandler struct {
	userService service.UserService
	tokens      *auth.Manager
	logger      *slog.Logger
}

func NewUserHandler(userService service.UserService, tokens *auth.Manager, logger *slog.Logger) *UserHandler {
	return &UserHandler{userService: userService, tokens: tokens, logger: logger}
}

// RegisterPublicRoutes маршруты без токена
func (h *UserHandler) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/users/register", h.registerUser).Methods(http.MethodPost)
	router.HandleFunc("/users/login", h.loginUser).Methods(http.MethodPost)
}

func (h *UserHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users/me", h.me).Methods(http.MethodGet)
	router.HandleFunc("/users/search", h.searchUsers).Methods(http.MethodGet)
	router.HandleFunc("/users/{id:[0-9]+}", h.getUser).Methods(http.MethodGet)
}

type RegisterRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	DisplayName     string `json:"displayName"`
	Role            string `json:"role"`
}

// @Summary Register
// @Description Register an account in the portal directory
// @ID register
// @Tags users
// @Accept json
// @Produce json
// @Param registerData body RegisterRequest true "Register data"
// @Success 201 {object} response.TokenResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Router /users/register [post]
func (h *UserHandler) registerUser(w http.ResponseWriter, r *http.Request) {
	var request RegisterRequest
	if err := decode(r, &request); err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	if strings.TrimSpace(request.Username) == "" || request.Password == "" {
		httputils.ResponseError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if request.Password != request.ConfirmPassword {
		httputils.ResponseError(w, http.StatusBadRequest, "Passwords do not match")
		return
	}

	user := &model.User{
		Username:    request.Username,
		Password:    request.Password,
		DisplayName: request.DisplayName,
		Role:        request.Role,
	}
	if err := h.userService.Register(r.Context(), user); err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	h.respondToken(w, http.StatusCreated, user.ID)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// @Summary Login
// @Description Log into account
// @ID login
// @Tags users
// @Accept json
// @Produce json
// @Param loginData body LoginRequest true "Login data"
// @Success 200 {object} response.TokenResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 401 {object} response.ErrorResponse
// @Router /users/login [post]
func (h *UserHandler) loginUser(w http.ResponseWriter, r *http.Request) {
	var request LoginRequest
	if err := decode(r, &request); err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	if request.Username == "" || request.Password == "" {
		httputils.ResponseError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user, err := h.userService.Login(r.Context(), request.Username, request.Password)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeBadCredentials) {
			httputils.ResponseError(w, http.StatusUnauthorized, "Wrong username or password")
			return
		}
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	h.respondToken(w, http.StatusOK, user.ID)
}

func (h *UserHandler) respondToken(w http.ResponseWriter, status int, userID uint) {
	token, err := h.tokens.GenerateToken(userID)
	if err != nil {
		h.logger.Error("failed to generate token", "user_id", userID, "error", err)
		httputils.ResponseError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	httputils.ResponseJSON(w, status, response.TokenResponse{Token: token})
}

// @Summary Current user
// @ID me
// @Tags users
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.User
// @Router /users/me [get]
func (h *UserHandler) me(w http.ResponseWriter, r *http.Request) {
	user, err := h.userService.GetUserByID(r.Context(), actor(r))
	if err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, user)
}

// @Summary Get user
// @Description Get user by id
// @ID get-user
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param id path int true "User ID"
// @Success 200 {object} model.User
// @Failure 404 {object} response.ErrorResponse
// @Router /users/{id} [get]
func (h *UserHandler) getUser(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	user, err := h.userService.GetUserByID(r.Context(), userID)
	if err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	httputils.ResponseJSON(w, http.StatusOK, user)
}

// @Summary Search users
// @Description Search users by username or display name
// @ID search-user
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param q query string true "Search prompt"
// @Success 200 {array} model.User
// @Router /users/search [get]
func (h *UserHandler) searchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.userService.SearchUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	httputils.ResponseJSON(w, http.StatusOK, users)
}
