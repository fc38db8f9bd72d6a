package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tush00nka/portal_chat/internal/pkg/apperr"
	"tush00nka/portal_chat/internal/pkg/httputils"
	"tush00nka/portal_chat/internal/service"
	"tush00nka/portal_chat/internal/ws"
)

type WSHandler struct {
	hub        *ws.Hub
	dispatcher ws.Handler
	chats      service.ConversationService
	upgrader   *websocket.Upgrader
	logger     *slog.Logger
}

func NewWSHandler(hub *ws.Hub, dispatcher ws.Handler, chats service.ConversationService,
	upgrader *websocket.Upgrader, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: hub, dispatcher: dispatcher, chats: chats, upgrader: upgrader, logger: logger}
}

func (h *WSHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws", h.serveWS).Methods(http.MethodGet)
}

// @Summary Chat events
// @Description WebSocket with chat events. Token may be passed as ?token= for browsers
// @ID chat-ws
// @Tags realtime
// @Security BearerAuth
// @Param chat_id query int true "Chat ID"
// @Success 101
// @Failure 403 {object} response.ErrorResponse
// @Router /ws [get]
func (h *WSHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	chatID, err := queryUint(r, "chat_id")
	if err == nil && chatID == 0 {
		err = apperr.Validation(apperr.CodeInvalidInput, "chat_id is required")
	}
	if err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	userID := actor(r)
	// подключаться могут только участники
	if _, err := h.chats.GetChat(r.Context(), userID, uint(chatID)); err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "chat_id", chatID, "user_id", userID, "error", err)
		return
	}

	h.hub.Serve(r.Context(), conn, uint(chatID), userID, h.dispatcher)
}
