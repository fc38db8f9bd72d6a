package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
	"tush00nka/portal_chat/internal/pkg/httputils"
	"tush00nka/portal_chat/internal/service"
)

type MessageHandler struct {
	messages  service.MessageService
	reactions service.ReactionService
	reads     service.ReadTracker
	logger    *slog.Logger
}

func NewMessageHandler(svc service.Services, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		messages:  svc.Messages,
		reactions: svc.Reactions,
		reads:     svc.Reads,
		logger:    logger,
	}
}

func (h *MessageHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/messages/{id:[0-9]+}", h.getMessage).Methods(http.MethodGet)
	router.HandleFunc("/messages/{id:[0-9]+}", h.editMessage).Methods(http.MethodPatch)
	router.HandleFunc("/messages/{id:[0-9]+}", h.deleteMessage).Methods(http.MethodDelete)
	router.HandleFunc("/messages/{id:[0-9]+}/forward", h.forwardMessage).Methods(http.MethodPost)
	router.HandleFunc("/messages/{id:[0-9]+}/pin", h.pinMessage).Methods(http.MethodPost)
	router.HandleFunc("/messages/{id:[0-9]+}/pin", h.unpinMessage).Methods(http.MethodDelete)
	router.HandleFunc("/messages/{id:[0-9]+}/mention-read", h.markMentionRead).Methods(http.MethodPost)
	router.HandleFunc("/messages/{id:[0-9]+}/readers", h.readers).Methods(http.MethodGet)
	router.HandleFunc("/messages/{id:[0-9]+}/reactions", h.reactionsOf).Methods(http.MethodGet)
	router.HandleFunc("/messages/{id:[0-9]+}/reactions", h.addReaction).Methods(http.MethodPost)
	router.HandleFunc("/messages/{id:[0-9]+}/reactions", h.removeReaction).Methods(http.MethodDelete)
	router.HandleFunc("/messages/{id:[0-9]+}/thread", h.threadReplies).Methods(http.MethodGet)
	router.HandleFunc("/messages/{id:[0-9]+}/thread", h.replyInThread).Methods(http.MethodPost)
}

func (h *MessageHandler) fail(w http.ResponseWriter, err error) {
	httputils.ResponseAppError(w, h.logger, err)
}

// @Summary Get message
// @ID get-message
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param id path int true "Message ID"
// @Success 200 {object} model.Message
// @Failure 404 {object} response.ErrorResponse
// @Router /messages/{id} [get]
func (h *MessageHandler) getMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	msg, err := h.messages.Get(r.Context(), actor(r), messageID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, msg)
}

type editRequest struct {
	Content string `json:"content"`
}

// @Summary Edit message
// @ID edit-message
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Message ID"
// @Param body body editRequest true "New content"
// @Success 200 {object} model.Message
// @Failure 403 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Router /messages/{id} [patch]
func (h *MessageHandler) editMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req editRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}

	msg, err := h.messages.Edit(r.Context(), actor(r), messageID, req.Content)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, msg)
}

// @Summary Delete message
// @Description Delete for the sender only or for everyone
// @ID delete-message
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param id path int true "Message ID"
// @Param scope query string false "sender or everyone" default(everyone)
// @Success 200 {object} model.Message
// @Router /messages/{id} [delete]
func (h *MessageHandler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	scope := model.DeletedFor(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = model.DeletedForEveryone
	}

	msg, err := h.messages.Delete(r.Context(), actor(r), messageID, scope)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, msg)
}

type forwardRequest struct {
	TargetChatID uint `json:"targetChatId"`
}

// @Summary Forward message
// @ID forward-message
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Message ID"
// @Param body body forwardRequest true "Target chat"
// @Success 201 {object} model.Message
// @Router /messages/{id}/forward [post]
func (h *MessageHandler) forwardMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req forwardRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if req.TargetChatID == 0 {
		h.fail(w, apperr.Validation(apperr.CodeInvalidInput, "targetChatId is required"))
		return
	}

	msg, err := h.messages.Forward(r.Context(), actor(r), messageID, req.TargetChatID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusCreated, msg)
}

type pinRequest struct {
	Reason string `json:"reason"`
}

// @Summary Pin message
// @ID pin-message
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Message ID"
// @Success 200 {object} model.Message
// @Router /messages/{id}/pin [post]
func (h *MessageHandler) pinMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req pinRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}

	msg, err := h.messages.Pin(r.Context(), actor(r), messageID, req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, msg)
}

// @Summary Unpin message
// @ID unpin-message
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param id path int true "Message ID"
// @Success 200 {object} model.Message
// @Router /messages/{id}/pin [delete]
func (h *MessageHandler) unpinMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	msg, err := h.messages.Unpin(r.Context(), actor(r), messageID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, msg)
}

// @Summary Mark mention read
// @ID mention-read
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param id path int true "Message ID"
// @Success 200 {object} model.Message
// @Router /messages/{id}/mention-read [post]
func (h *MessageHandler) markMentionRead(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	msg, err := h.messages.MarkMentionRead(r.Context(), actor(r), messageID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, msg)
}

// @Summary Message readers
// @ID message-readers
// @Tags reads
// @Produce json
// @Security BearerAuth
// @Param id path int true "Message ID"
// @Success 200 {array} int
// @Router /messages/{id}/readers [get]
func (h *MessageHandler) readers(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	ids, err := h.reads.Readers(r.Context(), actor(r), messageID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if ids == nil {
		ids = []uint{}
	}
	httputils.ResponseJSON(w, http.StatusOK, ids)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

// @Summary Message reactions
// @Description Reactions grouped by emoji
// @ID get-reactions
// @Tags reactions
// @Produce json
// @Security BearerAuth
// @Param id path int true "Message ID"
// @Success 200 {array} model.ReactionGroup
// @Router /messages/{id}/reactions [get]
func (h *MessageHandler) reactionsOf(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	groups, err := h.reactions.Reactions(r.Context(), actor(r), messageID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, groups)
}

// @Summary Add reaction
// @ID add-reaction
// @Tags reactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Message ID"
// @Param body body reactionRequest true "Emoji"
// @Success 200 {array} model.ReactionGroup
// @Router /messages/{id}/reactions [post]
func (h *MessageHandler) addReaction(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req reactionRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}

	groups, err := h.reactions.AddReaction(r.Context(), actor(r), messageID, req.Emoji)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, groups)
}

// @Summary Remove reaction
// @ID remove-reaction
// @Tags reactions
// @Produce json
// @Security BearerAuth
// @Param id path int true "Message ID"
// @Param emoji query string false "Emoji, may be sent in the body instead"
// @Success 200 {array} model.ReactionGroup
// @Router /messages/{id}/reactions [delete]
func (h *MessageHandler) removeReaction(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	req := reactionRequest{Emoji: r.URL.Query().Get("emoji")}
	if req.Emoji == "" {
		if err := decode(r, &req); err != nil {
			h.fail(w, err)
			return
		}
	}

	groups, err := h.reactions.RemoveReaction(r.Context(), actor(r), messageID, req.Emoji)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, groups)
}

// @Summary Thread replies
// @ID thread-replies
// @Tags threads
// @Produce json
// @Security BearerAuth
// @Param id path int true "Root message ID"
// @Success 200 {array} model.Message
// @Router /messages/{id}/thread [get]
func (h *MessageHandler) threadReplies(w http.ResponseWriter, r *http.Request) {
	rootID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	msgs, err := h.reactions.ThreadReplies(r.Context(), actor(r), rootID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, msgs)
}

// @Summary Reply in thread
// @ID reply-in-thread
// @Tags threads
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Root message ID"
// @Param messageData body service.SendInput true "Reply"
// @Success 201 {object} model.Message
// @Router /messages/{id}/thread [post]
func (h *MessageHandler) replyInThread(w http.ResponseWriter, r *http.Request) {
	rootID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var in service.SendInput
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}

	msg, err := h.reactions.ReplyInThread(r.Context(), actor(r), rootID, in)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusCreated, msg)
}
