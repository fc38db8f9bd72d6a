package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"tush00nka/portal_chat/internal/grouping"
	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
	"tush00nka/portal_chat/internal/pkg/httputils"
	"tush00nka/portal_chat/internal/service"
)

// multipartOverhead запас на заголовки multipart сверх размера файла
const multipartOverhead = 1 << 20

// PresenceView состояние присутствия для REST
type PresenceView interface {
	OnlineUsers(chatID uint) []uint
	TypingUsers(chatID uint) []uint
}

// ChatOptions параметры отображения истории
type ChatOptions struct {
	GroupWindow time.Duration
	MaxFileSize int64
}

type ChatHandler struct {
	chats       service.ConversationService
	messages    service.MessageService
	reads       service.ReadTracker
	attachments service.AttachmentService
	presence    PresenceView
	opts        ChatOptions
	logger      *slog.Logger
}

func NewChatHandler(svc service.Services, presence PresenceView, opts ChatOptions, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		chats:       svc.Conversations,
		messages:    svc.Messages,
		reads:       svc.Reads,
		attachments: svc.Attachments,
		presence:    presence,
		opts:        opts,
		logger:      logger,
	}
}

func (h *ChatHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/chats", h.createChat).Methods(http.MethodPost)
	router.HandleFunc("/chats", h.listChats).Methods(http.MethodGet)
	router.HandleFunc("/chats/unread", h.unreadSummary).Methods(http.MethodGet)
	router.HandleFunc("/chats/{id:[0-9]+}", h.getChat).Methods(http.MethodGet)
	router.HandleFunc("/chats/{id:[0-9]+}", h.updateInfo).Methods(http.MethodPatch)
	router.HandleFunc("/chats/{id:[0-9]+}/settings", h.updateSettings).Methods(http.MethodPatch)
	router.HandleFunc("/chats/{id:[0-9]+}/archive", h.archive).Methods(http.MethodPost)
	router.HandleFunc("/chats/{id:[0-9]+}/pin", h.pin).Methods(http.MethodPost)
	router.HandleFunc("/chats/{id:[0-9]+}/mute", h.mute).Methods(http.MethodPost)
	router.HandleFunc("/chats/{id:[0-9]+}/mute", h.unmute).Methods(http.MethodDelete)
	router.HandleFunc("/chats/{id:[0-9]+}/participants", h.addParticipant).Methods(http.MethodPost)
	router.HandleFunc("/chats/{id:[0-9]+}/participants/{userID:[0-9]+}", h.removeParticipant).Methods(http.MethodDelete)
	router.HandleFunc("/chats/{id:[0-9]+}/participants/{userID:[0-9]+}/permissions", h.updatePermissions).Methods(http.MethodPut)
	router.HandleFunc("/chats/{id:[0-9]+}/messages", h.listMessages).Methods(http.MethodGet)
	router.HandleFunc("/chats/{id:[0-9]+}/messages", h.sendMessage).Methods(http.MethodPost)
	router.HandleFunc("/chats/{id:[0-9]+}/search", h.searchMessages).Methods(http.MethodGet)
	router.HandleFunc("/chats/{id:[0-9]+}/read", h.markRead).Methods(http.MethodPost)
	router.HandleFunc("/chats/{id:[0-9]+}/delivered", h.ackDelivered).Methods(http.MethodPost)
	router.HandleFunc("/chats/{id:[0-9]+}/unread", h.unreadCount).Methods(http.MethodGet)
	router.HandleFunc("/chats/{id:[0-9]+}/presence", h.chatPresence).Methods(http.MethodGet)
	router.HandleFunc("/chats/{id:[0-9]+}/attachments", h.uploadAttachment).Methods(http.MethodPost)
}

func (h *ChatHandler) fail(w http.ResponseWriter, err error) {
	httputils.ResponseAppError(w, h.logger, err)
}

// @Summary Create chat
// @Description Create a chat. A direct chat with the same pair is returned as is
// @ID create-chat
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param chatData body service.CreateChatInput true "Chat data"
// @Success 201 {object} model.Chat
// @Success 200 {object} model.Chat
// @Failure 400 {object} response.ErrorResponse
// @Router /chats [post]
func (h *ChatHandler) createChat(w http.ResponseWriter, r *http.Request) {
	var in service.CreateChatInput
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}

	chat, created, err := h.chats.CreateChat(r.Context(), actor(r), in)
	if err != nil {
		h.fail(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputils.ResponseJSON(w, status, chat)
}

// @Summary List chats
// @ID list-chats
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Success 200 {array} model.Chat
// @Router /chats [get]
func (h *ChatHandler) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chats.ListChats(r.Context(), actor(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, chats)
}

// @Summary Get chat
// @ID get-chat
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Success 200 {object} model.Chat
// @Failure 403 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /chats/{id} [get]
func (h *ChatHandler) getChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	chat, err := h.chats.GetChat(r.Context(), actor(r), chatID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, chat)
}

// @Summary Update chat info
// @ID update-chat-info
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param info body service.UpdateInfoInput true "Name and description"
// @Success 200 {object} model.Chat
// @Router /chats/{id} [patch]
func (h *ChatHandler) updateInfo(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var in service.UpdateInfoInput
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}

	chat, err := h.chats.UpdateInfo(r.Context(), actor(r), chatID, in)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, chat)
}

// @Summary Update chat settings
// @ID update-chat-settings
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param settings body model.SettingsPatch true "Settings patch"
// @Success 200 {object} model.Chat
// @Router /chats/{id}/settings [patch]
func (h *ChatHandler) updateSettings(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var patch model.SettingsPatch
	if err := decode(r, &patch); err != nil {
		h.fail(w, err)
		return
	}

	chat, err := h.chats.UpdateSettings(r.Context(), actor(r), chatID, patch)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, chat)
}

type toggleRequest struct {
	Value *bool `json:"value,omitempty"`
}

// on значение флага; без тела запроса включает
func (t toggleRequest) on() bool {
	return t.Value == nil || *t.Value
}

// @Summary Archive chat
// @Description Archive or restore a chat. Body {"value": false} restores it
// @ID archive-chat
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Success 200 {object} model.Chat
// @Router /chats/{id}/archive [post]
func (h *ChatHandler) archive(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req toggleRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}

	chat, err := h.chats.SetArchived(r.Context(), actor(r), chatID, req.on())
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, chat)
}

// @Summary Pin chat
// @ID pin-chat
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Success 200 {object} model.Chat
// @Router /chats/{id}/pin [post]
func (h *ChatHandler) pin(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req toggleRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}

	chat, err := h.chats.SetPinned(r.Context(), actor(r), chatID, req.on())
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, chat)
}

type muteRequest struct {
	Until *time.Time `json:"until,omitempty"`
}

// @Summary Mute chat
// @ID mute-chat
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Success 200 {object} model.Participant
// @Router /chats/{id}/mute [post]
func (h *ChatHandler) mute(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req muteRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}

	p, err := h.chats.Mute(r.Context(), actor(r), chatID, req.Until)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, p)
}

// @Summary Unmute chat
// @ID unmute-chat
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Success 200 {object} model.Participant
// @Router /chats/{id}/mute [delete]
func (h *ChatHandler) unmute(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	p, err := h.chats.Unmute(r.Context(), actor(r), chatID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, p)
}

type addParticipantRequest struct {
	UserID uint       `json:"userId"`
	Role   model.Role `json:"role"`
}

// @Summary Add participant
// @ID add-participant
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param participant body addParticipantRequest true "Participant"
// @Success 201 {object} model.Participant
// @Router /chats/{id}/participants [post]
func (h *ChatHandler) addParticipant(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req addParticipantRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}

	p, err := h.chats.AddParticipant(r.Context(), actor(r), chatID, req.UserID, req.Role)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusCreated, p)
}

// @Summary Remove participant
// @Description Remove a participant or leave the chat
// @ID remove-participant
// @Tags chats
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param userID path int true "User ID"
// @Success 204
// @Router /chats/{id}/participants/{userID} [delete]
func (h *ChatHandler) removeParticipant(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	userID, err := pathID(r, "userID")
	if err != nil {
		h.fail(w, err)
		return
	}

	if err := h.chats.RemoveParticipant(r.Context(), actor(r), chatID, userID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionsRequest struct {
	Permissions model.Permission `json:"permissions"`
}

// @Summary Update participant permissions
// @ID update-permissions
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param userID path int true "User ID"
// @Success 200 {object} model.Participant
// @Router /chats/{id}/participants/{userID}/permissions [put]
func (h *ChatHandler) updatePermissions(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	userID, err := pathID(r, "userID")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req permissionsRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}

	p, err := h.chats.UpdatePermissions(r.Context(), actor(r), chatID, userID, req.Permissions)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, p)
}

// MessagesResponse страница истории и ее разбиение на группы для отображения
type MessagesResponse struct {
	Messages []model.Message `json:"messages"`
	Groups   []grouping.Group `json:"groups"`
}

// @Summary Get messages
// @Description Page of chat history, oldest first, with display groups
// @ID get-messages
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param before query int false "Return messages with sequence below this"
// @Param limit query int false "Page size"
// @Success 200 {object} MessagesResponse
// @Router /chats/{id}/messages [get]
func (h *ChatHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	before, err := queryUint(r, "before")
	if err != nil {
		h.fail(w, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		h.fail(w, err)
		return
	}

	userID := actor(r)
	chat, err := h.chats.GetChat(r.Context(), userID, chatID)
	if err != nil {
		h.fail(w, err)
		return
	}
	msgs, err := h.messages.List(r.Context(), userID, chatID, service.Page{BeforeSeq: before, Limit: int(limit)})
	if err != nil {
		h.fail(w, err)
		return
	}

	opts := grouping.Options{Window: h.opts.GroupWindow, ViewerID: userID}
	if p, ok := chat.Participant(userID); ok {
		opts.LastReadSequence = p.LastReadSequence
	}

	httputils.ResponseJSON(w, http.StatusOK, MessagesResponse{
		Messages: msgs,
		Groups:   grouping.Split(msgs, opts),
	})
}

// @Summary Send message
// @Description Send message to chat
// @ID send-message
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param messageData body service.SendInput true "Message data"
// @Success 201 {object} model.Message
// @Failure 400 {object} response.ErrorResponse
// @Failure 403 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /chats/{id}/messages [post]
func (h *ChatHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var in service.SendInput
	if err := decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}
	if in.ChatID != 0 && in.ChatID != chatID {
		h.fail(w, apperr.Validation(apperr.CodeInvalidInput, "chatId does not match the path"))
		return
	}
	in.ChatID = chatID

	msg, err := h.messages.Send(r.Context(), actor(r), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusCreated, msg)
}

// @Summary Search messages
// @ID search-messages
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param q query string true "Query"
// @Param limit query int false "Limit"
// @Success 200 {array} model.Message
// @Router /chats/{id}/search [get]
func (h *ChatHandler) searchMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		h.fail(w, err)
		return
	}

	msgs, err := h.messages.Search(r.Context(), actor(r), chatID, r.URL.Query().Get("q"), int(limit))
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, msgs)
}

type markRequest struct {
	ChatID        uint `json:"chatId"`
	LastMessageID uint `json:"lastMessageId"`
}

type MarkReadResponse struct {
	Moved  bool  `json:"moved"`
	Unread int64 `json:"unread"`
}

// @Summary Mark chat read
// @Description Move the read cursor up to lastMessageId. Older positions are ignored
// @ID mark-read
// @Tags reads
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param body body markRequest true "Read position"
// @Success 200 {object} MarkReadResponse
// @Router /chats/{id}/read [post]
func (h *ChatHandler) markRead(w http.ResponseWriter, r *http.Request) {
	chatID, req, ok := h.markInput(w, r)
	if !ok {
		return
	}

	userID := actor(r)
	moved, err := h.reads.MarkRead(r.Context(), userID, chatID, req.LastMessageID)
	if err != nil {
		h.fail(w, err)
		return
	}
	unread, err := h.reads.UnreadCount(r.Context(), userID, chatID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, MarkReadResponse{Moved: moved, Unread: unread})
}

type DeliveredResponse struct {
	MessageIDs []uint `json:"messageIds"`
}

// @Summary Acknowledge delivery
// @ID ack-delivered
// @Tags reads
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param body body markRequest true "Delivered position"
// @Success 200 {object} DeliveredResponse
// @Router /chats/{id}/delivered [post]
func (h *ChatHandler) ackDelivered(w http.ResponseWriter, r *http.Request) {
	chatID, req, ok := h.markInput(w, r)
	if !ok {
		return
	}

	ids, err := h.messages.AckDelivered(r.Context(), actor(r), chatID, req.LastMessageID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if ids == nil {
		ids = []uint{}
	}
	httputils.ResponseJSON(w, http.StatusOK, DeliveredResponse{MessageIDs: ids})
}

func (h *ChatHandler) markInput(w http.ResponseWriter, r *http.Request) (uint, markRequest, bool) {
	var req markRequest
	chatID, err := pathID(r, "id")
	if err == nil {
		err = decode(r, &req)
	}
	if err == nil && req.LastMessageID == 0 {
		err = apperr.Validation(apperr.CodeInvalidInput, "lastMessageId is required")
	}
	if err == nil && req.ChatID != 0 && req.ChatID != chatID {
		err = apperr.Validation(apperr.CodeInvalidInput, "chatId does not match the path")
	}
	if err != nil {
		h.fail(w, err)
		return 0, req, false
	}
	return chatID, req, true
}

type UnreadResponse struct {
	ChatID uint  `json:"chatId"`
	Unread int64 `json:"unread"`
}

// @Summary Unread count
// @ID unread-count
// @Tags reads
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Success 200 {object} UnreadResponse
// @Router /chats/{id}/unread [get]
func (h *ChatHandler) unreadCount(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	n, err := h.reads.UnreadCount(r.Context(), actor(r), chatID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, UnreadResponse{ChatID: chatID, Unread: n})
}

// @Summary Unread summary
// @Description Unread counts for every chat of the user
// @ID unread-summary
// @Tags reads
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]int64
// @Router /chats/unread [get]
func (h *ChatHandler) unreadSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reads.UnreadSummary(r.Context(), actor(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, summary)
}

type PresenceResponse struct {
	Online []uint `json:"online"`
	Typing []uint `json:"typing"`
}

// @Summary Chat presence
// @ID chat-presence
// @Tags presence
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Success 200 {object} PresenceResponse
// @Router /chats/{id}/presence [get]
func (h *ChatHandler) chatPresence(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	if _, err := h.chats.GetChat(r.Context(), actor(r), chatID); err != nil {
		h.fail(w, err)
		return
	}

	resp := PresenceResponse{Online: []uint{}, Typing: []uint{}}
	if h.presence != nil {
		resp.Online = append(resp.Online, h.presence.OnlineUsers(chatID)...)
		resp.Typing = append(resp.Typing, h.presence.TypingUsers(chatID)...)
	}
	httputils.ResponseJSON(w, http.StatusOK, resp)
}

// @Summary Upload attachment
// @Description Store a file and return the attachment descriptor for a following send
// @ID upload-attachment
// @Tags messages
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param file formData file true "File"
// @Success 201 {object} model.Attachment
// @Failure 400 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /chats/{id}/attachments [post]
func (h *ChatHandler) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	if h.opts.MaxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxFileSize+multipartOverhead)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, apperr.Validation(apperr.CodeInvalidInput, "multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	if h.opts.MaxFileSize > 0 && header.Size > h.opts.MaxFileSize {
		h.fail(w, apperr.Validation(apperr.CodeAttachmentTooLarge, "attachment %q is %s, limit is %s",
			header.Filename, humanize.Bytes(uint64(header.Size)), humanize.Bytes(uint64(h.opts.MaxFileSize))))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	att, err := h.attachments.Upload(r.Context(), actor(r), chatID, file, service.UploadInput{
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusCreated, att)
}
