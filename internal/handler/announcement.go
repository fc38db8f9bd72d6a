package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"tush00nka/portal_chat/api/response"
	"tush00nka/portal_chat/internal/pkg/httputils"
	"tush00nka/portal_chat/internal/service"
)

type AnnouncementHandler struct {
	announcements service.AnnouncementService
	logger        *slog.Logger
}

func NewAnnouncementHandler(announcements service.AnnouncementService, logger *slog.Logger) *AnnouncementHandler {
	return &AnnouncementHandler{announcements: announcements, logger: logger}
}

func (h *AnnouncementHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/announcements", h.create).Methods(http.MethodPost)
	router.HandleFunc("/announcements/{id:[0-9]+}/read", h.markRead).Methods(http.MethodPost)
	router.HandleFunc("/announcements/{id:[0-9]+}/stats", h.stats).Methods(http.MethodGet)
}

// @Summary Create announcement
// @ID create-announcement
// @Tags announcements
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body service.CreateAnnouncementInput true "Announcement"
// @Success 201 {object} model.Announcement
// @Failure 403 {object} response.ErrorResponse
// @Router /announcements [post]
func (h *AnnouncementHandler) create(w http.ResponseWriter, r *http.Request) {
	var in service.CreateAnnouncementInput
	if err := decode(r, &in); err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	a, err := h.announcements.Create(r.Context(), actor(r), in)
	if err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusCreated, a)
}

// @Summary Mark announcement read
// @ID read-announcement
// @Tags announcements
// @Produce json
// @Security BearerAuth
// @Param id path int true "Announcement ID"
// @Success 200 {object} response.MessageResponse
// @Router /announcements/{id}/read [post]
func (h *AnnouncementHandler) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	if err := h.announcements.MarkRead(r.Context(), actor(r), id); err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, response.MessageResponse{Message: "ok"})
}

// @Summary Announcement stats
// @Description Read ratio across the audience
// @ID announcement-stats
// @Tags announcements
// @Produce json
// @Security BearerAuth
// @Param id path int true "Announcement ID"
// @Success 200 {object} model.AnnouncementStats
// @Router /announcements/{id}/stats [get]
func (h *AnnouncementHandler) stats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}

	stats, err := h.announcements.Stats(r.Context(), actor(r), id)
	if err != nil {
		httputils.ResponseAppError(w, h.logger, err)
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, stats)
}
