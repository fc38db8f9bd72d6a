package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"tush00nka/portal_chat/internal/events"
	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
)

var announcementPriorities = []string{"low", "normal", "high", "urgent"}

// CreateAnnouncementInput параметры объявления
type CreateAnnouncementInput struct {
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Priority  string         `json:"priority"`
	Audience  model.Audience `json:"audience"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

// announcementService объявления портала
type announcementService struct {
	Deps
}

func NewAnnouncementService(deps Deps) AnnouncementService {
	return &announcementService{Deps: deps.withDefaults()}
}

// Create публикует объявление. Для аудитории chat-members нужно право create-announcements в чате,
// для остальных аудиторий автор должен быть администратором портала
func (s *announcementService) Create(ctx context.Context, actorID uint, in CreateAnnouncementInput) (*model.Announcement, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, apperr.Validation(apperr.CodeNameRequired, "announcement requires a title")
	}
	if in.Priority == "" {
		in.Priority = "normal"
	}
	if !slices.Contains(announcementPriorities, in.Priority) {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "unknown priority %q", in.Priority)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.Now()) {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "announcement already expired")
	}
	if err := validateAudience(in.Audience); err != nil {
		return nil, err
	}

	var chat *model.Chat
	if in.Audience.Kind == model.AudienceChatMembers {
		c, author, err := s.membership(ctx, in.Audience.ChatID, actorID)
		if err != nil {
			return nil, err
		}
		if err := requirePermission(author, model.PermCreateAnnouncements); err != nil {
			return nil, err
		}
		if c.IsArchived {
			return nil, apperr.Consistency(apperr.CodeChatArchived, "chat %d is archived", c.ID)
		}
		chat = c
	} else if err := s.requirePortalAdmin(ctx, actorID); err != nil {
		return nil, err
	}

	now := s.Now()
	a := &model.Announcement{
		Title:     in.Title,
		Content:   in.Content,
		AuthorID:  actorID,
		Priority:  in.Priority,
		Audience:  in.Audience,
		ExpiresAt: in.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Repos.Announcements.Create(ctx, a); err != nil {
		return nil, apperr.Internal(err, "failed to create announcement")
	}

	if chat != nil {
		// в чате объявление видно как сообщение ленты
		msg := &model.Message{
			ChatID:         chat.ID,
			SenderID:       actorID,
			Type:           model.MessageTypeAnnouncement,
			Content:        a.Title,
			Payload:        model.NewPayload(model.AnnouncementPayload{AnnouncementID: a.ID, Priority: a.Priority}),
			DeliveryStatus: model.StatusSent,
			DeletedFor:     model.DeletedForNone,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.appendMessage(ctx, msg); err != nil {
			s.Logger.WarnContext(ctx, "failed to post announcement into chat",
				"announcement_id", a.ID, "chat_id", chat.ID, "error", err)
		} else {
			s.publish(events.TypeMessage, chat.ID, msg)
		}
	}

	recipients, err := s.recipients(ctx, a.Audience)
	if err != nil {
		s.Logger.WarnContext(ctx, "failed to resolve announcement audience", "announcement_id", a.ID, "error", err)
	} else if len(recipients) > 0 {
		s.publishTo(events.TypeAnnouncement, 0, a, recipients...)
	}

	s.Logger.InfoContext(ctx, "announcement created",
		"announcement_id", a.ID, "author_id", actorID, "audience", a.Audience.Kind, "priority", a.Priority)
	return a, nil
}

// MarkRead отмечает объявление прочитанным; повтор ничего не меняет
func (s *announcementService) MarkRead(ctx context.Context, actorID, announcementID uint) error {
	a, err := s.load(ctx, announcementID)
	if err != nil {
		return err
	}

	recipients, err := s.recipients(ctx, a.Audience)
	if err != nil {
		return err
	}
	if !slices.Contains(recipients, actorID) {
		return apperr.Permission(apperr.CodePermissionDenied, "user %d is not in the audience of announcement %d", actorID, a.ID)
	}

	_, err = s.Repos.Announcements.MarkRead(ctx, &model.AnnouncementReceipt{
		AnnouncementID: a.ID,
		UserID:         actorID,
		ReadAt:         s.Now(),
	})
	if err != nil {
		return apperr.Internal(err, "failed to mark announcement read")
	}
	return nil
}

// Stats доля прочитавших среди адресатов; доступна автору и администраторам
func (s *announcementService) Stats(ctx context.Context, actorID, announcementID uint) (*model.AnnouncementStats, error) {
	a, err := s.load(ctx, announcementID)
	if err != nil {
		return nil, err
	}
	if a.AuthorID != actorID {
		if err := s.requirePortalAdmin(ctx, actorID); err != nil {
			return nil, err
		}
	}

	recipients, err := s.recipients(ctx, a.Audience)
	if err != nil {
		return nil, err
	}
	receipts, err := s.Repos.Announcements.ListReceipts(ctx, a.ID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load announcement receipts")
	}

	stats := model.ComputeAnnouncementStats(a.ID, recipients, receipts)
	return &stats, nil
}

func (s *announcementService) load(ctx context.Context, id uint) (*model.Announcement, error) {
	a, err := s.Repos.Announcements.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeAnnouncementNotFound, "announcement %d not found", id)
		}
		return nil, apperr.Internal(err, "failed to load announcement %d", id)
	}
	return a, nil
}

func (s *announcementService) requirePortalAdmin(ctx context.Context, userID uint) error {
	user, err := s.Repos.Users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Permission(apperr.CodePermissionDenied, "user %d is not in the directory", userID)
		}
		return apperr.Internal(err, "failed to load user %d", userID)
	}
	if !user.IsAdmin && user.Role != "admin" && user.Role != "owner" {
		return apperr.Permission(apperr.CodePermissionDenied, "only portal administrators can publish announcements")
	}
	return nil
}

// recipients раскрывает аудиторию в список пользователей
func (s *announcementService) recipients(ctx context.Context, audience model.Audience) ([]uint, error) {
	var (
		ids []uint
		err error
	)

	switch audience.Kind {
	case model.AudienceEveryone:
		ids, err = s.Repos.Users.ListIDs(ctx)
	case model.AudienceSpecific:
		ids = slices.Clone(audience.UserIDs)
	case model.AudienceRole:
		ids, err = s.Repos.Users.ListIDsByRoles(ctx, audience.Roles)
	case model.AudienceChatMembers:
		chat, cerr := s.loadChat(ctx, audience.ChatID)
		if cerr != nil {
			return nil, cerr
		}
		ids = chat.ActiveUserIDs()
	default:
		return nil, apperr.Validation(apperr.CodeInvalidInput, "unknown audience %q", audience.Kind)
	}
	if err != nil {
		return nil, apperr.Internal(err, "failed to resolve audience")
	}

	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func validateAudience(a model.Audience) error {
	if !a.Kind.Valid() {
		return apperr.Validation(apperr.CodeInvalidInput, "unknown audience %q", a.Kind)
	}
	switch a.Kind {
	case model.AudienceSpecific:
		if len(a.UserIDs) == 0 {
			return apperr.Validation(apperr.CodeInvalidInput, "specific audience requires userIds")
		}
	case model.AudienceRole:
		if len(a.Roles) == 0 {
			return apperr.Validation(apperr.CodeInvalidInput, "role audience requires roles")
		}
	case model.AudienceChatMembers:
		if a.ChatID == 0 {
			return apperr.Validation(apperr.CodeInvalidInput, "chat-members audience requires chatId")
		}
	}
	return nil
}
