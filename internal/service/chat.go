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

// CreateChatInput параметры создания чата
type CreateChatInput struct {
	Type           model.ChatType       `json:"chatType"`
	ParticipantIDs []uint               `json:"participantIds"`
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	Settings       *model.SettingsPatch `json:"settings,omitempty"`
}

// UpdateInfoInput изменение названия и описания, nil поля не меняются
type UpdateInfoInput struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// chatService реализация ConversationService
type chatService struct {
	Deps
}

// NewConversationService создает новый экземпляр ConversationService
func NewConversationService(deps Deps) ConversationService {
	return &chatService{Deps: deps.withDefaults()}
}

// CreateChat создает чат. Для личного чата существующий чат пары возвращается с created=false
func (s *chatService) CreateChat(ctx context.Context, actorID uint, in CreateChatInput) (*model.Chat, bool, error) {
	if !in.Type.Valid() {
		return nil, false, apperr.Validation(apperr.CodeInvalidInput, "unknown chat type %q", in.Type)
	}

	// Уникальные участники без создателя
	others := make([]uint, 0, len(in.ParticipantIDs))
	for _, uid := range in.ParticipantIDs {
		if uid == 0 || uid == actorID || slices.Contains(others, uid) {
			continue
		}
		others = append(others, uid)
	}

	name := strings.TrimSpace(in.Name)

	switch in.Type {
	case model.ChatTypeDirect:
		if len(others) != 1 {
			return nil, false, apperr.Validation(apperr.CodeInvalidParticipantCount,
				"direct chat requires exactly one other participant, got %d", len(others))
		}
		existing, err := s.Repos.Chats.FindDirect(ctx, actorID, others[0])
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, false, apperr.Internal(err, "failed to look up direct chat")
		}
	case model.ChatTypeGroup, model.ChatTypeChannel:
		if name == "" {
			return nil, false, apperr.Validation(apperr.CodeNameRequired, "%s chat requires a name", in.Type)
		}
		if len(others) == 0 {
			return nil, false, apperr.Validation(apperr.CodeInvalidParticipantCount,
				"%s chat requires at least one other participant", in.Type)
		}
	case model.ChatTypeAnnouncement:
		if name == "" {
			return nil, false, apperr.Validation(apperr.CodeNameRequired, "announcement chat requires a name")
		}
	}

	settings := model.DefaultChatSettings(s.Options.MaxFileSize)
	if in.Settings != nil {
		if err := validateSettingsPatch(*in.Settings); err != nil {
			return nil, false, err
		}
		settings = settings.Merge(*in.Settings)
	}

	now := s.Now()
	chat := &model.Chat{
		Name:         name,
		Description:  strings.TrimSpace(in.Description),
		Type:         in.Type,
		CreatedByID:  actorID,
		Settings:     settings,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Type == model.ChatTypeDirect {
		key := model.DirectKeyFor(actorID, others[0])
		chat.DirectKey = &key
		chat.Name = ""
	}

	chat.Participants = append(chat.Participants, model.NewParticipant(0, actorID, in.Type, model.RoleOwner, now))
	for _, uid := range others {
		chat.Participants = append(chat.Participants, model.NewParticipant(0, uid, in.Type, model.RoleMember, now))
	}

	if err := s.Repos.Chats.Create(ctx, chat); err != nil {
		if errors.Is(err, apperr.ErrConflict) && chat.DirectKey != nil {
			// параллельное создание той же пары: побеждает первый
			existing, ferr := s.Repos.Chats.FindDirect(ctx, actorID, others[0])
			if ferr == nil {
				return existing, false, nil
			}
			return nil, false, apperr.Internal(ferr, "failed to load concurrently created direct chat")
		}
		return nil, false, apperr.Internal(err, "failed to create chat")
	}

	s.Logger.InfoContext(ctx, "chat created",
		"chat_id", chat.ID, "type", chat.Type, "creator_id", actorID, "participants", len(chat.Participants))
	for _, uid := range chat.ActiveUserIDs() {
		s.publishTo(events.TypeChatUpdated, chat.ID, chat, uid)
	}

	return chat, true, nil
}

// GetChat возвращает чат участнику
func (s *chatService) GetChat(ctx context.Context, actorID, chatID uint) (*model.Chat, error) {
	chat, _, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// ListChats возвращает чаты пользователя: закрепленные первыми, затем по активности
func (s *chatService) ListChats(ctx context.Context, actorID uint) ([]model.Chat, error) {
	chats, err := s.Repos.Chats.ListForUser(ctx, actorID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list chats")
	}
	return chats, nil
}

// AddParticipant добавляет участника; бывший участник восстанавливается в той же записи
func (s *chatService) AddParticipant(ctx context.Context, actorID, chatID, userID uint, role model.Role) (*model.Participant, error) {
	if userID == 0 {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "userID cannot be zero")
	}
	if role == "" {
		role = model.RoleMember
	}
	if !role.Valid() || role == model.RoleOwner {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "invalid role %q", role)
	}

	chat, actor, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if chat.Type == model.ChatTypeDirect {
		return nil, apperr.Consistency(apperr.CodeDirectImmutable, "direct chat participants cannot change")
	}
	if err := requirePermission(actor, model.PermAddParticipants); err != nil {
		return nil, err
	}

	now := s.Now()
	p, exists := chat.Participant(userID)
	switch {
	case exists && p.IsActive:
		return p, nil
	case exists:
		p.IsActive = true
		p.LeftAt = nil
		p.JoinedAt = now
		p.Role = role
		p.Permissions = model.DefaultPermissions(chat.Type, role)
	default:
		np := model.NewParticipant(chat.ID, userID, chat.Type, role, now)
		p = &np
	}

	if err := s.Repos.Chats.SaveParticipant(ctx, p); err != nil {
		return nil, apperr.Internal(err, "failed to save participant")
	}

	s.appendSystem(ctx, chat, actorID, model.SystemParticipantAdded, userID)
	s.publish(events.TypeParticipant, chat.ID, events.Participant{UserID: userID, Role: p.Role, Active: true})
	return p, nil
}

// RemoveParticipant исключает участника или выходит из чата (userID == actorID). Запись сохраняется
func (s *chatService) RemoveParticipant(ctx context.Context, actorID, chatID, userID uint) error {
	chat, actor, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return err
	}
	if chat.Type == model.ChatTypeDirect {
		return apperr.Consistency(apperr.CodeDirectImmutable, "direct chat participants cannot change")
	}

	target, ok := chat.Participant(userID)
	if !ok {
		return apperr.NotFound(apperr.CodeUserNotFound, "user %d is not in chat %d", userID, chatID)
	}
	if !target.IsActive {
		return nil
	}

	action := model.SystemParticipantLeft
	if userID != actorID {
		action = model.SystemParticipantRemoved
		if err := requirePermission(actor, model.PermRemoveParticipants); err != nil {
			return err
		}
		if target.Role == model.RoleOwner {
			return apperr.Permission(apperr.CodePermissionDenied, "chat owner cannot be removed")
		}
	}

	now := s.Now()
	target.IsActive = false
	target.LeftAt = &now
	if err := s.Repos.Chats.SaveParticipant(ctx, target); err != nil {
		return apperr.Internal(err, "failed to save participant")
	}

	s.appendSystem(ctx, chat, actorID, action, userID)
	s.publish(events.TypeParticipant, chat.ID, events.Participant{UserID: userID, Role: target.Role, Active: false})
	return nil
}

// UpdateSettings частично меняет настройки. Выключение возможности запрещает только новые действия
func (s *chatService) UpdateSettings(ctx context.Context, actorID, chatID uint, patch model.SettingsPatch) (*model.Chat, error) {
	if err := validateSettingsPatch(patch); err != nil {
		return nil, err
	}

	chat, actor, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if err := requirePermission(actor, model.PermEditChatInfo); err != nil {
		return nil, err
	}

	chat.Settings = chat.Settings.Merge(patch)
	return s.save(ctx, chat)
}

func (s *chatService) UpdateInfo(ctx context.Context, actorID, chatID uint, in UpdateInfoInput) (*model.Chat, error) {
	chat, actor, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if chat.Type == model.ChatTypeDirect {
		return nil, apperr.Consistency(apperr.CodeDirectImmutable, "direct chat has no name")
	}
	if err := requirePermission(actor, model.PermEditChatInfo); err != nil {
		return nil, err
	}

	renamed := false
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.Validation(apperr.CodeNameRequired, "%s chat requires a name", chat.Type)
		}
		renamed = name != chat.Name
		chat.Name = name
	}
	if in.Description != nil {
		chat.Description = strings.TrimSpace(*in.Description)
	}

	updated, err := s.save(ctx, chat)
	if err != nil {
		return nil, err
	}
	if renamed {
		s.appendSystem(ctx, updated, actorID, model.SystemChatRenamed)
	}
	return updated, nil
}

// SetArchived архивирует чат; в архивный чат нельзя писать
func (s *chatService) SetArchived(ctx context.Context, actorID, chatID uint, archived bool) (*model.Chat, error) {
	chat, actor, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if err := requirePermission(actor, model.PermEditChatInfo); err != nil {
		return nil, err
	}
	if chat.IsArchived == archived {
		return chat, nil
	}

	if archived {
		s.appendSystem(ctx, chat, actorID, model.SystemChatArchived)
	}
	chat.IsArchived = archived
	return s.save(ctx, chat)
}

func (s *chatService) SetPinned(ctx context.Context, actorID, chatID uint, pinned bool) (*model.Chat, error) {
	chat, actor, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if err := requirePermission(actor, model.PermEditChatInfo); err != nil {
		return nil, err
	}
	if chat.IsPinned == pinned {
		return chat, nil
	}

	chat.IsPinned = pinned
	return s.save(ctx, chat)
}

// Mute глушит уведомления чата для самого пользователя; until == nil значит бессрочно
func (s *chatService) Mute(ctx context.Context, actorID, chatID uint, until *time.Time) (*model.Participant, error) {
	_, p, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if until != nil && !until.After(s.Now()) {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "mute deadline is in the past")
	}

	p.IsMuted = true
	p.MutedUntil = until
	if err := s.Repos.Chats.SaveParticipant(ctx, p); err != nil {
		return nil, apperr.Internal(err, "failed to save participant")
	}
	return p, nil
}

func (s *chatService) Unmute(ctx context.Context, actorID, chatID uint) (*model.Participant, error) {
	_, p, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}

	p.IsMuted = false
	p.MutedUntil = nil
	if err := s.Repos.Chats.SaveParticipant(ctx, p); err != nil {
		return nil, apperr.Internal(err, "failed to save participant")
	}
	return p, nil
}

// UpdatePermissions явно задает права участника поверх ролевых по умолчанию
func (s *chatService) UpdatePermissions(ctx context.Context, actorID, chatID, userID uint, perms model.Permission) (*model.Participant, error) {
	chat, actor, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if err := requirePermission(actor, model.PermEditChatInfo|model.PermAddParticipants); err != nil {
		return nil, err
	}

	target, err := requireMember(chat, userID)
	if err != nil {
		return nil, err
	}
	if target.Role == model.RoleOwner && actor.Role != model.RoleOwner {
		return nil, apperr.Permission(apperr.CodePermissionDenied, "only the owner can change owner permissions")
	}

	target.Permissions = perms
	if err := s.Repos.Chats.SaveParticipant(ctx, target); err != nil {
		return nil, apperr.Internal(err, "failed to save participant")
	}

	s.publish(events.TypeParticipant, chat.ID, events.Participant{UserID: userID, Role: target.Role, Active: true})
	return target, nil
}

func (s *chatService) RecordLastSeen(ctx context.Context, userID uint, at time.Time) error {
	if err := s.Repos.Chats.TouchLastSeen(ctx, userID, at); err != nil {
		return apperr.Internal(err, "failed to record last seen for user %d", userID)
	}
	return nil
}

func (s *chatService) save(ctx context.Context, chat *model.Chat) (*model.Chat, error) {
	chat.UpdatedAt = s.Now()
	if err := s.Repos.Chats.Update(ctx, chat); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeChatNotFound, "chat %d not found", chat.ID)
		}
		return nil, apperr.Internal(err, "failed to update chat %d", chat.ID)
	}

	s.publish(events.TypeChatUpdated, chat.ID, chat)
	return chat, nil
}

// appendSystem пишет системное сообщение в ленту. Сбой не отменяет основное действие
func (s *chatService) appendSystem(ctx context.Context, chat *model.Chat, actorID uint, action model.SystemAction, targets ...uint) {
	if chat.Type == model.ChatTypeDirect {
		return
	}

	now := s.Now()
	msg := &model.Message{
		ChatID:         chat.ID,
		SenderID:       actorID,
		Type:           model.MessageTypeSystem,
		Payload:        model.NewPayload(model.SystemPayload{Action: action, ActorID: actorID, TargetIDs: targets}),
		DeliveryStatus: model.StatusSent,
		DeletedFor:     model.DeletedForNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.appendMessage(ctx, msg); err != nil {
		s.Logger.WarnContext(ctx, "failed to append system message",
			"chat_id", chat.ID, "action", action, "error", err)
		return
	}
	s.publish(events.TypeMessage, chat.ID, msg)
}

func validateSettingsPatch(p model.SettingsPatch) error {
	if p.RetentionDays != nil && *p.RetentionDays < 0 {
		return apperr.Validation(apperr.CodeInvalidInput, "retentionDays cannot be negative")
	}
	if p.MaxFileSize != nil && *p.MaxFileSize < 0 {
		return apperr.Validation(apperr.CodeInvalidInput, "maxFileSize cannot be negative")
	}
	return nil
}
