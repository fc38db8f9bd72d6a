package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tush00nka/portal_chat/internal/events"
	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
	"tush00nka/portal_chat/internal/pkg/locks"
	"tush00nka/portal_chat/internal/pkg/metrics"
	"tush00nka/portal_chat/internal/repository"
)

const (
	DefaultForwardMaxDepth = 5
	DefaultPageLimit       = 50
	MaxPageLimit           = 200
)

// Options параметры ядра чата из конфигурации
type Options struct {
	ForwardMaxDepth int
	MaxFileSize     int64
}

// Deps общие зависимости сервисов
type Deps struct {
	Repos     repository.Repositories
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Locks     *locks.Keyed
	Now       func() time.Time
	Options   Options
	// Uploader хранилище вложений, может отсутствовать
	Uploader Uploader
}

func (d Deps) withDefaults() Deps {
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Locks == nil {
		d.Locks = locks.NewKeyed()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Options.ForwardMaxDepth <= 0 {
		d.Options.ForwardMaxDepth = DefaultForwardMaxDepth
	}
	return d
}

// Services все сервисы ядра, собранные на общих зависимостях
type Services struct {
	Conversations ConversationService
	Messages      MessageService
	Reactions     ReactionService
	Reads         ReadTracker
	Announcements AnnouncementService
	Users         UserService
	Attachments   AttachmentService
}

func New(deps Deps) Services {
	deps = deps.withDefaults()
	return Services{
		Conversations: NewConversationService(deps),
		Messages:      NewMessageService(deps),
		Reactions:     NewReactionService(deps),
		Reads:         NewReadTracker(deps),
		Announcements: NewAnnouncementService(deps),
		Users:         NewUserService(deps),
		Attachments:   NewAttachmentService(deps),
	}
}

func (d Deps) loadChat(ctx context.Context, chatID uint) (*model.Chat, error) {
	chat, err := d.Repos.Chats.GetByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeChatNotFound, "chat %d not found", chatID)
		}
		return nil, apperr.Internal(err, "failed to load chat %d", chatID)
	}
	return chat, nil
}

func (d Deps) loadMessage(ctx context.Context, messageID uint) (*model.Message, error) {
	msg, err := d.Repos.Messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeMessageNotFound, "message %d not found", messageID)
		}
		return nil, apperr.Internal(err, "failed to load message %d", messageID)
	}
	return msg, nil
}

// mutateMessage перечитывает сообщение под блокировкой его чата и применяет fn.
// Если fn вернула changed, изменения сохраняются до снятия блокировки
func (d Deps) mutateMessage(ctx context.Context, messageID uint, fn func(msg *model.Message) (bool, error)) (*model.Message, bool, error) {
	msg, err := d.loadMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}

	unlock := d.Locks.Lock(msg.ChatID)
	defer unlock()

	msg, err = d.loadMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	changed, err := fn(msg)
	if err != nil || !changed {
		return msg, false, err
	}

	if err := d.Repos.Messages.Update(ctx, msg); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, false, apperr.Consistency(apperr.CodeMessageDeleted, "message %d is deleted", messageID)
		}
		return nil, false, apperr.Internal(err, "failed to save message %d", messageID)
	}
	return msg, true, nil
}

// membership загружает чат и активного участника
func (d Deps) membership(ctx context.Context, chatID, userID uint) (*model.Chat, *model.Participant, error) {
	chat, err := d.loadChat(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	p, err := requireMember(chat, userID)
	if err != nil {
		return nil, nil, err
	}
	return chat, p, nil
}

func requireMember(chat *model.Chat, userID uint) (*model.Participant, error) {
	p, ok := chat.Participant(userID)
	if !ok || !p.IsActive {
		return nil, apperr.Permission(apperr.CodeNotParticipant, "user %d is not a participant of chat %d", userID, chat.ID)
	}
	return p, nil
}

func requirePermission(p *model.Participant, perm model.Permission) error {
	if !p.Can(perm) {
		return apperr.Permission(apperr.CodePermissionDenied, "missing permission %v", perm.Names())
	}
	return nil
}

// publish рассылает событие всем участникам чата
func (d Deps) publish(t events.Type, chatID uint, data any) {
	d.Publisher.Publish(events.Event{Type: t, ChatID: chatID, Data: data})
}

func (d Deps) publishTo(t events.Type, chatID uint, data any, recipients ...uint) {
	d.Publisher.Publish(events.Event{Type: t, ChatID: chatID, Data: data, Recipients: recipients})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}
