package service

import (
	"context"
	"io"
	"time"

	"tush00nka/portal_chat/internal/model"
)

type ConversationService interface {
	CreateChat(ctx context.Context, actorID uint, in CreateChatInput) (*model.Chat, bool, error)
	GetChat(ctx context.Context, actorID, chatID uint) (*model.Chat, error)
	ListChats(ctx context.Context, actorID uint) ([]model.Chat, error)
	AddParticipant(ctx context.Context, actorID, chatID, userID uint, role model.Role) (*model.Participant, error)
	RemoveParticipant(ctx context.Context, actorID, chatID, userID uint) error
	UpdateSettings(ctx context.Context, actorID, chatID uint, patch model.SettingsPatch) (*model.Chat, error)
	UpdateInfo(ctx context.Context, actorID, chatID uint, in UpdateInfoInput) (*model.Chat, error)
	SetArchived(ctx context.Context, actorID, chatID uint, archived bool) (*model.Chat, error)
	SetPinned(ctx context.Context, actorID, chatID uint, pinned bool) (*model.Chat, error)
	Mute(ctx context.Context, actorID, chatID uint, until *time.Time) (*model.Participant, error)
	Unmute(ctx context.Context, actorID, chatID uint) (*model.Participant, error)
	UpdatePermissions(ctx context.Context, actorID, chatID, userID uint, perms model.Permission) (*model.Participant, error)
	// RecordLastSeen фиксирует время последнего присутствия пользователя
	RecordLastSeen(ctx context.Context, userID uint, at time.Time) error
}

type MessageService interface {
	Send(ctx context.Context, actorID uint, in SendInput) (*model.Message, error)
	Get(ctx context.Context, actorID, messageID uint) (*model.Message, error)
	List(ctx context.Context, actorID, chatID uint, page Page) ([]model.Message, error)
	Search(ctx context.Context, actorID, chatID uint, query string, limit int) ([]model.Message, error)
	AckDelivered(ctx context.Context, actorID, chatID, upToMessageID uint) ([]uint, error)
	Edit(ctx context.Context, actorID, messageID uint, content string) (*model.Message, error)
	Delete(ctx context.Context, actorID, messageID uint, scope model.DeletedFor) (*model.Message, error)
	Forward(ctx context.Context, actorID, messageID, targetChatID uint) (*model.Message, error)
	Pin(ctx context.Context, actorID, messageID uint, reason string) (*model.Message, error)
	Unpin(ctx context.Context, actorID, messageID uint) (*model.Message, error)
	MarkMentionRead(ctx context.Context, actorID, messageID uint) (*model.Message, error)
}

type ReactionService interface {
	AddReaction(ctx context.Context, actorID, messageID uint, emoji string) ([]model.ReactionGroup, error)
	RemoveReaction(ctx context.Context, actorID, messageID uint, emoji string) ([]model.ReactionGroup, error)
	Reactions(ctx context.Context, actorID, messageID uint) ([]model.ReactionGroup, error)
	ReplyInThread(ctx context.Context, actorID, rootMessageID uint, in SendInput) (*model.Message, error)
	ThreadReplies(ctx context.Context, actorID, rootMessageID uint) ([]model.Message, error)
}

type ReadTracker interface {
	MarkRead(ctx context.Context, actorID, chatID, messageID uint) (bool, error)
	UnreadCount(ctx context.Context, actorID, chatID uint) (int64, error)
	UnreadSummary(ctx context.Context, actorID uint) (map[uint]int64, error)
	Readers(ctx context.Context, actorID, messageID uint) ([]uint, error)
}

type AnnouncementService interface {
	Create(ctx context.Context, actorID uint, in CreateAnnouncementInput) (*model.Announcement, error)
	MarkRead(ctx context.Context, actorID, announcementID uint) error
	Stats(ctx context.Context, actorID, announcementID uint) (*model.AnnouncementStats, error)
}

type UserService interface {
	Register(ctx context.Context, user *model.User) error
	Login(ctx context.Context, username, password string) (*model.User, error)
	GetUserByID(ctx context.Context, id uint) (*model.User, error)
	SearchUsers(ctx context.Context, prompt string) ([]*model.User, error)
}

type AttachmentService interface {
	Upload(ctx context.Context, actorID, chatID uint, file io.Reader, in UploadInput) (*model.Attachment, error)
}
