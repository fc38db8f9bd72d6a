package repository

import (
	"context"
	"time"

	"tush00nka/portal_chat/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository хранилище чатов и участников
type ChatRepository interface {
	Create(ctx context.Context, chat *model.Chat) error
	GetByID(ctx context.Context, chatID uint) (*model.Chat, error)
	FindDirect(ctx context.Context, user1ID, user2ID uint) (*model.Chat, error)
	Update(ctx context.Context, chat *model.Chat) error
	ListForUser(ctx context.Context, userID uint) ([]model.Chat, error)

	GetParticipant(ctx context.Context, chatID, userID uint) (*model.Participant, error)
	// SaveParticipant создает или обновляет членство; курсор прочтения и last_seen_at не перезаписываются
	SaveParticipant(ctx context.Context, p *model.Participant) error
	// AdvanceReadCursor двигает курсор прочтения только вперед, возвращает true если сдвинул
	AdvanceReadCursor(ctx context.Context, chatID, userID, messageID uint, sequence uint64) (bool, error)
	TouchLastSeen(ctx context.Context, userID uint, at time.Time) error
}

type chatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) Create(ctx context.Context, chat *model.Chat) error {
	return translate(r.db.WithContext(ctx).Create(chat).Error)
}

func (r *chatRepository) GetByID(ctx context.Context, chatID uint) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.WithContext(ctx).Preload("Participants").First(&chat, chatID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &chat, nil
}

func (r *chatRepository) FindDirect(ctx context.Context, user1ID, user2ID uint) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("direct_key = ?", model.DirectKeyFor(user1ID, user2ID)).
		First(&chat).Error
	if err != nil {
		return nil, translate(err)
	}
	return &chat, nil
}

// Update сохраняет поля чата. last_sequence и last_activity меняются только при добавлении сообщения
func (r *chatRepository) Update(ctx context.Context, chat *model.Chat) error {
	err := r.db.WithContext(ctx).
		Model(chat).
		Omit(clause.Associations).
		Select("name", "description", "settings", "is_archived", "is_pinned", "updated_at").
		Updates(chat).Error
	return translate(err)
}

func (r *chatRepository) ListForUser(ctx context.Context, userID uint) ([]model.Chat, error) {
	var chats []model.Chat
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Joins("JOIN participants ON participants.chat_id = chats.id").
		Where("participants.user_id = ? AND participants.is_active = ?", userID, true).
		Order("chats.is_pinned DESC, chats.last_activity DESC").
		Find(&chats).Error
	if err != nil {
		return nil, translate(err)
	}
	return chats, nil
}

func (r *chatRepository) GetParticipant(ctx context.Context, chatID, userID uint) (*model.Participant, error) {
	var p model.Participant
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// participantMutableColumns поля членства. Курсор прочтения двигает только AdvanceReadCursor,
// last_seen_at только TouchLastSeen
var participantMutableColumns = []string{
	"role", "permissions", "is_muted", "muted_until", "joined_at", "left_at", "is_active",
}

func (r *chatRepository) SaveParticipant(ctx context.Context, p *model.Participant) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(participantMutableColumns),
		}).
		Create(p).Error
	return translate(err)
}

func (r *chatRepository) AdvanceReadCursor(ctx context.Context, chatID, userID, messageID uint, sequence uint64) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Participant{}).
		Where("chat_id = ? AND user_id = ? AND last_read_sequence < ?", chatID, userID, sequence).
		Updates(map[string]any{
			"last_read_message_id": messageID,
			"last_read_sequence":   sequence,
		})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *chatRepository) TouchLastSeen(ctx context.Context, userID uint, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&model.Participant{}).
		Where("user_id = ?", userID).
		Update("last_seen_at", at).Error
	return translate(err)
}
