package repository

import (
	"context"
	"slices"
	"strings"

	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository журнал сообщений чата
type MessageRepository interface {
	// Append атомарно выделяет следующий номер последовательности чата и сохраняет сообщение.
	// Для ответа в ветке в той же транзакции растут счетчики корня
	Append(ctx context.Context, msg *model.Message) error
	GetByID(ctx context.Context, messageID uint) (*model.Message, error)
	FindByClientToken(ctx context.Context, chatID, senderID uint, token string) (*model.Message, error)
	// Update сохраняет изменяемые поля. Статус доставки меняет только PromoteStatus,
	// счетчики треда только Append ответа. Для сообщения, удаленного для всех, возвращает ErrConflict
	Update(ctx context.Context, msg *model.Message) error
	// List возвращает до limit сообщений основной ленты с номером меньше beforeSeq
	// (0 значит с конца) в порядке возрастания номера
	List(ctx context.Context, chatID uint, beforeSeq uint64, limit int) ([]model.Message, error)
	ListThread(ctx context.Context, rootID uint) ([]model.Message, error)
	Search(ctx context.Context, chatID uint, query string, limit int) ([]model.Message, error)
	CountUnread(ctx context.Context, chatID, userID uint, afterSeq uint64) (int64, error)
	// PromoteStatus поднимает статус чужих сообщений с номером <= upToSeq, возвращает ID поднятых
	PromoteStatus(ctx context.Context, chatID uint, upToSeq uint64, readerID uint, to model.DeliveryStatus) ([]uint, error)
}

type messageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Append(ctx context.Context, msg *model.Message) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// строка чата блокируется до конца транзакции: один источник номеров на чат
		var seq uint64
		err := tx.Raw(
			"UPDATE chats SET last_sequence = last_sequence + 1, last_activity = ? WHERE id = ? RETURNING last_sequence",
			msg.CreatedAt, msg.ChatID,
		).Scan(&seq).Error
		if err != nil {
			return err
		}
		if seq == 0 {
			return apperr.ErrNotFound
		}

		msg.Sequence = seq
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if msg.ThreadID == nil {
			return nil
		}

		res := tx.Model(&model.Message{}).
			Where("id = ? AND chat_id = ?", *msg.ThreadID, msg.ChatID).
			Updates(map[string]any{
				"thread_replies_count": gorm.Expr("thread_replies_count + 1"),
				"last_thread_reply":    msg.CreatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrNotFound
		}
		return nil
	})
	return translate(err)
}

func (r *messageRepository) GetByID(ctx context.Context, messageID uint) (*model.Message, error) {
	var msg model.Message
	if err := r.db.WithContext(ctx).First(&msg, messageID).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

func (r *messageRepository) FindByClientToken(ctx context.Context, chatID, senderID uint, token string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND sender_id = ? AND client_token = ?", chatID, senderID, token).
		First(&msg).Error
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// messageMutableColumns поля, которые меняют правка, удаление, закрепление и отметка упоминания.
// Счетчики треда пишет только Append ответа, статус доставки только PromoteStatus
var messageMutableColumns = []string{
	"content", "payload", "attachments", "mentions",
	"is_pinned", "pinned_by_id", "pinned_reason", "pinned_at",
	"is_edited", "edit_history",
	"is_deleted", "deleted_for", "deleted_at",
	"updated_at",
}

func (r *messageRepository) Update(ctx context.Context, msg *model.Message) error {
	// удаленное для всех сообщение больше не меняется
	res := r.db.WithContext(ctx).
		Model(msg).
		Select(messageMutableColumns).
		Where("deleted_for <> ?", model.DeletedForEveryone).
		Updates(msg)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrConflict
	}
	return nil
}

func (r *messageRepository) List(ctx context.Context, chatID uint, beforeSeq uint64, limit int) ([]model.Message, error) {
	q := r.db.WithContext(ctx).
		Where("chat_id = ? AND thread_id IS NULL", chatID)
	if beforeSeq > 0 {
		q = q.Where("sequence < ?", beforeSeq)
	}

	var messages []model.Message
	if err := q.Order("sequence DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, translate(err)
	}

	slices.Reverse(messages)
	return messages, nil
}

func (r *messageRepository) ListThread(ctx context.Context, rootID uint) ([]model.Message, error) {
	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("thread_id = ?", rootID).
		Order("sequence ASC").
		Find(&messages).Error
	if err != nil {
		return nil, translate(err)
	}
	return messages, nil
}

func (r *messageRepository) Search(ctx context.Context, chatID uint, query string, limit int) ([]model.Message, error) {
	pattern := "%" + strings.ToLower(query) + "%"

	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND deleted_for <> ? AND LOWER(content) LIKE ?", chatID, model.DeletedForEveryone, pattern).
		Order("sequence DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, translate(err)
	}
	return messages, nil
}

func (r *messageRepository) CountUnread(ctx context.Context, chatID, userID uint, afterSeq uint64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("chat_id = ? AND sequence > ? AND sender_id <> ? AND deleted_for <> ?",
			chatID, afterSeq, userID, model.DeletedForEveryone).
		Count(&count).Error
	if err != nil {
		return 0, translate(err)
	}
	return count, nil
}

func (r *messageRepository) PromoteStatus(ctx context.Context, chatID uint, upToSeq uint64, readerID uint, to model.DeliveryStatus) ([]uint, error) {
	below := to.Below()
	if len(below) == 0 {
		return nil, nil
	}

	// условие на текущий статус в самом UPDATE: статус не откатывается при гонке
	var promoted []model.Message
	err := r.db.WithContext(ctx).
		Model(&promoted).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}}}).
		Where("chat_id = ? AND sequence <= ? AND sender_id <> ? AND delivery_status IN ?",
			chatID, upToSeq, readerID, below).
		Update("delivery_status", to).Error
	if err != nil {
		return nil, translate(err)
	}

	ids := make([]uint, 0, len(promoted))
	for _, m := range promoted {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
