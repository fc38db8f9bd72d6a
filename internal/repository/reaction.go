package repository

import (
	"context"

	"tush00nka/portal_chat/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReactionRepository набор реакций; агрегаты строятся из него на лету
type ReactionRepository interface {
	// Add возвращает false, если такая реакция уже есть
	Add(ctx context.Context, r *model.Reaction) (bool, error)
	// Remove возвращает false, если реакции не было
	Remove(ctx context.Context, messageID, userID uint, emoji string) (bool, error)
	ListByMessage(ctx context.Context, messageID uint) ([]model.Reaction, error)
	ListByMessages(ctx context.Context, messageIDs []uint) (map[uint][]model.Reaction, error)
	DeleteByMessage(ctx context.Context, messageID uint) error
}

type reactionRepository struct {
	db *gorm.DB
}

func NewReactionRepository(db *gorm.DB) ReactionRepository {
	return &reactionRepository{db: db}
}

func (r *reactionRepository) Add(ctx context.Context, reaction *model.Reaction) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(reaction)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *reactionRepository) Remove(ctx context.Context, messageID, userID uint, emoji string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&model.Reaction{})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *reactionRepository) ListByMessage(ctx context.Context, messageID uint) ([]model.Reaction, error) {
	var reactions []model.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Find(&reactions).Error
	if err != nil {
		return nil, translate(err)
	}
	return reactions, nil
}

func (r *reactionRepository) ListByMessages(ctx context.Context, messageIDs []uint) (map[uint][]model.Reaction, error) {
	result := make(map[uint][]model.Reaction)
	if len(messageIDs) == 0 {
		return result, nil
	}

	var reactions []model.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("created_at ASC").
		Find(&reactions).Error
	if err != nil {
		return nil, translate(err)
	}

	for _, reaction := range reactions {
		result[reaction.MessageID] = append(result[reaction.MessageID], reaction)
	}
	return result, nil
}

func (r *reactionRepository) DeleteByMessage(ctx context.Context, messageID uint) error {
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Delete(&model.Reaction{}).Error
	return translate(err)
}
