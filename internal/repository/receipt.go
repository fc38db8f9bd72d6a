package repository

import (
	"context"

	"tush00nka/portal_chat/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReceiptRepository отметки о прочтении
type ReceiptRepository interface {
	// Upsert сохраняет отметку; при повторе остается максимальное время прочтения
	Upsert(ctx context.Context, receipts []model.ReadReceipt) error
	ListByMessage(ctx context.Context, messageID uint) ([]model.ReadReceipt, error)
}

type receiptRepository struct {
	db *gorm.DB
}

func NewReceiptRepository(db *gorm.DB) ReceiptRepository {
	return &receiptRepository{db: db}
}

func (r *receiptRepository) Upsert(ctx context.Context, receipts []model.ReadReceipt) error {
	if len(receipts) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"read_at": gorm.Expr("GREATEST(read_receipts.read_at, excluded.read_at)"),
			}),
		}).
		CreateInBatches(receipts, 200).Error
	return translate(err)
}

func (r *receiptRepository) ListByMessage(ctx context.Context, messageID uint) ([]model.ReadReceipt, error) {
	var receipts []model.ReadReceipt
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("read_at ASC").
		Find(&receipts).Error
	if err != nil {
		return nil, translate(err)
	}
	return receipts, nil
}
