package repository

import (
	"context"

	"tush00nka/portal_chat/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnnouncementRepository объявления и отметки об их прочтении
type AnnouncementRepository interface {
	Create(ctx context.Context, a *model.Announcement) error
	GetByID(ctx context.Context, id uint) (*model.Announcement, error)
	// MarkRead возвращает false, если пользователь уже читал объявление
	MarkRead(ctx context.Context, receipt *model.AnnouncementReceipt) (bool, error)
	ListReceipts(ctx context.Context, id uint) ([]model.AnnouncementReceipt, error)
}

type announcementRepository struct {
	db *gorm.DB
}

func NewAnnouncementRepository(db *gorm.DB) AnnouncementRepository {
	return &announcementRepository{db: db}
}

func (r *announcementRepository) Create(ctx context.Context, a *model.Announcement) error {
	return translate(r.db.WithContext(ctx).Create(a).Error)
}

func (r *announcementRepository) GetByID(ctx context.Context, id uint) (*model.Announcement, error) {
	var a model.Announcement
	if err := r.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

func (r *announcementRepository) MarkRead(ctx context.Context, receipt *model.AnnouncementReceipt) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(receipt)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *announcementRepository) ListReceipts(ctx context.Context, id uint) ([]model.AnnouncementReceipt, error) {
	var receipts []model.AnnouncementReceipt
	err := r.db.WithContext(ctx).
		Where("announcement_id = ?", id).
		Find(&receipts).Error
	if err != nil {
		return nil, translate(err)
	}
	return receipts, nil
}
