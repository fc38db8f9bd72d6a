package repository

import (
	"context"
	"fmt"
	"strings"

	"tush00nka/portal_chat/internal/model"

	"gorm.io/gorm"
)

// UserRepository каталог пользователей портала, из него раскрываются адресаты объявлений
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, id uint) (*model.User, error)
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	Search(ctx context.Context, prompt string) ([]*model.User, error)
	ListIDs(ctx context.Context) ([]uint, error)
	ListIDsByRoles(ctx context.Context, roles []string) ([]uint, error)
}

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	user.EnsureDisplayName()
	return translate(r.db.WithContext(ctx).Create(user).Error)
}

func (r *userRepository) FindByID(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *userRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *userRepository) Search(ctx context.Context, prompt string) ([]*model.User, error) {
	var users []*model.User
	err := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("LOWER(username) LIKE ?", strings.ToLower(fmt.Sprint("%"+prompt+"%"))).
		Find(&users).Error
	if err != nil {
		return nil, translate(err)
	}
	return users, nil
}

func (r *userRepository) ListIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&model.User{}).Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, translate(err)
	}
	return ids, nil
}

func (r *userRepository) ListIDsByRoles(ctx context.Context, roles []string) ([]uint, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("role IN ?", roles).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, translate(err)
	}
	return ids, nil
}
