package service

import (
	"context"
	"errors"
	"strings"

	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
	"tush00nka/portal_chat/internal/pkg/auth"
)

const defaultDirectoryRole = "employee"

// userService каталог пользователей портала
type userService struct {
	Deps
}

func NewUserService(deps Deps) UserService {
	return &userService{Deps: deps.withDefaults()}
}

func (s *userService) Register(ctx context.Context, user *model.User) error {
	user.Username = strings.TrimSpace(user.Username)
	if user.Username == "" {
		return apperr.Validation(apperr.CodeInvalidInput, "username is required")
	}
	if user.Role == "" {
		user.Role = defaultDirectoryRole
	}
	if user.Password != "" {
		hash, err := auth.HashPassword(user.Password)
		if err != nil {
			return apperr.Internal(err, "failed to generate password hash")
		}
		user.Password = hash
	}

	if err := s.Repos.Users.Create(ctx, user); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return apperr.Consistency(apperr.CodeUsernameTaken, "user with username %s exists", user.Username)
		}
		return apperr.Internal(err, "failed to create user")
	}
	return nil
}

// Login проверяет пароль пользователя каталога
func (s *userService) Login(ctx context.Context, username, password string) (*model.User, error) {
	user, err := s.Repos.Users.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Permission(apperr.CodeBadCredentials, "wrong username or password")
		}
		return nil, apperr.Internal(err, "failed to load user")
	}
	if user.Password == "" || !auth.CheckPasswordHash(password, user.Password) {
		return nil, apperr.Permission(apperr.CodeBadCredentials, "wrong username or password")
	}
	return user, nil
}

func (s *userService) GetUserByID(ctx context.Context, id uint) (*model.User, error) {
	if id == 0 {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "invalid user ID")
	}

	user, err := s.Repos.Users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeUserNotFound, "user %d not found", id)
		}
		return nil, apperr.Internal(err, "failed to load user")
	}
	return user, nil
}

func (s *userService) SearchUsers(ctx context.Context, prompt string) ([]*model.User, error) {
	users, err := s.Repos.Users.Search(ctx, strings.TrimSpace(prompt))
	if err != nil {
		return nil, apperr.Internal(err, "failed to search users")
	}
	return users, nil
}
