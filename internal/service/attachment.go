package service

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
)

var errNoUploader = errors.New("attachment storage is not configured")

// UploadInput метаданные загружаемого файла
type UploadInput struct {
	Filename    string
	ContentType string
	Size        int64
}

// attachmentService проверяет файл по настройкам чата и отдает его в хранилище
type attachmentService struct {
	Deps
}

func NewAttachmentService(deps Deps) AttachmentService {
	return &attachmentService{Deps: deps.withDefaults()}
}

// Upload возвращает дескриптор для последующей отправки сообщения с вложением
func (s *attachmentService) Upload(ctx context.Context, actorID, chatID uint, file io.Reader, in UploadInput) (*model.Attachment, error) {
	in.Filename = path.Base(strings.TrimSpace(in.Filename))
	if in.Filename == "" || in.Filename == "." || in.Filename == "/" {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "file name is required")
	}

	chat, sender, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if !chat.Settings.AllowFileSharing {
		return nil, apperr.Consistency(apperr.CodeFilesDisabled, "file sharing is disabled in chat %d", chat.ID)
	}
	if err := requirePermission(sender, model.PermAttachFiles); err != nil {
		return nil, err
	}
	format := strings.TrimPrefix(strings.ToLower(path.Ext(in.Filename)), ".")
	if err := checkFile(chat, in.Filename, format, in.Size); err != nil {
		return nil, err
	}

	if s.Uploader == nil {
		return nil, apperr.Delivery(errNoUploader, "attachment storage is unavailable")
	}
	att, err := s.Uploader.Upload(ctx, file, in.Filename, in.ContentType, in.Size, chat.ID)
	if err != nil {
		s.Logger.ErrorContext(ctx, "attachment upload failed", "chat_id", chat.ID, "filename", in.Filename, "error", err)
		return nil, apperr.Delivery(err, "failed to store attachment")
	}
	return att, nil
}
