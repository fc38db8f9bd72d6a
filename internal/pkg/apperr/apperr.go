package apperr

import (
	"errors"
	"fmt"
)

// Kind класс ошибки, по нему выбирается реакция клиента
type Kind string

const (
	KindValidation  Kind = "validation"
	KindPermission  Kind = "permission"
	KindConsistency Kind = "consistency"
	KindNotFound    Kind = "not_found"
	KindDelivery    Kind = "delivery"
	KindInternal    Kind = "internal"
)

// Машиночитаемые коды ошибок
const (
	CodeInvalidInput            = "invalid_input"
	CodeInvalidParticipantCount = "invalid_participant_count"
	CodeNameRequired            = "name_required"
	CodeEmptyMessage            = "empty_message"
	CodeInvalidMessageType      = "invalid_message_type"
	CodeInvalidPayload          = "invalid_payload"
	CodeAttachmentTooLarge      = "attachment_too_large"
	CodeAttachmentTypeDenied    = "attachment_type_not_allowed"
	CodeForwardDepthExceeded    = "forward_depth_exceeded"
	CodeInvalidScope            = "invalid_delete_scope"
	CodeUnknownEvent            = "unknown_event"
	CodeRateLimited             = "rate_limited"

	CodePermissionDenied = "permission_denied"
	CodeNotParticipant   = "not_participant"
	CodeNotAuthor        = "not_author"
	CodeBadCredentials   = "invalid_credentials"

	CodeReactionsDisabled  = "reactions_disabled"
	CodeThreadingDisabled  = "threading_disabled"
	CodeEditingDisabled    = "editing_disabled"
	CodeDeletingDisabled   = "deleting_disabled"
	CodeForwardingDisabled = "forwarding_disabled"
	CodePinningDisabled    = "pinning_disabled"
	CodeMentionsDisabled   = "mentions_disabled"
	CodeFilesDisabled      = "file_sharing_disabled"
	CodeMessageDeleted     = "message_deleted"
	CodeChatArchived       = "chat_archived"
	CodeWrongChat          = "wrong_chat"
	CodeInvalidTransition  = "invalid_status_transition"
	CodeCancelNotAllowed   = "cancel_not_allowed"
	CodeDirectImmutable    = "direct_chat_immutable"
	CodeNestedThread       = "nested_thread"
	CodeUsernameTaken      = "username_taken"

	CodeChatNotFound         = "chat_not_found"
	CodeMessageNotFound      = "message_not_found"
	CodeAnnouncementNotFound = "announcement_not_found"
	CodeUserNotFound         = "user_not_found"

	CodePersistenceFailed = "persistence_failed"
	CodeInternal          = "internal"
)

// ErrNotFound возвращается репозиториями, когда запись отсутствует
var ErrNotFound = errors.New("record not found")

// ErrConflict возвращается при нарушении уникальности
var ErrConflict = errors.New("record already exists")

// Error ошибка ядра чата: класс, код и человекочитаемое сообщение
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

func Permission(code, format string, args ...any) *Error {
	return newError(KindPermission, code, format, args...)
}

func Consistency(code, format string, args ...any) *Error {
	return newError(KindConsistency, code, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return newError(KindNotFound, code, format, args...)
}

// Delivery оборачивает сбой сохранения или сети при отправке
func Delivery(err error, format string, args ...any) *Error {
	e := newError(KindDelivery, CodePersistenceFailed, format, args...)
	e.Err = err
	return e
}

// Internal оборачивает непредвиденную ошибку хранилища
func Internal(err error, format string, args ...any) *Error {
	e := newError(KindInternal, CodeInternal, format, args...)
	e.Err = err
	return e
}

// KindOf возвращает класс ошибки; для чужих ошибок KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf возвращает код ошибки
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
