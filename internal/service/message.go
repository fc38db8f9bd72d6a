package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"tush00nka/portal_chat/internal/events"
	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"

	"github.com/dustin/go-humanize"
)

// SendInput параметры отправки сообщения
type SendInput struct {
	ChatID           uint                 `json:"chatId"`
	ClientToken      string               `json:"clientToken,omitempty"`
	Content          string               `json:"content"`
	Type             model.MessageType    `json:"messageType"`
	Payload          model.MessagePayload `json:"payload,omitempty"`
	Attachments      []model.Attachment   `json:"attachments,omitempty"`
	ReplyToMessageID *uint                `json:"replyToMessageId,omitempty"`
	Mentions         []model.Mention      `json:"mentions,omitempty"`
}

// Page окно истории: сообщения с номером меньше BeforeSeq (0 значит с конца)
type Page struct {
	BeforeSeq uint64
	Limit     int
}

// sendExtras поля, которые задает само ядро, а не клиент
type sendExtras struct {
	threadID      *uint
	forwardedFrom *model.ForwardInfo
	forwardChain  int
}

// messageService реализация MessageService
type messageService struct {
	Deps
}

func NewMessageService(deps Deps) MessageService {
	return newMessageService(deps)
}

func newMessageService(deps Deps) *messageService {
	return &messageService{Deps: deps.withDefaults()}
}

// appendMessage фиксирует сообщение под блокировкой чата: номер последовательности выдается один раз
func (d Deps) appendMessage(ctx context.Context, msg *model.Message) error {
	unlock := d.Locks.Lock(msg.ChatID)
	defer unlock()
	return d.Repos.Messages.Append(ctx, msg)
}

// Send отправляет сообщение. Повтор с тем же ClientToken возвращает уже сохраненное сообщение
func (s *messageService) Send(ctx context.Context, actorID uint, in SendInput) (*model.Message, error) {
	msg, _, err := s.send(ctx, actorID, in, sendExtras{})
	return msg, err
}

func (s *messageService) send(ctx context.Context, actorID uint, in SendInput, extras sendExtras) (*model.Message, bool, error) {
	started := s.Now()

	msg, created, err := s.commit(ctx, actorID, in, extras)
	if err != nil {
		s.Metrics.SendFailed(string(apperr.KindOf(err)))
		if apperr.IsKind(err, apperr.KindDelivery) || apperr.IsKind(err, apperr.KindInternal) {
			s.Logger.ErrorContext(ctx, "failed to send message",
				"chat_id", in.ChatID, "sender_id", actorID, "error", err)
		}
		return nil, false, err
	}
	if !created {
		return msg, false, nil
	}

	s.Metrics.MessageSent(string(msg.Type), s.Now().Sub(started).Seconds())
	s.Logger.DebugContext(ctx, "message sent",
		"chat_id", msg.ChatID, "message_id", msg.ID, "sequence", msg.Sequence, "sender_id", actorID)

	evType := events.TypeMessage
	if msg.ThreadID != nil {
		evType = events.TypeThreadReply
	}
	s.publish(evType, msg.ChatID, msg)

	return msg, true, nil
}

func (s *messageService) commit(ctx context.Context, actorID uint, in SendInput, extras sendExtras) (*model.Message, bool, error) {
	msgType := in.Type
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	if !msgType.Valid() || msgType == model.MessageTypeSystem {
		return nil, false, apperr.Validation(apperr.CodeInvalidMessageType, "unsupported message type %q", msgType)
	}
	if err := model.ValidatePayload(msgType, in.Payload); err != nil {
		return nil, false, apperr.Validation(apperr.CodeInvalidPayload, "%v", err)
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 && in.Payload.IsZero() {
		return nil, false, apperr.Validation(apperr.CodeEmptyMessage, "message has no content")
	}
	if msgType.IsMedia() && len(in.Attachments) == 0 {
		return nil, false, apperr.Validation(apperr.CodeEmptyMessage, "%s message requires an attachment", msgType)
	}

	chat, sender, err := s.membership(ctx, in.ChatID, actorID)
	if err != nil {
		return nil, false, err
	}
	if chat.IsArchived {
		return nil, false, apperr.Consistency(apperr.CodeChatArchived, "chat %d is archived", chat.ID)
	}
	if err := requirePermission(sender, model.PermSendMessages); err != nil {
		return nil, false, err
	}
	if msgType == model.MessageTypeAnnouncement {
		if err := requirePermission(sender, model.PermCreateAnnouncements); err != nil {
			return nil, false, err
		}
	}
	if err := checkAttachments(chat, sender, in.Attachments); err != nil {
		return nil, false, err
	}
	mentions, err := checkMentions(chat, sender, in.Content, in.Mentions)
	if err != nil {
		return nil, false, err
	}

	if in.ClientToken != "" {
		existing, err := s.Repos.Messages.FindByClientToken(ctx, chat.ID, actorID, in.ClientToken)
		if err == nil {
			return existing.ViewFor(actorID), false, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, false, apperr.Delivery(err, "failed to check client token")
		}
	}

	var reply *model.ReplyPreview
	if in.ReplyToMessageID != nil {
		target, err := s.loadMessage(ctx, *in.ReplyToMessageID)
		if err != nil {
			return nil, false, err
		}
		if target.ChatID != chat.ID {
			return nil, false, apperr.Consistency(apperr.CodeWrongChat, "reply target belongs to another chat")
		}
		if target.HiddenFor(actorID) {
			return nil, false, apperr.Consistency(apperr.CodeMessageDeleted, "reply target is deleted")
		}
		snapshot := target.Snapshot()
		reply = &snapshot
	}

	now := s.Now()
	msg := &model.Message{
		ChatID:         chat.ID,
		SenderID:       actorID,
		Type:           msgType,
		Content:        in.Content,
		Payload:        in.Payload,
		Attachments:    in.Attachments,
		DeliveryStatus: model.StatusSending,
		ReplyTo:        reply,
		ForwardedFrom:  extras.forwardedFrom,
		ForwardChain:   extras.forwardChain,
		Mentions:       mentions,
		DeletedFor:     model.DeletedForNone,
		ThreadID:       extras.threadID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.ClientToken != "" {
		token := in.ClientToken
		msg.ClientToken = &token
	}

	// в хранилище попадает уже отправленное сообщение
	if !msg.DeliveryStatus.CanTransition(model.StatusSent) {
		return nil, false, apperr.Consistency(apperr.CodeInvalidTransition, "cannot commit message in status %s", msg.DeliveryStatus)
	}
	msg.DeliveryStatus = model.StatusSent

	if err := s.appendMessage(ctx, msg); err != nil {
		switch {
		case errors.Is(err, apperr.ErrConflict) && msg.ClientToken != nil:
			existing, ferr := s.Repos.Messages.FindByClientToken(ctx, chat.ID, actorID, *msg.ClientToken)
			if ferr != nil {
				return nil, false, apperr.Delivery(ferr, "failed to load message after token conflict")
			}
			return existing.ViewFor(actorID), false, nil
		case errors.Is(err, apperr.ErrNotFound):
			return nil, false, apperr.NotFound(apperr.CodeChatNotFound, "chat %d not found", chat.ID)
		}
		return nil, false, apperr.Delivery(err, "failed to persist message")
	}

	return msg, true, nil
}

func checkAttachments(chat *model.Chat, sender *model.Participant, attachments []model.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	if !chat.Settings.AllowFileSharing {
		return apperr.Consistency(apperr.CodeFilesDisabled, "file sharing is disabled in chat %d", chat.ID)
	}
	if err := requirePermission(sender, model.PermAttachFiles); err != nil {
		return err
	}

	for _, a := range attachments {
		if strings.TrimSpace(a.URL) == "" {
			return apperr.Validation(apperr.CodeInvalidInput, "attachment %q has no url", a.OriginalFilename)
		}
		if err := checkFile(chat, a.OriginalFilename, a.Format, a.Bytes); err != nil {
			return err
		}
	}
	return nil
}

// checkFile размер и тип файла по настройкам чата
func checkFile(chat *model.Chat, filename, format string, size int64) error {
	if size < 0 {
		return apperr.Validation(apperr.CodeInvalidInput, "attachment %q has negative size", filename)
	}
	if limit := chat.Settings.MaxFileSize; limit > 0 && size > limit {
		return apperr.Validation(apperr.CodeAttachmentTooLarge, "attachment %q is %s, limit is %s",
			filename, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(limit)))
	}
	if !chat.Settings.AllowsFileType(format) {
		return apperr.Validation(apperr.CodeAttachmentTypeDenied, "attachment type %q is not allowed", format)
	}
	return nil
}

func checkMentions(chat *model.Chat, sender *model.Participant, content string, mentions []model.Mention) ([]model.Mention, error) {
	if len(mentions) == 0 {
		return nil, nil
	}
	if !chat.Settings.AllowMentions {
		return nil, apperr.Consistency(apperr.CodeMentionsDisabled, "mentions are disabled in chat %d", chat.ID)
	}
	if err := requirePermission(sender, model.PermMention); err != nil {
		return nil, err
	}

	length := utf8.RuneCountInString(content)
	out := make([]model.Mention, 0, len(mentions))
	for _, m := range mentions {
		if m.Offset < 0 || m.Length <= 0 || m.Offset+m.Length > length {
			return nil, apperr.Validation(apperr.CodeInvalidInput, "mention of user %d is out of content bounds", m.UserID)
		}
		if p, ok := chat.Participant(m.UserID); !ok || !p.IsActive {
			return nil, apperr.Validation(apperr.CodeInvalidInput, "mentioned user %d is not a participant", m.UserID)
		}
		m.Read = false
		out = append(out, m)
	}
	return out, nil
}

// Get возвращает сообщение в проекции для пользователя
func (s *messageService) Get(ctx context.Context, actorID, messageID uint) (*model.Message, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.membership(ctx, msg.ChatID, actorID); err != nil {
		return nil, err
	}

	withReactions, err := s.attachReactions(ctx, []model.Message{*msg})
	if err != nil {
		return nil, err
	}
	return withReactions[0].ViewFor(actorID), nil
}

// List возвращает страницу основной ленты в порядке возрастания номера
func (s *messageService) List(ctx context.Context, actorID, chatID uint, page Page) ([]model.Message, error) {
	if _, _, err := s.membership(ctx, chatID, actorID); err != nil {
		return nil, err
	}

	msgs, err := s.Repos.Messages.List(ctx, chatID, page.BeforeSeq, normalizeLimit(page.Limit))
	if err != nil {
		return nil, apperr.Internal(err, "failed to list messages")
	}
	return s.project(ctx, actorID, msgs)
}

func (s *messageService) Search(ctx context.Context, actorID, chatID uint, query string, limit int) ([]model.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "search query is empty")
	}
	if _, _, err := s.membership(ctx, chatID, actorID); err != nil {
		return nil, err
	}

	found, err := s.Repos.Messages.Search(ctx, chatID, query, normalizeLimit(limit))
	if err != nil {
		return nil, apperr.Internal(err, "failed to search messages")
	}

	visible := found[:0]
	for _, m := range found {
		if !m.HiddenFor(actorID) {
			visible = append(visible, m)
		}
	}
	return s.project(ctx, actorID, visible)
}

func (d Deps) attachReactions(ctx context.Context, msgs []model.Message) ([]model.Message, error) {
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}

	byMessage, err := d.Repos.Reactions.ListByMessages(ctx, ids)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load reactions")
	}
	for i := range msgs {
		if rs := byMessage[msgs[i].ID]; len(rs) > 0 {
			msgs[i].Reactions = model.AggregateReactions(rs)
		}
	}
	return msgs, nil
}

func (d Deps) project(ctx context.Context, viewerID uint, msgs []model.Message) ([]model.Message, error) {
	msgs, err := d.attachReactions(ctx, msgs)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, *msgs[i].ViewFor(viewerID))
	}
	return out, nil
}

// AckDelivered отмечает доставку чужих сообщений до upToMessageID включительно
func (s *messageService) AckDelivered(ctx context.Context, actorID, chatID, upToMessageID uint) ([]uint, error) {
	if _, _, err := s.membership(ctx, chatID, actorID); err != nil {
		return nil, err
	}
	target, err := s.loadMessage(ctx, upToMessageID)
	if err != nil {
		return nil, err
	}
	if target.ChatID != chatID {
		return nil, apperr.Consistency(apperr.CodeWrongChat, "message %d belongs to another chat", upToMessageID)
	}

	ids, err := s.Repos.Messages.PromoteStatus(ctx, chatID, target.Sequence, actorID, model.StatusDelivered)
	if err != nil {
		return nil, apperr.Internal(err, "failed to promote delivery status")
	}
	if len(ids) > 0 {
		s.Metrics.StatusPromoted(string(model.StatusDelivered), len(ids))
		s.publish(events.TypeDelivery, chatID, events.DeliveryUpdate{MessageIDs: ids, Status: model.StatusDelivered, UserID: actorID})
	}
	return ids, nil
}

// Edit меняет текст сообщения; CreatedAt и номер не меняются, правка пишется в историю
func (s *messageService) Edit(ctx context.Context, actorID, messageID uint, content string) (*model.Message, error) {
	msg, changed, err := s.mutateMessage(ctx, messageID, func(msg *model.Message) (bool, error) {
		chat, editor, err := s.membership(ctx, msg.ChatID, actorID)
		if err != nil {
			return false, err
		}
		if msg.IsDeleted {
			return false, apperr.Consistency(apperr.CodeMessageDeleted, "message %d is deleted", messageID)
		}
		if !chat.Settings.AllowEditing {
			return false, apperr.Consistency(apperr.CodeEditingDisabled, "editing is disabled in chat %d", chat.ID)
		}
		if msg.Type == model.MessageTypeSystem {
			return false, apperr.Validation(apperr.CodeInvalidMessageType, "system messages cannot be edited")
		}

		if msg.SenderID == actorID {
			if !editor.Can(model.PermEditOwnMessages) && !editor.Can(model.PermEditAnyMessages) {
				return false, apperr.Permission(apperr.CodePermissionDenied, "missing permission to edit own messages")
			}
		} else if !editor.Can(model.PermEditAnyMessages) {
			return false, apperr.Permission(apperr.CodeNotAuthor, "only the author can edit message %d", messageID)
		}

		if strings.TrimSpace(content) == "" && len(msg.Attachments) == 0 && msg.Payload.IsZero() {
			return false, apperr.Validation(apperr.CodeEmptyMessage, "message has no content")
		}
		if content == msg.Content {
			return false, nil
		}

		msg.ApplyEdit(content, actorID, s.Now())
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publish(events.TypeMessageUpdated, msg.ChatID, msg)
	}
	return msg.ViewFor(actorID), nil
}

// Delete удаляет сообщение: sender скрывает его только для автора, everyone стирает содержимое у всех
func (s *messageService) Delete(ctx context.Context, actorID, messageID uint, scope model.DeletedFor) (*model.Message, error) {
	if scope != model.DeletedForSender && scope != model.DeletedForEveryone {
		return nil, apperr.Validation(apperr.CodeInvalidScope, "unknown delete scope %q", scope)
	}

	msg, changed, err := s.mutateMessage(ctx, messageID, func(msg *model.Message) (bool, error) {
		chat, actor, err := s.membership(ctx, msg.ChatID, actorID)
		if err != nil {
			return false, err
		}
		if msg.DeletedFor == model.DeletedForEveryone {
			return false, apperr.Consistency(apperr.CodeMessageDeleted, "message %d is already deleted", messageID)
		}
		if !chat.Settings.AllowDeleting {
			return false, apperr.Consistency(apperr.CodeDeletingDisabled, "deleting is disabled in chat %d", chat.ID)
		}

		isAuthor := msg.SenderID == actorID
		switch scope {
		case model.DeletedForSender:
			if !isAuthor {
				return false, apperr.Permission(apperr.CodeNotAuthor, "only the author can hide message %d", messageID)
			}
			if err := requirePermission(actor, model.PermDeleteOwnMessages); err != nil {
				return false, err
			}
			if msg.DeletedFor == model.DeletedForSender {
				return false, nil
			}
		case model.DeletedForEveryone:
			allowed := actor.Can(model.PermDeleteAnyMessages) || (isAuthor && actor.Can(model.PermDeleteOwnMessages))
			if !allowed {
				if !isAuthor {
					return false, apperr.Permission(apperr.CodeNotAuthor, "only the author or a moderator can delete message %d", messageID)
				}
				return false, apperr.Permission(apperr.CodePermissionDenied, "missing permission to delete own messages")
			}
		}

		msg.Tombstone(scope, s.Now())
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return msg.ViewFor(actorID), nil
	}

	deleted := events.MessageDeleted{MessageID: msg.ID, Scope: scope}
	if scope == model.DeletedForSender {
		s.publishTo(events.TypeMessageDeleted, msg.ChatID, deleted, msg.SenderID)
	} else {
		if err := s.Repos.Reactions.DeleteByMessage(ctx, msg.ID); err != nil {
			s.Logger.WarnContext(ctx, "failed to drop reactions of deleted message", "message_id", msg.ID, "error", err)
		}
		s.publish(events.TypeMessageDeleted, msg.ChatID, deleted)
	}

	s.Logger.InfoContext(ctx, "message deleted", "message_id", msg.ID, "scope", scope, "actor_id", actorID)
	return msg.ViewFor(actorID), nil
}

// Forward пересылает сообщение в другой чат; глубина цепочки пересылок ограничена
func (s *messageService) Forward(ctx context.Context, actorID, messageID, targetChatID uint) (*model.Message, error) {
	src, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	srcChat, _, err := s.membership(ctx, src.ChatID, actorID)
	if err != nil {
		return nil, err
	}
	if src.HiddenFor(actorID) {
		return nil, apperr.Consistency(apperr.CodeMessageDeleted, "message %d is deleted", messageID)
	}
	if !srcChat.Settings.AllowForwarding {
		return nil, apperr.Consistency(apperr.CodeForwardingDisabled, "forwarding is disabled in chat %d", srcChat.ID)
	}
	if src.Type == model.MessageTypeSystem {
		return nil, apperr.Validation(apperr.CodeInvalidMessageType, "system messages cannot be forwarded")
	}

	chain := src.ForwardChain + 1
	if chain > s.Options.ForwardMaxDepth {
		return nil, apperr.Validation(apperr.CodeForwardDepthExceeded,
			"forward chain of %d exceeds the limit of %d", chain, s.Options.ForwardMaxDepth)
	}

	msg, _, err := s.send(ctx, actorID, SendInput{
		ChatID:      targetChatID,
		Content:     src.Content,
		Type:        src.Type,
		Payload:     src.Payload,
		Attachments: src.Attachments,
	}, sendExtras{
		forwardedFrom: &model.ForwardInfo{MessageID: src.ID, ChatID: src.ChatID, SenderID: src.SenderID},
		forwardChain:  chain,
	})
	return msg, err
}

func (s *messageService) Pin(ctx context.Context, actorID, messageID uint, reason string) (*model.Message, error) {
	return s.setPinned(ctx, actorID, messageID, true, strings.TrimSpace(reason))
}

func (s *messageService) Unpin(ctx context.Context, actorID, messageID uint) (*model.Message, error) {
	return s.setPinned(ctx, actorID, messageID, false, "")
}

func (s *messageService) setPinned(ctx context.Context, actorID, messageID uint, pinned bool, reason string) (*model.Message, error) {
	msg, changed, err := s.mutateMessage(ctx, messageID, func(msg *model.Message) (bool, error) {
		chat, actor, err := s.membership(ctx, msg.ChatID, actorID)
		if err != nil {
			return false, err
		}
		if !chat.Settings.AllowPinning {
			return false, apperr.Consistency(apperr.CodePinningDisabled, "pinning is disabled in chat %d", chat.ID)
		}
		if err := requirePermission(actor, model.PermPinMessages); err != nil {
			return false, err
		}
		if pinned && msg.DeletedFor == model.DeletedForEveryone {
			return false, apperr.Consistency(apperr.CodeMessageDeleted, "message %d is deleted", messageID)
		}
		if msg.IsPinned == pinned && msg.PinnedReason == reason {
			return false, nil
		}

		now := s.Now()
		msg.IsPinned = pinned
		msg.UpdatedAt = now
		if pinned {
			by := actorID
			msg.PinnedByID = &by
			msg.PinnedReason = reason
			msg.PinnedAt = &now
		} else {
			msg.PinnedByID = nil
			msg.PinnedReason = ""
			msg.PinnedAt = nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publish(events.TypeMessageUpdated, msg.ChatID, msg)
	}
	return msg.ViewFor(actorID), nil
}

// MarkMentionRead отмечает упоминание пользователя прочитанным независимо от курсора чата
func (s *messageService) MarkMentionRead(ctx context.Context, actorID, messageID uint) (*model.Message, error) {
	msg, _, err := s.mutateMessage(ctx, messageID, func(msg *model.Message) (bool, error) {
		if _, _, err := s.membership(ctx, msg.ChatID, actorID); err != nil {
			return false, err
		}
		if !msg.MentionsUser(actorID) {
			return false, apperr.Validation(apperr.CodeInvalidInput, "message %d does not mention user %d", messageID, actorID)
		}

		changed := false
		for i := range msg.Mentions {
			if msg.Mentions[i].UserID == actorID && !msg.Mentions[i].Read {
				msg.Mentions[i].Read = true
				changed = true
			}
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	return msg.ViewFor(actorID), nil
}
