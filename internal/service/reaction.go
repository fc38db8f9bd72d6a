package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"tush00nka/portal_chat/internal/events"
	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
)

const maxEmojiLength = 32

// reactionService реакции и ветки обсуждений
type reactionService struct {
	Deps
	messages *messageService
}

func NewReactionService(deps Deps) ReactionService {
	deps = deps.withDefaults()
	return &reactionService{Deps: deps, messages: newMessageService(deps)}
}

func normalizeEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return "", apperr.Validation(apperr.CodeInvalidInput, "invalid emoji %q", emoji)
	}
	return emoji, nil
}

// AddReaction добавляет реакцию; повторная такая же реакция ничего не меняет
func (s *reactionService) AddReaction(ctx context.Context, actorID, messageID uint, emoji string) ([]model.ReactionGroup, error) {
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return nil, err
	}

	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	chat, actor, err := s.membership(ctx, msg.ChatID, actorID)
	if err != nil {
		return nil, err
	}
	if msg.HiddenFor(actorID) {
		return nil, apperr.Consistency(apperr.CodeMessageDeleted, "message %d is deleted", messageID)
	}
	if !chat.Settings.AllowReactions {
		return nil, apperr.Consistency(apperr.CodeReactionsDisabled, "reactions are disabled in chat %d", chat.ID)
	}
	if err := requirePermission(actor, model.PermReact); err != nil {
		return nil, err
	}

	added, err := s.Repos.Reactions.Add(ctx, &model.Reaction{
		MessageID: msg.ID,
		UserID:    actorID,
		Emoji:     emoji,
		ChatID:    msg.ChatID,
		CreatedAt: s.Now(),
	})
	if err != nil {
		return nil, apperr.Internal(err, "failed to add reaction")
	}

	groups, err := s.aggregate(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if added {
		s.Metrics.Reaction("add")
		s.publish(events.TypeReaction, msg.ChatID, events.Reaction{
			MessageID: msg.ID, UserID: actorID, Emoji: emoji, Added: true, Reactions: groups,
		})
	}
	return groups, nil
}

// RemoveReaction снимает реакцию пользователя; отсутствующая реакция не ошибка
func (s *reactionService) RemoveReaction(ctx context.Context, actorID, messageID uint, emoji string) ([]model.ReactionGroup, error) {
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return nil, err
	}

	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.membership(ctx, msg.ChatID, actorID); err != nil {
		return nil, err
	}

	removed, err := s.Repos.Reactions.Remove(ctx, msg.ID, actorID, emoji)
	if err != nil {
		return nil, apperr.Internal(err, "failed to remove reaction")
	}

	groups, err := s.aggregate(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if removed {
		s.Metrics.Reaction("remove")
		s.publish(events.TypeReaction, msg.ChatID, events.Reaction{
			MessageID: msg.ID, UserID: actorID, Emoji: emoji, Added: false, Reactions: groups,
		})
	}
	return groups, nil
}

func (s *reactionService) Reactions(ctx context.Context, actorID, messageID uint) ([]model.ReactionGroup, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.membership(ctx, msg.ChatID, actorID); err != nil {
		return nil, err
	}
	return s.aggregate(ctx, msg.ID)
}

func (s *reactionService) aggregate(ctx context.Context, messageID uint) ([]model.ReactionGroup, error) {
	reactions, err := s.Repos.Reactions.ListByMessage(ctx, messageID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load reactions")
	}
	return model.AggregateReactions(reactions), nil
}

// ReplyInThread отвечает в ветке корневого сообщения. Вложенные ветки не поддерживаются
func (s *reactionService) ReplyInThread(ctx context.Context, actorID, rootMessageID uint, in SendInput) (*model.Message, error) {
	root, err := s.loadMessage(ctx, rootMessageID)
	if err != nil {
		return nil, err
	}
	if in.ChatID != 0 && in.ChatID != root.ChatID {
		return nil, apperr.Consistency(apperr.CodeWrongChat, "thread root belongs to another chat")
	}
	chat, _, err := s.membership(ctx, root.ChatID, actorID)
	if err != nil {
		return nil, err
	}
	if !chat.Settings.AllowThreading {
		return nil, apperr.Consistency(apperr.CodeThreadingDisabled, "threads are disabled in chat %d", chat.ID)
	}
	if root.ThreadID != nil {
		return nil, apperr.Consistency(apperr.CodeNestedThread, "message %d is itself a thread reply", root.ID)
	}
	if root.DeletedFor == model.DeletedForEveryone {
		return nil, apperr.Consistency(apperr.CodeMessageDeleted, "message %d is deleted", root.ID)
	}

	in.ChatID = root.ChatID
	rootID := root.ID
	reply, created, err := s.messages.send(ctx, actorID, in, sendExtras{threadID: &rootID})
	if err != nil {
		return nil, err
	}
	if !created {
		return reply, nil
	}

	// счетчики корня выросли вместе с сохранением ответа
	if updated, err := s.loadMessage(ctx, root.ID); err != nil {
		s.Logger.WarnContext(ctx, "failed to reload thread root", "message_id", root.ID, "error", err)
	} else {
		s.publish(events.TypeMessageUpdated, updated.ChatID, updated)
	}

	return reply, nil
}

// ThreadReplies ответы ветки по возрастанию номера
func (s *reactionService) ThreadReplies(ctx context.Context, actorID, rootMessageID uint) ([]model.Message, error) {
	root, err := s.loadMessage(ctx, rootMessageID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.membership(ctx, root.ChatID, actorID); err != nil {
		return nil, err
	}

	replies, err := s.Repos.Messages.ListThread(ctx, root.ID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list thread replies")
	}
	return s.project(ctx, actorID, replies)
}
