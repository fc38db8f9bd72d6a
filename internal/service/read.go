package service

import (
	"context"
	"slices"

	"tush00nka/portal_chat/internal/events"
	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
)

// readTracker курсоры прочтения. Курсор двигается только вперед
type readTracker struct {
	Deps
}

func NewReadTracker(deps Deps) ReadTracker {
	return &readTracker{Deps: deps.withDefaults()}
}

// MarkRead двигает курсор до messageID и поднимает чужие сообщения до статуса read.
// Возвращает false, если курсор уже стоял на этом сообщении или дальше
func (s *readTracker) MarkRead(ctx context.Context, actorID, chatID, messageID uint) (bool, error) {
	if _, _, err := s.membership(ctx, chatID, actorID); err != nil {
		return false, err
	}
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	if msg.ChatID != chatID {
		return false, apperr.Consistency(apperr.CodeWrongChat, "message %d belongs to another chat", messageID)
	}

	moved, err := s.Repos.Chats.AdvanceReadCursor(ctx, chatID, actorID, msg.ID, msg.Sequence)
	if err != nil {
		return false, apperr.Internal(err, "failed to advance read cursor")
	}
	if !moved {
		return false, nil
	}

	now := s.Now()
	if msg.SenderID != actorID {
		receipt := model.ReadReceipt{MessageID: msg.ID, UserID: actorID, ChatID: chatID, ReadAt: now}
		if err := s.Repos.Receipts.Upsert(ctx, []model.ReadReceipt{receipt}); err != nil {
			return true, apperr.Internal(err, "failed to save read receipt")
		}
	}

	ids, err := s.Repos.Messages.PromoteStatus(ctx, chatID, msg.Sequence, actorID, model.StatusRead)
	if err != nil {
		return true, apperr.Internal(err, "failed to promote read status")
	}

	s.publish(events.TypeReadReceipt, chatID, events.ReadReceipt{
		UserID: actorID, MessageID: msg.ID, Sequence: msg.Sequence, ReadAt: now,
	})
	if len(ids) > 0 {
		s.Metrics.StatusPromoted(string(model.StatusRead), len(ids))
		s.publish(events.TypeDelivery, chatID, events.DeliveryUpdate{MessageIDs: ids, Status: model.StatusRead, UserID: actorID})
	}
	return true, nil
}

// UnreadCount чужие сообщения после курсора, не удаленные для всех
func (s *readTracker) UnreadCount(ctx context.Context, actorID, chatID uint) (int64, error) {
	_, p, err := s.membership(ctx, chatID, actorID)
	if err != nil {
		return 0, err
	}

	count, err := s.Repos.Messages.CountUnread(ctx, chatID, actorID, p.LastReadSequence)
	if err != nil {
		return 0, apperr.Internal(err, "failed to count unread messages")
	}
	return count, nil
}

// UnreadSummary непрочитанные по всем активным чатам пользователя
func (s *readTracker) UnreadSummary(ctx context.Context, actorID uint) (map[uint]int64, error) {
	chats, err := s.Repos.Chats.ListForUser(ctx, actorID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list chats")
	}

	summary := make(map[uint]int64, len(chats))
	for _, chat := range chats {
		p, ok := chat.Participant(actorID)
		if !ok || !p.IsActive {
			continue
		}
		count, err := s.Repos.Messages.CountUnread(ctx, chat.ID, actorID, p.LastReadSequence)
		if err != nil {
			return nil, apperr.Internal(err, "failed to count unread messages in chat %d", chat.ID)
		}
		summary[chat.ID] = count
	}
	return summary, nil
}

// Readers участники, чей курсор дошел до сообщения
func (s *readTracker) Readers(ctx context.Context, actorID, messageID uint) ([]uint, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	chat, _, err := s.membership(ctx, msg.ChatID, actorID)
	if err != nil {
		return nil, err
	}

	readers := make([]uint, 0)
	for _, p := range chat.Participants {
		if p.UserID == msg.SenderID {
			continue
		}
		if p.LastReadSequence >= msg.Sequence {
			readers = append(readers, p.UserID)
		}
	}
	slices.Sort(readers)
	return readers, nil
}
