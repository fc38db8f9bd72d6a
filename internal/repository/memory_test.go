package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
)

func newTestChat(t *testing.T, repos Repositories, users ...uint) *model.Chat {
	t.Helper()

	now := time.Now()
	chat := &model.Chat{
		Name:        "team",
		Type:        model.ChatTypeGroup,
		CreatedByID: users[0],
		Settings:    model.DefaultChatSettings(1 << 20),
	}
	for i, uid := range users {
		role := model.RoleMember
		if i == 0 {
			role = model.RoleOwner
		}
		chat.Participants = append(chat.Participants, model.NewParticipant(0, uid, chat.Type, role, now))
	}

	if err := repos.Chats.Create(context.Background(), chat); err != nil {
		t.Fatalf("Create chat: %v", err)
	}
	return chat
}

func appendText(t *testing.T, repos Repositories, chatID, senderID uint, content string) *model.Message {
	t.Helper()

	msg := &model.Message{
		ChatID:         chatID,
		SenderID:       senderID,
		Type:           model.MessageTypeText,
		Content:        content,
		DeliveryStatus: model.StatusSent,
		DeletedFor:     model.DeletedForNone,
		CreatedAt:      time.Now(),
	}
	if err := repos.Messages.Append(context.Background(), msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return msg
}

func TestMemoryAppendAssignsSequences(t *testing.T) {
	repos := NewMemoryRepositories()
	chat := newTestChat(t, repos, 1, 2)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &model.Message{ChatID: chat.ID, SenderID: 1, Content: "x", DeliveryStatus: model.StatusSent, CreatedAt: time.Now()}
			if err := repos.Messages.Append(context.Background(), msg); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, err := repos.Messages.List(context.Background(), chat.ID, 0, 100)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 50 {
		t.Fatalf("len = %d, want 50", len(msgs))
	}
	for i, m := range msgs {
		if m.Sequence != uint64(i+1) {
			t.Fatalf("msgs[%d].Sequence = %d, want %d", i, m.Sequence, i+1)
		}
	}

	stored, _ := repos.Chats.GetByID(context.Background(), chat.ID)
	if stored.LastSequence != 50 {
		t.Errorf("LastSequence = %d, want 50", stored.LastSequence)
	}
}

func TestMemoryAppendUnknownChat(t *testing.T) {
	repos := NewMemoryRepositories()
	msg := &model.Message{ChatID: 42, SenderID: 1, CreatedAt: time.Now()}
	if err := repos.Messages.Append(context.Background(), msg); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryClientTokenConflict(t *testing.T) {
	repos := NewMemoryRepositories()
	chat := newTestChat(t, repos, 1, 2)
	token := "tok-1"

	first := &model.Message{ChatID: chat.ID, SenderID: 1, ClientToken: &token, CreatedAt: time.Now()}
	if err := repos.Messages.Append(context.Background(), first); err != nil {
		t.Fatalf("Append: %v", err)
	}

	second := &model.Message{ChatID: chat.ID, SenderID: 1, ClientToken: &token, CreatedAt: time.Now()}
	if err := repos.Messages.Append(context.Background(), second); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	found, err := repos.Messages.FindByClientToken(context.Background(), chat.ID, 1, token)
	if err != nil {
		t.Fatalf("FindByClientToken: %v", err)
	}
	if found.ID != first.ID {
		t.Errorf("found.ID = %d, want %d", found.ID, first.ID)
	}

	// the same token from another sender is a different message
	other := &model.Message{ChatID: chat.ID, SenderID: 2, ClientToken: &token, CreatedAt: time.Now()}
	if err := repos.Messages.Append(context.Background(), other); err != nil {
		t.Fatalf("Append other sender: %v", err)
	}
}

func TestMemoryDirectKeyUnique(t *testing.T) {
	repos := NewMemoryRepositories()
	key := model.DirectKeyFor(7, 3)

	a := &model.Chat{Type: model.ChatTypeDirect, DirectKey: &key}
	if err := repos.Chats.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := &model.Chat{Type: model.ChatTypeDirect, DirectKey: &key}
	if err := repos.Chats.Create(context.Background(), b); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	found, err := repos.Chats.FindDirect(context.Background(), 3, 7)
	if err != nil {
		t.Fatalf("FindDirect: %v", err)
	}
	if found.ID != a.ID {
		t.Errorf("found.ID = %d, want %d", found.ID, a.ID)
	}
}

func TestMemoryListPagination(t *testing.T) {
	repos := NewMemoryRepositories()
	chat := newTestChat(t, repos, 1, 2)
	for i := 0; i < 10; i++ {
		appendText(t, repos, chat.ID, 1, "m")
	}

	page, err := repos.Messages.List(context.Background(), chat.ID, 0, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 3 || page[0].Sequence != 8 || page[2].Sequence != 10 {
		t.Fatalf("last page = %+v", page)
	}

	older, err := repos.Messages.List(context.Background(), chat.ID, page[0].Sequence, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(older) != 3 || older[0].Sequence != 5 || older[2].Sequence != 7 {
		t.Fatalf("older page = %+v", older)
	}
}

func TestMemoryThreadRepliesExcludedFromList(t *testing.T) {
	repos := NewMemoryRepositories()
	chat := newTestChat(t, repos, 1, 2)
	root := appendText(t, repos, chat.ID, 1, "root")

	reply := &model.Message{ChatID: chat.ID, SenderID: 2, Content: "reply", ThreadID: &root.ID, DeliveryStatus: model.StatusSent, CreatedAt: time.Now()}
	if err := repos.Messages.Append(context.Background(), reply); err != nil {
		t.Fatalf("Append: %v", err)
	}

	feed, _ := repos.Messages.List(context.Background(), chat.ID, 0, 10)
	if len(feed) != 1 || feed[0].ID != root.ID {
		t.Fatalf("main list = %+v", feed)
	}

	thread, _ := repos.Messages.ListThread(context.Background(), root.ID)
	if len(thread) != 1 || thread[0].ID != reply.ID {
		t.Fatalf("thread = %+v", thread)
	}

	stored, _ := repos.Messages.GetByID(context.Background(), root.ID)
	if stored.ThreadRepliesCount != 1 || stored.LastThreadReply == nil {
		t.Errorf("root thread counters not updated: %+v", stored)
	}
}

func TestMemoryPromoteStatusNeverRegresses(t *testing.T) {
	repos := NewMemoryRepositories()
	chat := newTestChat(t, repos, 1, 2)
	m1 := appendText(t, repos, chat.ID, 1, "one")
	m2 := appendText(t, repos, chat.ID, 1, "two")
	own := appendText(t, repos, chat.ID, 2, "mine")

	ids, err := repos.Messages.PromoteStatus(context.Background(), chat.ID, m1.Sequence, 2, model.StatusRead)
	if err != nil {
		t.Fatalf("PromoteStatus: %v", err)
	}
	if len(ids) != 1 || ids[0] != m1.ID {
		t.Fatalf("promoted = %v, want [%d]", ids, m1.ID)
	}

	ids, _ = repos.Messages.PromoteStatus(context.Background(), chat.ID, own.Sequence, 2, model.StatusDelivered)
	if len(ids) != 1 || ids[0] != m2.ID {
		t.Fatalf("promoted = %v, want [%d]", ids, m2.ID)
	}

	got, _ := repos.Messages.GetByID(context.Background(), m1.ID)
	if got.DeliveryStatus != model.StatusRead {
		t.Errorf("m1 status = %s, want read", got.DeliveryStatus)
	}
	got, _ = repos.Messages.GetByID(context.Background(), own.ID)
	if got.DeliveryStatus != model.StatusSent {
		t.Errorf("own message status = %s, want sent", got.DeliveryStatus)
	}
}

func TestMemoryCountUnread(t *testing.T) {
	repos := NewMemoryRepositories()
	chat := newTestChat(t, repos, 1, 2)
	appendText(t, repos, chat.ID, 1, "a")
	appendText(t, repos, chat.ID, 2, "own")
	deleted := appendText(t, repos, chat.ID, 1, "gone")
	appendText(t, repos, chat.ID, 1, "b")

	deleted.Tombstone(model.DeletedForEveryone, time.Now())
	if err := repos.Messages.Update(context.Background(), deleted); err != nil {
		t.Fatalf("Update: %v", err)
	}

	count, err := repos.Messages.CountUnread(context.Background(), chat.ID, 2, 0)
	if err != nil {
		t.Fatalf("CountUnread: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestMemoryAdvanceReadCursorMonotonic(t *testing.T) {
	repos := NewMemoryRepositories()
	chat := newTestChat(t, repos, 1, 2)

	moved, err := repos.Chats.AdvanceReadCursor(context.Background(), chat.ID, 2, 5, 5)
	if err != nil || !moved {
		t.Fatalf("AdvanceReadCursor = %v, %v", moved, err)
	}
	moved, _ = repos.Chats.AdvanceReadCursor(context.Background(), chat.ID, 2, 3, 3)
	if moved {
		t.Error("cursor moved backwards")
	}

	p, _ := repos.Chats.GetParticipant(context.Background(), chat.ID, 2)
	if p.LastReadSequence != 5 || p.LastReadMessageID != 5 {
		t.Errorf("cursor = %d/%d, want 5/5", p.LastReadMessageID, p.LastReadSequence)
	}
}

func TestMemoryReactionsSet(t *testing.T) {
	repos := NewMemoryRepositories()
	ctx := context.Background()

	added, _ := repos.Reactions.Add(ctx, &model.Reaction{MessageID: 1, UserID: 1, Emoji: "👍"})
	if !added {
		t.Fatal("first add should insert")
	}
	added, _ = repos.Reactions.Add(ctx, &model.Reaction{MessageID: 1, UserID: 1, Emoji: "👍"})
	if added {
		t.Fatal("duplicate add should be a no-op")
	}
	repos.Reactions.Add(ctx, &model.Reaction{MessageID: 1, UserID: 2, Emoji: "🎉"})
	repos.Reactions.Add(ctx, &model.Reaction{MessageID: 1, UserID: 3, Emoji: "👍"})

	list, _ := repos.Reactions.ListByMessage(ctx, 1)
	groups := model.AggregateReactions(list)
	if len(groups) != 2 || groups[0].Emoji != "👍" || groups[0].Count != 2 || groups[1].Count != 1 {
		t.Fatalf("groups = %+v", groups)
	}

	removed, _ := repos.Reactions.Remove(ctx, 1, 1, "👍")
	if !removed {
		t.Fatal("remove existing should report true")
	}
	removed, _ = repos.Reactions.Remove(ctx, 1, 1, "👍")
	if removed {
		t.Fatal("remove missing should report false")
	}
}

func TestMemoryReceiptsKeepLatest(t *testing.T) {
	repos := NewMemoryRepositories()
	ctx := context.Background()
	early := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	repos.Receipts.Upsert(ctx, []model.ReadReceipt{{MessageID: 1, UserID: 2, ChatID: 1, ReadAt: late}})
	repos.Receipts.Upsert(ctx, []model.ReadReceipt{{MessageID: 1, UserID: 2, ChatID: 1, ReadAt: early}})

	receipts, _ := repos.Receipts.ListByMessage(ctx, 1)
	if len(receipts) != 1 || !receipts[0].ReadAt.Equal(late) {
		t.Fatalf("receipts = %+v", receipts)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	repos := NewMemoryRepositories()
	chat := newTestChat(t, repos, 1, 2)
	msg := appendText(t, repos, chat.ID, 1, "original")

	got, _ := repos.Messages.GetByID(context.Background(), msg.ID)
	got.Content = "mutated"

	again, _ := repos.Messages.GetByID(context.Background(), msg.ID)
	if again.Content != "original" {
		t.Errorf("Content = %q, store leaked a reference", again.Content)
	}
}

func TestMemoryUsersByRole(t *testing.T) {
	repos := NewMemoryRepositories()
	ctx := context.Background()
	for _, u := range []*model.User{
		{Username: "ann", Role: "hr"},
		{Username: "bob", Role: "employee"},
		{Username: "cid", Role: "hr"},
	} {
		if err := repos.Users.Create(ctx, u); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	ids, _ := repos.Users.ListIDsByRoles(ctx, []string{"hr"})
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("ids = %v", ids)
	}

	if err := repos.Users.Create(ctx, &model.User{Username: "ann"}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate username err = %v", err)
	}
}

func TestMemoryPresenceExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMemoryPresence(func() time.Time { return now })
	ctx := context.Background()

	repo.SetTyping(ctx, 1, 2, 3*time.Second)
	repo.SetOnline(ctx, 1, 2, time.Minute)

	typing, _ := repo.TypingUsers(ctx, 1)
	if len(typing) != 1 || typing[0] != 2 {
		t.Fatalf("typing = %v", typing)
	}

	now = now.Add(4 * time.Second)
	typing, _ = repo.TypingUsers(ctx, 1)
	if len(typing) != 0 {
		t.Errorf("typing after ttl = %v", typing)
	}
	online, _ := repo.OnlineUsers(ctx, 1)
	if len(online) != 1 {
		t.Errorf("online = %v", online)
	}
}

// checkStaleWrites запись по устаревшей копии не трогает счетчики ветки, курсор прочтения и надгробие
func checkStaleWrites(t *testing.T, repos Repositories, owner, member uint) {
	t.Helper()
	ctx := context.Background()

	chat := newTestChat(t, repos, owner, member)
	root := appendText(t, repos, chat.ID, owner, "root")
	stale, err := repos.Messages.GetByID(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}

	reply := &model.Message{
		ChatID: chat.ID, SenderID: member, Content: "reply", ThreadID: &root.ID,
		Type: model.MessageTypeText, DeliveryStatus: model.StatusSent,
		DeletedFor: model.DeletedForNone, CreatedAt: time.Now(),
	}
	if err := repos.Messages.Append(ctx, reply); err != nil {
		t.Fatalf("Append reply: %v", err)
	}

	stale.IsPinned = true
	if err := repos.Messages.Update(ctx, stale); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := repos.Messages.GetByID(ctx, root.ID)
	if !got.IsPinned || got.ThreadRepliesCount != 1 || got.LastThreadReply == nil {
		t.Errorf("root = pinned %v, replies %d", got.IsPinned, got.ThreadRepliesCount)
	}

	deleted := got.Clone()
	deleted.Tombstone(model.DeletedForEveryone, time.Now())
	if err := repos.Messages.Update(ctx, deleted); err != nil {
		t.Fatalf("Update tombstone: %v", err)
	}
	stale.Content = "resurrected"
	if err := repos.Messages.Update(ctx, stale); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("Update of deleted message error = %v, want ErrConflict", err)
	}
	got, _ = repos.Messages.GetByID(ctx, root.ID)
	if got.DeletedFor != model.DeletedForEveryone || got.Content != "" {
		t.Errorf("tombstone lost: scope %s, content %q", got.DeletedFor, got.Content)
	}

	part, err := repos.Chats.GetParticipant(ctx, chat.ID, member)
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if _, err := repos.Chats.AdvanceReadCursor(ctx, chat.ID, member, reply.ID, reply.Sequence); err != nil {
		t.Fatalf("AdvanceReadCursor: %v", err)
	}
	part.IsMuted = true
	if err := repos.Chats.SaveParticipant(ctx, part); err != nil {
		t.Fatalf("SaveParticipant: %v", err)
	}
	part, _ = repos.Chats.GetParticipant(ctx, chat.ID, member)
	if !part.IsMuted || part.LastReadSequence != reply.Sequence || part.LastReadMessageID != reply.ID {
		t.Errorf("participant = muted %v, cursor %d/%d, want cursor %d/%d",
			part.IsMuted, part.LastReadMessageID, part.LastReadSequence, reply.ID, reply.Sequence)
	}
}

func TestMemoryStaleWrites(t *testing.T) {
	checkStaleWrites(t, NewMemoryRepositories(), 1, 2)
}

func TestMemoryAppendReplyToUnknownRoot(t *testing.T) {
	repos := NewMemoryRepositories()
	chat := newTestChat(t, repos, 1, 2)

	missing := uint(404)
	reply := &model.Message{ChatID: chat.ID, SenderID: 2, Content: "lost", ThreadID: &missing, CreatedAt: time.Now()}
	if err := repos.Messages.Append(context.Background(), reply); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Append error = %v, want ErrNotFound", err)
	}
	if got, _ := repos.Chats.GetByID(context.Background(), chat.ID); got.LastSequence != 0 {
		t.Errorf("sequence advanced to %d", got.LastSequence)
	}
}
