package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tush00nka/portal_chat/internal/events"
	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
)

func TestSendAssignsGaplessSequences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2, 3)

	const perSender = 20
	var wg sync.WaitGroup
	for _, sender := range []uint{1, 2, 3} {
		wg.Add(1)
		go func(sender uint) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := env.svc.Messages.Send(ctx, sender, SendInput{
					ChatID:  chat.ID,
					Content: fmt.Sprintf("%d-%d", sender, i),
				})
				if err != nil {
					t.Errorf("Send: %v", err)
				}
			}
		}(sender)
	}
	wg.Wait()

	msgs, err := env.svc.Messages.List(ctx, 1, chat.ID, Page{Limit: MaxPageLimit})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 3*perSender {
		t.Fatalf("len = %d, want %d", len(msgs), 3*perSender)
	}
	for i, m := range msgs {
		if m.Sequence != uint64(i+1) {
			t.Fatalf("msgs[%d].Sequence = %d, want %d", i, m.Sequence, i+1)
		}
		if m.DeliveryStatus != model.StatusSent {
			t.Errorf("msgs[%d].DeliveryStatus = %s", i, m.DeliveryStatus)
		}
	}
}

func TestSendWithClientTokenIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)

	in := SendInput{ChatID: chat.ID, ClientToken: "c-1", Content: "once"}
	first, err := env.svc.Messages.Send(ctx, 1, in)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	second, err := env.svc.Messages.Send(ctx, 1, in)
	if err != nil {
		t.Fatalf("Send retry: %v", err)
	}
	if second.ID != first.ID || second.Sequence != first.Sequence {
		t.Fatalf("retry produced %d/%d, want %d/%d", second.ID, second.Sequence, first.ID, first.Sequence)
	}

	// тот же токен у другого отправителя - другое сообщение
	other, err := env.svc.Messages.Send(ctx, 2, in)
	if err != nil {
		t.Fatalf("Send other: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("token is shared between senders")
	}

	if got := len(env.recorder.OfType(events.TypeMessage)); got != 2 {
		t.Errorf("message events = %d, want 2", got)
	}
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)

	files := func(a ...model.Attachment) []model.Attachment { return a }
	tests := []struct {
		name  string
		actor uint
		in    SendInput
		code  string
	}{
		{"empty", 1, SendInput{ChatID: chat.ID, Content: "  "}, apperr.CodeEmptyMessage},
		{"system type", 1, SendInput{ChatID: chat.ID, Content: "x", Type: model.MessageTypeSystem}, apperr.CodeInvalidMessageType},
		{"unknown type", 1, SendInput{ChatID: chat.ID, Content: "x", Type: "sticker"}, apperr.CodeInvalidMessageType},
		{"image without file", 1, SendInput{ChatID: chat.ID, Content: "x", Type: model.MessageTypeImage}, apperr.CodeEmptyMessage},
		{"outsider", 9, SendInput{ChatID: chat.ID, Content: "x"}, apperr.CodeNotParticipant},
		{"unknown chat", 1, SendInput{ChatID: 404, Content: "x"}, apperr.CodeChatNotFound},
		{
			"too large", 1,
			SendInput{ChatID: chat.ID, Attachments: files(model.Attachment{URL: "u", Format: "pdf", Bytes: 2 << 20})},
			apperr.CodeAttachmentTooLarge,
		},
		{
			"mention out of bounds", 1,
			SendInput{ChatID: chat.ID, Content: "hi", Mentions: []model.Mention{{UserID: 2, Offset: 1, Length: 5}}},
			apperr.CodeInvalidInput,
		},
		{
			"mention outsider", 1,
			SendInput{ChatID: chat.ID, Content: "hi @x", Mentions: []model.Mention{{UserID: 9, Offset: 3, Length: 2}}},
			apperr.CodeInvalidInput,
		},
		{
			"reply to unknown", 1,
			SendInput{ChatID: chat.ID, Content: "re", ReplyToMessageID: ptr(uint(777))},
			apperr.CodeMessageNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Messages.Send(ctx, tt.actor, tt.in)
			wantCode(t, err, tt.code)
		})
	}

	if msgs, _ := env.svc.Messages.List(ctx, 1, chat.ID, Page{}); len(msgs) != 0 {
		t.Errorf("rejected sends left %d messages", len(msgs))
	}
}

func TestSendRespectsFileTypes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)

	types := []string{"png", "jpg"}
	if _, err := env.svc.Conversations.UpdateSettings(ctx, 1, chat.ID, model.SettingsPatch{AllowedFileTypes: &types}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	_, err := env.svc.Messages.Send(ctx, 2, SendInput{
		ChatID: chat.ID, Type: model.MessageTypeDocument,
		Attachments: []model.Attachment{{URL: "u", Format: "exe", Bytes: 10}},
	})
	wantCode(t, err, apperr.CodeAttachmentTypeDenied)

	msg, err := env.svc.Messages.Send(ctx, 2, SendInput{
		ChatID: chat.ID, Type: model.MessageTypeImage,
		Attachments: []model.Attachment{{URL: "u", Format: "PNG", Bytes: 10}},
	})
	if err != nil {
		t.Fatalf("Send image: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Errorf("attachments = %+v", msg.Attachments)
	}
}

func TestDeliveryStatusNeverRegresses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	msg := env.send(t, 1, chat.ID, "status")

	// прочитано раньше, чем пришло подтверждение доставки
	if _, err := env.svc.Reads.MarkRead(ctx, 2, chat.ID, msg.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	ids, err := env.svc.Messages.AckDelivered(ctx, 2, chat.ID, msg.ID)
	if err != nil {
		t.Fatalf("AckDelivered: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("AckDelivered promoted %v after read", ids)
	}

	got, err := env.svc.Messages.Get(ctx, 1, msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DeliveryStatus != model.StatusRead {
		t.Errorf("DeliveryStatus = %s, want read", got.DeliveryStatus)
	}
}

func TestAckDeliveredSkipsOwnMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	fromOne := env.send(t, 1, chat.ID, "a")
	fromTwo := env.send(t, 2, chat.ID, "b")

	ids, err := env.svc.Messages.AckDelivered(ctx, 2, chat.ID, fromTwo.ID)
	if err != nil {
		t.Fatalf("AckDelivered: %v", err)
	}
	if len(ids) != 1 || ids[0] != fromOne.ID {
		t.Fatalf("promoted = %v, want [%d]", ids, fromOne.ID)
	}

	evs := env.recorder.OfType(events.TypeDelivery)
	if len(evs) != 1 {
		t.Fatalf("delivery events = %d", len(evs))
	}
	update := evs[0].Data.(events.DeliveryUpdate)
	if update.Status != model.StatusDelivered {
		t.Errorf("status = %s", update.Status)
	}
}

func TestEditKeepsIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	msg := env.send(t, 1, chat.ID, "draft")

	env.clock.Advance(time.Minute)
	edited, err := env.svc.Messages.Edit(ctx, 1, msg.ID, "final")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if edited.Content != "final" || !edited.IsEdited {
		t.Errorf("edited = %+v", edited)
	}
	if !edited.CreatedAt.Equal(msg.CreatedAt) || edited.Sequence != msg.Sequence {
		t.Errorf("identity changed: %v/%d -> %v/%d", msg.CreatedAt, msg.Sequence, edited.CreatedAt, edited.Sequence)
	}
	if len(edited.EditHistory) != 1 || edited.EditHistory[0].PreviousContent != "draft" {
		t.Errorf("history = %+v", edited.EditHistory)
	}

	_, err = env.svc.Messages.Edit(ctx, 2, msg.ID, "hijack")
	wantCode(t, err, apperr.CodeNotAuthor)

	if _, err := env.svc.Messages.Delete(ctx, 1, msg.ID, model.DeletedForEveryone); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err = env.svc.Messages.Edit(ctx, 1, msg.ID, "again")
	wantCode(t, err, apperr.CodeMessageDeleted)
}

func TestEditingDisabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	msg := env.send(t, 2, chat.ID, "locked")

	off := false
	if _, err := env.svc.Conversations.UpdateSettings(ctx, 1, chat.ID, model.SettingsPatch{AllowEditing: &off}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	_, err := env.svc.Messages.Edit(ctx, 2, msg.ID, "changed")
	wantCode(t, err, apperr.CodeEditingDisabled)
}

func TestDeleteForEveryoneKeepsReplySnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	original := env.send(t, 1, chat.ID, "original text")

	reply, err := env.svc.Messages.Send(ctx, 2, SendInput{ChatID: chat.ID, Content: "agreed", ReplyToMessageID: &original.ID})
	if err != nil {
		t.Fatalf("Send reply: %v", err)
	}
	if _, err := env.svc.Reactions.AddReaction(ctx, 2, original.ID, "👍"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}

	deleted, err := env.svc.Messages.Delete(ctx, 1, original.ID, model.DeletedForEveryone)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted.IsDeleted || deleted.Content != "" {
		t.Errorf("tombstone = %+v", deleted)
	}

	got, err := env.svc.Messages.Get(ctx, 2, reply.ID)
	if err != nil {
		t.Fatalf("Get reply: %v", err)
	}
	if got.ReplyTo == nil || got.ReplyTo.Content != "original text" {
		t.Errorf("ReplyTo = %+v", got.ReplyTo)
	}

	tomb, err := env.svc.Messages.Get(ctx, 2, original.ID)
	if err != nil {
		t.Fatalf("Get tombstone: %v", err)
	}
	if tomb.Sequence != original.Sequence || len(tomb.Reactions) != 0 {
		t.Errorf("tombstone = seq %d reactions %v", tomb.Sequence, tomb.Reactions)
	}

	_, err = env.svc.Messages.Send(ctx, 2, SendInput{ChatID: chat.ID, Content: "late", ReplyToMessageID: &original.ID})
	wantCode(t, err, apperr.CodeMessageDeleted)
}

func TestDeleteForSenderIsPerViewer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	msg := env.send(t, 1, chat.ID, "oops")

	_, err := env.svc.Messages.Delete(ctx, 2, msg.ID, model.DeletedForSender)
	wantCode(t, err, apperr.CodeNotAuthor)

	if _, err := env.svc.Messages.Delete(ctx, 1, msg.ID, model.DeletedForSender); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	mine, _ := env.svc.Messages.Get(ctx, 1, msg.ID)
	if !mine.IsDeleted || mine.Content != "" {
		t.Errorf("author view = %+v", mine)
	}
	theirs, _ := env.svc.Messages.Get(ctx, 2, msg.ID)
	if theirs.IsDeleted || theirs.Content != "oops" {
		t.Errorf("other view = %+v", theirs)
	}

	evs := env.recorder.OfType(events.TypeMessageDeleted)
	if len(evs) != 1 || len(evs[0].Recipients) != 1 || evs[0].Recipients[0] != 1 {
		t.Errorf("delete events = %+v", evs)
	}
}

func TestDeleteAnyNeedsModerator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2, 3)
	msg := env.send(t, 2, chat.ID, "spam")

	_, err := env.svc.Messages.Delete(ctx, 3, msg.ID, model.DeletedForEveryone)
	wantCode(t, err, apperr.CodeNotAuthor)

	if _, err := env.svc.Messages.Delete(ctx, 1, msg.ID, model.DeletedForEveryone); err != nil {
		t.Fatalf("owner Delete: %v", err)
	}

	_, err = env.svc.Messages.Delete(ctx, 1, msg.ID, "archive")
	wantCode(t, err, apperr.CodeInvalidScope)
}

func TestForwardDepthLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.group(t, 1, 2)
	b := env.group(t, 1, 3)
	msg := env.send(t, 2, a.ID, "pass it on")

	// лимит в тестовом окружении - 3
	current := msg
	targets := []uint{b.ID, a.ID, b.ID}
	for i, target := range targets {
		fwd, err := env.svc.Messages.Forward(ctx, 1, current.ID, target)
		if err != nil {
			t.Fatalf("Forward #%d: %v", i+1, err)
		}
		if fwd.ForwardChain != i+1 {
			t.Errorf("ForwardChain = %d, want %d", fwd.ForwardChain, i+1)
		}
		if fwd.ForwardedFrom == nil || fwd.ForwardedFrom.MessageID != current.ID {
			t.Errorf("ForwardedFrom = %+v, want message %d", fwd.ForwardedFrom, current.ID)
		}
		if fwd.Content != "pass it on" || fwd.SenderID != 1 {
			t.Errorf("forwarded = %+v", fwd)
		}
		current = fwd
	}

	_, err := env.svc.Messages.Forward(ctx, 1, current.ID, a.ID)
	wantCode(t, err, apperr.CodeForwardDepthExceeded)

	// пересылать можно только в свой чат
	_, err = env.svc.Messages.Forward(ctx, 2, msg.ID, b.ID)
	wantCode(t, err, apperr.CodeNotParticipant)
}

func TestPinRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	msg := env.send(t, 2, chat.ID, "important")

	_, err := env.svc.Messages.Pin(ctx, 2, msg.ID, "")
	wantCode(t, err, apperr.CodePermissionDenied)

	pinned, err := env.svc.Messages.Pin(ctx, 1, msg.ID, " read this ")
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if !pinned.IsPinned || pinned.PinnedReason != "read this" || pinned.PinnedByID == nil || *pinned.PinnedByID != 1 {
		t.Errorf("pinned = %+v", pinned)
	}

	unpinned, err := env.svc.Messages.Unpin(ctx, 1, msg.ID)
	if err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if unpinned.IsPinned || unpinned.PinnedByID != nil {
		t.Errorf("unpinned = %+v", unpinned)
	}
}

func TestMarkMentionRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2, 3)

	msg, err := env.svc.Messages.Send(ctx, 1, SendInput{
		ChatID:   chat.ID,
		Content:  "@two look",
		Mentions: []model.Mention{{UserID: 2, Offset: 0, Length: 4, Read: true}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Mentions[0].Read {
		t.Fatal("client-provided read flag was kept")
	}

	_, err = env.svc.Messages.MarkMentionRead(ctx, 3, msg.ID)
	wantCode(t, err, apperr.CodeInvalidInput)

	got, err := env.svc.Messages.MarkMentionRead(ctx, 2, msg.ID)
	if err != nil {
		t.Fatalf("MarkMentionRead: %v", err)
	}
	if !got.Mentions[0].Read {
		t.Error("mention is still unread")
	}

	// курсор чата при этом не двигается
	count, _ := env.svc.Reads.UnreadCount(ctx, 2, chat.ID)
	if count != 1 {
		t.Errorf("UnreadCount = %d, want 1", count)
	}
}

func TestListPaginatesBySequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	for i := 0; i < 7; i++ {
		env.send(t, 1, chat.ID, fmt.Sprintf("m%d", i))
	}

	last, err := env.svc.Messages.List(ctx, 2, chat.ID, Page{Limit: 3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(last) != 3 || last[0].Sequence != 5 || last[2].Sequence != 7 {
		t.Fatalf("last page = %v", sequences(last))
	}

	prev, err := env.svc.Messages.List(ctx, 2, chat.ID, Page{BeforeSeq: last[0].Sequence, Limit: 3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := sequences(prev); len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Fatalf("previous page = %v", got)
	}
}

func TestSearchHidesDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	env.send(t, 1, chat.ID, "Quarterly report")
	hidden := env.send(t, 1, chat.ID, "report draft")
	env.send(t, 2, chat.ID, "lunch?")

	if _, err := env.svc.Messages.Delete(ctx, 1, hidden.ID, model.DeletedForSender); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	mine, err := env.svc.Messages.Search(ctx, 1, chat.ID, "REPORT", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(mine) != 1 {
		t.Errorf("author sees %d results, want 1", len(mine))
	}
	theirs, _ := env.svc.Messages.Search(ctx, 2, chat.ID, "report", 0)
	if len(theirs) != 2 {
		t.Errorf("other sees %d results, want 2", len(theirs))
	}

	_, err = env.svc.Messages.Search(ctx, 1, chat.ID, " ", 0)
	wantCode(t, err, apperr.CodeInvalidInput)
}

func ptr[T any](v T) *T { return &v }

func sequences(msgs []model.Message) []uint64 {
	out := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Sequence)
	}
	return out
}

func TestEditAfterConcurrentDeleteKeepsTombstone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	msg := env.send(t, 1, chat.ID, "draft")

	p := newPause()
	env.repos.Messages = &pausingMessages{MessageRepository: env.repos.Messages, pause: p}
	env.rebuild()

	errc := make(chan error, 1)
	go func() {
		_, err := env.svc.Messages.Edit(ctx, 1, msg.ID, "edited")
		errc <- err
	}()

	<-p.loaded
	if _, err := env.svc.Messages.Delete(ctx, 1, msg.ID, model.DeletedForEveryone); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	close(p.release)

	wantCode(t, <-errc, apperr.CodeMessageDeleted)

	stored, err := env.repos.Messages.GetByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !stored.IsDeleted || stored.DeletedFor != model.DeletedForEveryone || stored.Content != "" || len(stored.EditHistory) != 0 {
		t.Errorf("stored = deleted %v, scope %s, content %q, history %d",
			stored.IsDeleted, stored.DeletedFor, stored.Content, len(stored.EditHistory))
	}
}

func TestConcurrentEditsKeepEveryHistoryEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	msg := env.send(t, 1, chat.ID, "v0")

	const edits = 10
	var wg sync.WaitGroup
	for i := 1; i <= edits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.svc.Messages.Edit(ctx, 1, msg.ID, fmt.Sprintf("v%d", i)); err != nil {
				t.Errorf("Edit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	stored, _ := env.repos.Messages.GetByID(ctx, msg.ID)
	if len(stored.EditHistory) != edits {
		t.Fatalf("history = %d entries, want %d", len(stored.EditHistory), edits)
	}
	// каждая правка начинается с результата предыдущей
	prev := "v0"
	for i, e := range stored.EditHistory {
		if e.PreviousContent != prev {
			t.Fatalf("history[%d].PreviousContent = %q, want %q", i, e.PreviousContent, prev)
		}
		prev = e.NewContent
	}
	if stored.Content != prev {
		t.Errorf("content = %q, want %q", stored.Content, prev)
	}
}

func TestPinDuringThreadReplyKeepsCounters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	root := env.send(t, 1, chat.ID, "topic")

	p := newPause()
	env.repos.Messages = &pausingMessages{MessageRepository: env.repos.Messages, pause: p}
	env.rebuild()

	errc := make(chan error, 1)
	go func() {
		_, err := env.svc.Messages.Pin(ctx, 1, root.ID, "")
		errc <- err
	}()

	<-p.loaded
	if _, err := env.svc.Reactions.ReplyInThread(ctx, 2, root.ID, SendInput{Content: "reply"}); err != nil {
		t.Fatalf("ReplyInThread: %v", err)
	}
	close(p.release)
	if err := <-errc; err != nil {
		t.Fatalf("Pin: %v", err)
	}

	stored, _ := env.repos.Messages.GetByID(ctx, root.ID)
	if !stored.IsPinned || stored.ThreadRepliesCount != 1 || stored.LastThreadReply == nil {
		t.Errorf("root = pinned %v, replies %d, last %v", stored.IsPinned, stored.ThreadRepliesCount, stored.LastThreadReply)
	}
}

func TestDeleteForEveryoneUnpins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	msg := env.send(t, 1, chat.ID, "pinned")

	if _, err := env.svc.Messages.Pin(ctx, 1, msg.ID, "read me"); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	deleted, err := env.svc.Messages.Delete(ctx, 1, msg.ID, model.DeletedForEveryone)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted.IsPinned || deleted.PinnedByID != nil {
		t.Errorf("deleted message still pinned: %+v", deleted)
	}

	_, err = env.svc.Messages.Pin(ctx, 1, msg.ID, "")
	wantCode(t, err, apperr.CodeMessageDeleted)
}
