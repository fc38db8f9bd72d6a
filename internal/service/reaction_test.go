package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"tush00nka/portal_chat/internal/events"
	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
	"tush00nka/portal_chat/internal/repository"
)

func TestReactionsAreASet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2, 3)
	msg := env.send(t, 1, chat.ID, "vote")

	for i := 0; i < 3; i++ {
		if _, err := env.svc.Reactions.AddReaction(ctx, 2, msg.ID, "👍"); err != nil {
			t.Fatalf("AddReaction: %v", err)
		}
	}
	groups, err := env.svc.Reactions.AddReaction(ctx, 3, msg.ID, "👍")
	if err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	groups, err = env.svc.Reactions.AddReaction(ctx, 3, msg.ID, "🎉")
	if err != nil {
		t.Fatalf("AddReaction: %v", err)
	}

	if len(groups) != 2 {
		t.Fatalf("groups = %+v", groups)
	}
	if groups[0].Emoji != "👍" || groups[0].Count != 2 || !slices.Equal(groups[0].UserIDs, []uint{2, 3}) {
		t.Errorf("first group = %+v", groups[0])
	}
	if groups[1].Emoji != "🎉" || groups[1].Count != 1 {
		t.Errorf("second group = %+v", groups[1])
	}
	if got := len(env.recorder.OfType(events.TypeReaction)); got != 3 {
		t.Errorf("reaction events = %d, want 3", got)
	}

	groups, err = env.svc.Reactions.RemoveReaction(ctx, 2, msg.ID, "👍")
	if err != nil {
		t.Fatalf("RemoveReaction: %v", err)
	}
	if groups[0].Count != 1 {
		t.Errorf("after remove = %+v", groups)
	}

	// снятие отсутствующей реакции не ошибка и не событие
	if _, err := env.svc.Reactions.RemoveReaction(ctx, 2, msg.ID, "👍"); err != nil {
		t.Fatalf("RemoveReaction again: %v", err)
	}
	if got := len(env.recorder.OfType(events.TypeReaction)); got != 4 {
		t.Errorf("reaction events = %d, want 4", got)
	}

	got, _ := env.svc.Messages.Get(ctx, 1, msg.ID)
	if len(got.Reactions) != 2 {
		t.Errorf("message reactions = %+v", got.Reactions)
	}
}

func TestReactionValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	msg := env.send(t, 1, chat.ID, "x")

	_, err := env.svc.Reactions.AddReaction(ctx, 2, msg.ID, " ")
	wantCode(t, err, apperr.CodeInvalidInput)
	_, err = env.svc.Reactions.AddReaction(ctx, 2, msg.ID, strings.Repeat("a", 33))
	wantCode(t, err, apperr.CodeInvalidInput)
	_, err = env.svc.Reactions.AddReaction(ctx, 7, msg.ID, "👍")
	wantCode(t, err, apperr.CodeNotParticipant)
	_, err = env.svc.Reactions.AddReaction(ctx, 2, 999, "👍")
	wantCode(t, err, apperr.CodeMessageNotFound)

	if _, err := env.svc.Messages.Delete(ctx, 1, msg.ID, model.DeletedForEveryone); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err = env.svc.Reactions.AddReaction(ctx, 2, msg.ID, "👍")
	wantCode(t, err, apperr.CodeMessageDeleted)
}

func TestReplyInThread(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	root := env.send(t, 1, chat.ID, "topic")

	in := SendInput{Content: "first reply", ClientToken: "t-1"}
	reply, err := env.svc.Reactions.ReplyInThread(ctx, 2, root.ID, in)
	if err != nil {
		t.Fatalf("ReplyInThread: %v", err)
	}
	if reply.ThreadID == nil || *reply.ThreadID != root.ID || reply.ChatID != chat.ID {
		t.Fatalf("reply = %+v", reply)
	}

	// повтор с тем же токеном не увеличивает счетчик
	if _, err := env.svc.Reactions.ReplyInThread(ctx, 2, root.ID, in); err != nil {
		t.Fatalf("ReplyInThread retry: %v", err)
	}
	env.clock.Advance(1)
	if _, err := env.svc.Reactions.ReplyInThread(ctx, 1, root.ID, SendInput{Content: "second"}); err != nil {
		t.Fatalf("ReplyInThread: %v", err)
	}

	got, err := env.svc.Messages.Get(ctx, 1, root.ID)
	if err != nil {
		t.Fatalf("Get root: %v", err)
	}
	if got.ThreadRepliesCount != 2 || got.LastThreadReply == nil || !got.LastThreadReply.Equal(env.clock.Now()) {
		t.Errorf("root thread = %d, %v", got.ThreadRepliesCount, got.LastThreadReply)
	}

	replies, err := env.svc.Reactions.ThreadReplies(ctx, 2, root.ID)
	if err != nil {
		t.Fatalf("ThreadReplies: %v", err)
	}
	if len(replies) != 2 || replies[0].Content != "first reply" {
		t.Errorf("replies = %+v", replies)
	}

	// ответы ветки не попадают в основную ленту, но занимают номера
	feed, _ := env.svc.Messages.List(ctx, 1, chat.ID, Page{})
	if len(feed) != 1 || feed[0].ID != root.ID {
		t.Errorf("feed = %v", sequences(feed))
	}
	next := env.send(t, 1, chat.ID, "after")
	if next.Sequence != 4 {
		t.Errorf("next sequence = %d, want 4", next.Sequence)
	}

	if got := len(env.recorder.OfType(events.TypeThreadReply)); got != 2 {
		t.Errorf("thread reply events = %d, want 2", got)
	}

	_, err = env.svc.Reactions.ReplyInThread(ctx, 1, reply.ID, SendInput{Content: "nested"})
	wantCode(t, err, apperr.CodeNestedThread)
}

func TestReplyInThreadDisabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	root := env.send(t, 1, chat.ID, "no threads")

	off := false
	if _, err := env.svc.Conversations.UpdateSettings(ctx, 1, chat.ID, model.SettingsPatch{AllowThreading: &off}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	_, err := env.svc.Reactions.ReplyInThread(ctx, 2, root.ID, SendInput{Content: "hi"})
	wantCode(t, err, apperr.CodeThreadingDisabled)

	got, _ := env.svc.Messages.Get(ctx, 1, root.ID)
	if got.ThreadRepliesCount != 0 {
		t.Errorf("ThreadRepliesCount = %d", got.ThreadRepliesCount)
	}
}

func TestReplyInThreadWrongChat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.group(t, 1, 2)
	b := env.group(t, 1, 2)
	root := env.send(t, 1, a.ID, "root")

	_, err := env.svc.Reactions.ReplyInThread(ctx, 2, root.ID, SendInput{ChatID: b.ID, Content: "x"})
	wantCode(t, err, apperr.CodeWrongChat)
}

// failingReplies отказывает в сохранении ответов ветки, пока выставлен fail
type failingReplies struct {
	repository.MessageRepository
	fail atomic.Bool
}

func (r *failingReplies) Append(ctx context.Context, msg *model.Message) error {
	if msg.ThreadID != nil && r.fail.Load() {
		return errors.New("connection reset")
	}
	return r.MessageRepository.Append(ctx, msg)
}

func TestReplyInThreadRetryAfterStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.group(t, 1, 2)
	root := env.send(t, 1, chat.ID, "topic")

	repo := &failingReplies{MessageRepository: env.repos.Messages}
	repo.fail.Store(true)
	env.repos.Messages = repo
	env.rebuild()

	in := SendInput{Content: "reply", ClientToken: "thread-1"}
	_, err := env.svc.Reactions.ReplyInThread(ctx, 2, root.ID, in)
	wantKind(t, err, apperr.KindDelivery)

	stored, _ := env.repos.Messages.GetByID(ctx, root.ID)
	if stored.ThreadRepliesCount != 0 {
		t.Fatalf("replies count after failure = %d, want 0", stored.ThreadRepliesCount)
	}

	repo.fail.Store(false)
	for i := 0; i < 2; i++ {
		if _, err := env.svc.Reactions.ReplyInThread(ctx, 2, root.ID, in); err != nil {
			t.Fatalf("ReplyInThread retry %d: %v", i, err)
		}
	}

	replies, _ := env.repos.Messages.ListThread(ctx, root.ID)
	stored, _ = env.repos.Messages.GetByID(ctx, root.ID)
	if len(replies) != 1 || stored.ThreadRepliesCount != len(replies) {
		t.Errorf("thread has %d replies, root counts %d", len(replies), stored.ThreadRepliesCount)
	}
}
