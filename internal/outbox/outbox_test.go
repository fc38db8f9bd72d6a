package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
	"tush00nka/portal_chat/internal/pkg/logger"
	"tush00nka/portal_chat/internal/repository"
	"tush00nka/portal_chat/internal/service"
)

// flakySender падает первые failures раз, затем отдает в next
type flakySender struct {
	failures atomic.Int32
	calls    atomic.Int32
	next     Sender
}

func (s *flakySender) Send(ctx context.Context, actorID uint, in service.SendInput) (*model.Message, error) {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return nil, apperr.Delivery(errors.New("connection reset"), "failed to persist message")
	}
	return s.next.Send(ctx, actorID, in)
}

// blockingSender держит запрос до закрытия release
type blockingSender struct {
	release chan struct{}
}

func (s *blockingSender) Send(ctx context.Context, actorID uint, in service.SendInput) (*model.Message, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	token := in.ClientToken
	return &model.Message{ID: 1, ChatID: in.ChatID, SenderID: actorID, ClientToken: &token, DeliveryStatus: model.StatusSent}, nil
}

func newServices(t *testing.T) (service.Services, uint) {
	t.Helper()

	svc := service.New(service.Deps{
		Repos:  repository.NewMemoryRepositories(),
		Logger: logger.Discard(),
	})
	chat, _, err := svc.Conversations.CreateChat(context.Background(), 1, service.CreateChatInput{
		Type: model.ChatTypeGroup, Name: "outbox", ParticipantIDs: []uint{2},
	})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return svc, chat.ID
}

func TestComposeAndFlush(t *testing.T) {
	svc, chatID := newServices(t)
	box := New(1, svc.Messages, 0, logger.Discard())
	ctx := context.Background()

	a := box.Compose(service.SendInput{ChatID: chatID, Content: "first"})
	b := box.Compose(service.SendInput{ChatID: chatID, Content: "second"})
	if a.Status != model.StatusSending || a.TempID == "" || a.ClientToken == "" {
		t.Fatalf("composed = %+v", a)
	}
	if a.TempID == b.TempID || a.ClientToken == b.ClientToken {
		t.Fatal("entries share identifiers")
	}

	if err := box.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	entries := box.Entries()
	for i, e := range entries {
		if e.Status != model.StatusSent || e.Message == nil {
			t.Fatalf("entries[%d] = %+v", i, e)
		}
	}
	if entries[0].Message.Sequence != 1 || entries[1].Message.Sequence != 2 {
		t.Errorf("sequences = %d, %d", entries[0].Message.Sequence, entries[1].Message.Sequence)
	}

	if n := box.Prune(); n != 2 || len(box.Entries()) != 0 {
		t.Errorf("Prune = %d, left %d", n, len(box.Entries()))
	}
}

func TestRetryKeepsToken(t *testing.T) {
	svc, chatID := newServices(t)
	sender := &flakySender{next: svc.Messages}
	sender.failures.Store(1)
	box := New(1, sender, 0, logger.Discard())
	ctx := context.Background()

	e := box.Compose(service.SendInput{ChatID: chatID, Content: "retry me"})

	failed, err := box.Send(ctx, e.TempID)
	if !apperr.IsKind(err, apperr.KindDelivery) {
		t.Fatalf("Send error = %v", err)
	}
	if failed.Status != model.StatusFailed || failed.Error == "" {
		t.Fatalf("failed entry = %+v", failed)
	}

	// failed нельзя отменить
	if err := box.Cancel(e.TempID); !apperr.HasCode(err, apperr.CodeCancelNotAllowed) {
		t.Fatalf("Cancel error = %v", err)
	}

	retried, err := box.Retry(e.TempID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.TempID != e.TempID || retried.ClientToken != e.ClientToken || retried.Status != model.StatusSending {
		t.Fatalf("retried = %+v", retried)
	}

	sent, err := box.Send(ctx, e.TempID)
	if err != nil {
		t.Fatalf("Send after retry: %v", err)
	}
	if sent.Message == nil || sent.Message.ClientToken == nil || *sent.Message.ClientToken != e.ClientToken {
		t.Errorf("sent = %+v", sent)
	}

	// повторная отправка на сервере не дублирует сообщение
	again, err := svc.Messages.Send(ctx, 1, e.Input)
	if err != nil {
		t.Fatalf("Send duplicate: %v", err)
	}
	if again.ID != sent.Message.ID {
		t.Errorf("duplicate created message %d, want %d", again.ID, sent.Message.ID)
	}

	_, err = box.Retry(e.TempID)
	if !apperr.HasCode(err, apperr.CodeInvalidTransition) {
		t.Errorf("Retry of sent message error = %v", err)
	}
}

func TestCancelWhileSending(t *testing.T) {
	svc, chatID := newServices(t)
	box := New(1, svc.Messages, 0, logger.Discard())

	e := box.Compose(service.SendInput{ChatID: chatID, Content: "never mind"})
	if err := box.Cancel(e.TempID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(box.Entries()) != 0 {
		t.Fatal("cancelled entry is still queued")
	}
	if err := box.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	msgs, _ := svc.Messages.List(context.Background(), 1, chatID, service.Page{})
	if len(msgs) != 0 {
		t.Errorf("cancelled message reached the server: %+v", msgs)
	}
}

func TestAwaitDeliveryMarksPending(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	box := New(1, sender, 20*time.Millisecond, logger.Discard())
	ctx := context.Background()

	e := box.Compose(service.SendInput{ChatID: 5, Content: "slow"})
	go box.Send(ctx, e.TempID)

	waited, err := box.AwaitDelivery(ctx, e.TempID)
	if err != nil {
		t.Fatalf("AwaitDelivery: %v", err)
	}
	if !waited.Pending || waited.Status != model.StatusSending {
		t.Fatalf("entry after grace = %+v", waited)
	}

	if err := box.Cancel(e.TempID); !apperr.HasCode(err, apperr.CodeCancelNotAllowed) {
		t.Fatalf("Cancel in flight error = %v", err)
	}

	close(sender.release)
	done, err := box.AwaitDelivery(ctx, e.TempID)
	if err != nil {
		t.Fatalf("AwaitDelivery: %v", err)
	}
	if done.Status != model.StatusSent || done.Pending {
		t.Errorf("entry after delivery = %+v", done)
	}
}

func TestReconcileByClientToken(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	box := New(1, sender, time.Second, logger.Discard())

	e := box.Compose(service.SendInput{ChatID: 5, Content: "echo"})

	other := "someone-else"
	if box.Reconcile(&model.Message{ChatID: 5, SenderID: 1, ClientToken: &other}) {
		t.Fatal("reconciled a foreign token")
	}

	token := e.ClientToken
	if !box.Reconcile(&model.Message{ID: 9, ChatID: 5, SenderID: 1, ClientToken: &token}) {
		t.Fatal("Reconcile did not match")
	}

	got, err := box.AwaitDelivery(context.Background(), e.TempID)
	if err != nil {
		t.Fatalf("AwaitDelivery: %v", err)
	}
	if got.Status != model.StatusSent || got.Message.ID != 9 {
		t.Errorf("entry = %+v", got)
	}

	// уже подтвержденное сообщение повторно не отправляется
	close(sender.release)
	if err := box.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := box.Entries()[0]; got.Message.ID != 9 {
		t.Errorf("entry was resent: %+v", got)
	}
}

func TestFlushCollectsErrors(t *testing.T) {
	svc, chatID := newServices(t)
	box := New(2, svc.Messages, 0, logger.Discard())

	box.Compose(service.SendInput{ChatID: chatID, Content: "ok"})
	bad := box.Compose(service.SendInput{ChatID: chatID, Content: ""})

	err := box.Flush(context.Background())
	if !apperr.HasCode(err, apperr.CodeEmptyMessage) {
		t.Fatalf("Flush error = %v", err)
	}

	entries := box.Entries()
	if len(entries) != 1 || entries[0].Status != model.StatusSent {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].TempID == bad.TempID {
		t.Error("rejected entry is still queued")
	}
}

func TestSendRejectionDropsEntry(t *testing.T) {
	svc, chatID := newServices(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		actorID uint
		in      service.SendInput
		code    string
	}{
		{"empty message", 1, service.SendInput{ChatID: chatID}, apperr.CodeEmptyMessage},
		{"not a participant", 7, service.SendInput{ChatID: chatID, Content: "hi"}, apperr.CodeNotParticipant},
		{"unknown chat", 1, service.SendInput{ChatID: 999, Content: "hi"}, apperr.CodeChatNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box := New(tt.actorID, svc.Messages, 0, logger.Discard())
			e := box.Compose(tt.in)

			got, err := box.Send(ctx, e.TempID)
			if !apperr.HasCode(err, tt.code) {
				t.Fatalf("Send error = %v, want %s", err, tt.code)
			}
			if !got.Rejected || got.Status == model.StatusFailed || got.Error == "" {
				t.Fatalf("rejected entry = %+v", got)
			}
			if len(box.Entries()) != 0 {
				t.Fatal("rejected entry is still queued")
			}
			if _, err := box.Retry(e.TempID); !apperr.IsKind(err, apperr.KindNotFound) {
				t.Errorf("Retry error = %v", err)
			}
		})
	}
}
