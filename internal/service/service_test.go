package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tush00nka/portal_chat/internal/events"
	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
	"tush00nka/portal_chat/internal/pkg/logger"
	"tush00nka/portal_chat/internal/repository"
)

// testClock ручные часы для детерминированных тестов
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc      Services
	repos    repository.Repositories
	recorder *events.Recorder
	clock    *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		repos:    repository.NewMemoryRepositories(),
		recorder: &events.Recorder{},
		clock:    newTestClock(),
	}
	env.svc = New(Deps{
		Repos:     env.repos,
		Publisher: env.recorder,
		Logger:    logger.Discard(),
		Now:       env.clock.Now,
		Options:   Options{ForwardMaxDepth: 3, MaxFileSize: 1 << 20},
	})
	return env
}

// rebuild пересобирает сервисы поверх текущих e.repos
func (e *testEnv) rebuild() {
	e.svc = New(Deps{
		Repos:     e.repos,
		Publisher: e.recorder,
		Logger:    logger.Discard(),
		Now:       e.clock.Now,
		Options:   Options{ForwardMaxDepth: 3, MaxFileSize: 1 << 20},
	})
}

// pause останавливает первый вызов после чтения из хранилища, пока тест не закроет release
type pause struct {
	armed   atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func newPause() *pause {
	p := &pause{loaded: make(chan struct{}), release: make(chan struct{})}
	p.armed.Store(true)
	return p
}

func (p *pause) hold() {
	if p.armed.CompareAndSwap(true, false) {
		close(p.loaded)
		<-p.release
	}
}

type pausingMessages struct {
	repository.MessageRepository
	pause *pause
}

func (r *pausingMessages) GetByID(ctx context.Context, messageID uint) (*model.Message, error) {
	msg, err := r.MessageRepository.GetByID(ctx, messageID)
	r.pause.hold()
	return msg, err
}

type pausingChats struct {
	repository.ChatRepository
	pause *pause
}

func (r *pausingChats) GetByID(ctx context.Context, chatID uint) (*model.Chat, error) {
	chat, err := r.ChatRepository.GetByID(ctx, chatID)
	r.pause.hold()
	return chat, err
}

func (e *testEnv) group(t *testing.T, owner uint, members ...uint) *model.Chat {
	t.Helper()

	chat, created, err := e.svc.Conversations.CreateChat(context.Background(), owner, CreateChatInput{
		Type:           model.ChatTypeGroup,
		Name:           "project",
		ParticipantIDs: members,
	})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if !created {
		t.Fatal("group chat was not created")
	}
	return chat
}

func (e *testEnv) send(t *testing.T, sender, chatID uint, content string) *model.Message {
	t.Helper()

	msg, err := e.svc.Messages.Send(context.Background(), sender, SendInput{ChatID: chatID, Content: content})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return msg
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error %s, got nil", code)
	}
	if !apperr.HasCode(err, code) {
		t.Fatalf("error = %v (code %s), want code %s", err, apperr.CodeOf(err), code)
	}
}

func wantKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()

	if !apperr.IsKind(err, kind) {
		t.Fatalf("error = %v (kind %s), want kind %s", err, apperr.KindOf(err), kind)
	}
}
