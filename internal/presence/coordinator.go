package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"tush00nka/portal_chat/internal/events"
	"tush00nka/portal_chat/internal/pkg/metrics"
	"tush00nka/portal_chat/internal/repository"
)

const (
	DefaultTypingTTL   = 3 * time.Second
	DefaultPresenceTTL = 30 * time.Minute
	mirrorTimeout      = 2 * time.Second
)

// LastSeenRecorder сохраняет время последнего присутствия пользователя
type LastSeenRecorder interface {
	RecordLastSeen(ctx context.Context, userID uint, at time.Time) error
}

type Options struct {
	TypingTTL   time.Duration
	PresenceTTL time.Duration
}

type key struct {
	chatID uint
	userID uint
}

// typingState таймер конкретного периода набора; сравнивается по указателю
type typingState struct {
	stop func() bool
}

// Coordinator отслеживает набор текста и присутствие пользователей.
// Состояние набора независимо для каждой пары (чат, пользователь)
type Coordinator struct {
	mu       sync.Mutex
	typing   map[key]*typingState
	chatConn map[key]int
	userConn map[uint]int

	publisher events.Publisher
	repo      repository.PresenceRepository
	lastSeen  LastSeenRecorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	opts      Options

	afterFunc func(d time.Duration, f func()) func() bool
}

func NewCoordinator(publisher events.Publisher, repo repository.PresenceRepository, lastSeen LastSeenRecorder,
	m *metrics.Metrics, logger *slog.Logger, opts Options) *Coordinator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = DefaultPresenceTTL
	}

	return &Coordinator{
		typing:    make(map[key]*typingState),
		chatConn:  make(map[key]int),
		userConn:  make(map[uint]int),
		publisher: publisher,
		repo:      repo,
		lastSeen:  lastSeen,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		opts:      opts,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
}

// StartTyping переводит пару в состояние набора. Повторный вызов только продлевает срок
func (c *Coordinator) StartTyping(ctx context.Context, chatID, userID uint) {
	k := key{chatID, userID}
	state := &typingState{}

	c.mu.Lock()
	prev, wasTyping := c.typing[k]
	if wasTyping {
		prev.stop()
	}
	state.stop = c.afterFunc(c.opts.TypingTTL, func() { c.expire(k, state) })
	c.typing[k] = state
	c.mu.Unlock()

	c.mirror(ctx, "set typing", func(ctx context.Context) error {
		return c.repo.SetTyping(ctx, chatID, userID, c.opts.TypingTTL)
	})
	if !wasTyping {
		c.metrics.Typing()
		c.publishTyping(chatID, userID, true)
	}
}

// StopTyping возвращает пару в Idle; для неактивной пары ничего не делает
func (c *Coordinator) StopTyping(ctx context.Context, chatID, userID uint) {
	k := key{chatID, userID}

	c.mu.Lock()
	state, ok := c.typing[k]
	if ok {
		state.stop()
		delete(c.typing, k)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.mirror(ctx, "clear typing", func(ctx context.Context) error {
		return c.repo.ClearTyping(ctx, chatID, userID)
	})
	c.publishTyping(chatID, userID, false)
}

func (c *Coordinator) expire(k key, state *typingState) {
	c.mu.Lock()
	if c.typing[k] != state {
		// период уже закрыт или продлен
		c.mu.Unlock()
		return
	}
	delete(c.typing, k)
	c.mu.Unlock()

	c.mirror(context.Background(), "clear typing", func(ctx context.Context) error {
		return c.repo.ClearTyping(ctx, k.chatID, k.userID)
	})
	c.publishTyping(k.chatID, k.userID, false)
}

// IsTyping сообщает локальное состояние пары
func (c *Coordinator) IsTyping(chatID, userID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typing[key{chatID, userID}]
	return ok
}

// TypingUsers пользователи, набирающие текст в чате
func (c *Coordinator) TypingUsers(chatID uint) []uint {
	c.mu.Lock()
	users := make([]uint, 0)
	for k := range c.typing {
		if k.chatID == chatID {
			users = append(users, k.userID)
		}
	}
	c.mu.Unlock()

	slices.Sort(users)
	return users
}

// Connect учитывает новое соединение пользователя с чатом
func (c *Coordinator) Connect(ctx context.Context, chatID, userID uint) {
	k := key{chatID, userID}

	c.mu.Lock()
	c.chatConn[k]++
	first := c.chatConn[k] == 1
	c.userConn[userID]++
	c.mu.Unlock()

	c.mirror(ctx, "set online", func(ctx context.Context) error {
		return c.repo.SetOnline(ctx, chatID, userID, c.opts.PresenceTTL)
	})
	if first {
		c.publisher.Publish(events.Event{
			Type:   events.TypePresence,
			ChatID: chatID,
			Data:   events.Presence{UserID: userID, Online: true},
		})
	}
}

// Disconnect закрывает соединение. Последнее соединение пользователя фиксирует LastSeenAt
func (c *Coordinator) Disconnect(ctx context.Context, chatID, userID uint) {
	k := key{chatID, userID}

	c.mu.Lock()
	if c.chatConn[k] == 0 {
		c.mu.Unlock()
		return
	}
	c.chatConn[k]--
	leftChat := c.chatConn[k] == 0
	if leftChat {
		delete(c.chatConn, k)
	}
	c.userConn[userID]--
	offline := c.userConn[userID] <= 0
	if offline {
		delete(c.userConn, userID)
	}
	c.mu.Unlock()

	if !leftChat {
		return
	}

	c.StopTyping(ctx, chatID, userID)
	c.mirror(ctx, "set offline", func(ctx context.Context) error {
		return c.repo.SetOffline(ctx, chatID, userID)
	})

	var seen *time.Time
	if offline {
		at := c.now()
		seen = &at
		if c.lastSeen != nil {
			if err := c.lastSeen.RecordLastSeen(ctx, userID, at); err != nil {
				c.logger.WarnContext(ctx, "failed to record last seen", "user_id", userID, "error", err)
			}
		}
	}

	c.publisher.Publish(events.Event{
		Type:   events.TypePresence,
		ChatID: chatID,
		Data:   events.Presence{UserID: userID, Online: false, LastSeenAt: seen},
	})
}

// Online сообщает, есть ли у пользователя хотя бы одно соединение
func (c *Coordinator) Online(userID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userConn[userID] > 0
}

// OnlineUsers пользователи, подключенные к чату
func (c *Coordinator) OnlineUsers(chatID uint) []uint {
	c.mu.Lock()
	users := make([]uint, 0)
	for k := range c.chatConn {
		if k.chatID == chatID {
			users = append(users, k.userID)
		}
	}
	c.mu.Unlock()

	slices.Sort(users)
	return users
}

// Close останавливает все таймеры набора
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, state := range c.typing {
		state.stop()
		delete(c.typing, k)
	}
}

func (c *Coordinator) publishTyping(chatID, userID uint, typing bool) {
	c.publisher.Publish(events.Event{
		Type:   events.TypeTyping,
		ChatID: chatID,
		Data:   events.Typing{UserID: userID, IsTyping: typing},
	})
}

// mirror копирует состояние в общее хранилище; потеря записи допустима
func (c *Coordinator) mirror(ctx context.Context, op string, fn func(ctx context.Context) error) {
	if c.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.logger.Warn("failed to mirror presence state", "op", op, "error", err)
	}
}
