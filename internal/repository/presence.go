package repository

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceRepository общее состояние присутствия и набора текста с ограниченным временем жизни
type PresenceRepository interface {
	SetOnline(ctx context.Context, chatID, userID uint, ttl time.Duration) error
	SetOffline(ctx context.Context, chatID, userID uint) error
	OnlineUsers(ctx context.Context, chatID uint) ([]uint, error)

	SetTyping(ctx context.Context, chatID, userID uint, ttl time.Duration) error
	ClearTyping(ctx context.Context, chatID, userID uint) error
	TypingUsers(ctx context.Context, chatID uint) ([]uint, error)
}

// presenceRepository реализация поверх Redis
type presenceRepository struct {
	rdb *redis.Client
}

func NewPresenceRepository(rdb *redis.Client) PresenceRepository {
	return &presenceRepository{rdb: rdb}
}

// getOnlineKey возвращает ключ множества пользователей в сети
func (r *presenceRepository) getOnlineKey(chatID uint) string {
	return fmt.Sprintf("chat:%d:users_online", chatID)
}

// getTypingKey возвращает ключ признака набора текста
func (r *presenceRepository) getTypingKey(chatID, userID uint) string {
	return fmt.Sprintf("chat:%d:typing:%d", chatID, userID)
}

func (r *presenceRepository) SetOnline(ctx context.Context, chatID, userID uint, ttl time.Duration) error {
	if chatID == 0 || userID == 0 {
		return fmt.Errorf("chatID and userID cannot be zero")
	}

	key := r.getOnlineKey(chatID)
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark user online: %w", err)
	}
	return nil
}

func (r *presenceRepository) SetOffline(ctx context.Context, chatID, userID uint) error {
	if err := r.rdb.SRem(ctx, r.getOnlineKey(chatID), userID).Err(); err != nil {
		return fmt.Errorf("failed to mark user offline: %w", err)
	}
	return nil
}

func (r *presenceRepository) OnlineUsers(ctx context.Context, chatID uint) ([]uint, error) {
	members, err := r.rdb.SMembers(ctx, r.getOnlineKey(chatID)).Result()
	if err != nil {
		if err == redis.Nil {
			return []uint{}, nil
		}
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}

	users := make([]uint, 0, len(members))
	for _, member := range members {
		if id, err := strconv.ParseUint(member, 10, 64); err == nil {
			users = append(users, uint(id))
		}
	}
	slices.Sort(users)
	return users, nil
}

func (r *presenceRepository) SetTyping(ctx context.Context, chatID, userID uint, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, r.getTypingKey(chatID, userID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

func (r *presenceRepository) ClearTyping(ctx context.Context, chatID, userID uint) error {
	if err := r.rdb.Del(ctx, r.getTypingKey(chatID, userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear typing: %w", err)
	}
	return nil
}

func (r *presenceRepository) TypingUsers(ctx context.Context, chatID uint) ([]uint, error) {
	prefix := fmt.Sprintf("chat:%d:typing:", chatID)

	var cursor uint64
	users := make([]uint, 0)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan typing keys: %w", err)
		}

		for _, key := range keys {
			if id, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64); err == nil {
				users = append(users, uint(id))
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	slices.Sort(users)
	return users, nil
}

// memoryPresence реализация в памяти процесса; просроченные записи отбрасываются при чтении
type memoryPresence struct {
	mu     sync.Mutex
	now    func() time.Time
	online map[uint]map[uint]time.Time
	typing map[uint]map[uint]time.Time
}

func NewMemoryPresence(now func() time.Time) PresenceRepository {
	if now == nil {
		now = time.Now
	}
	return &memoryPresence{
		now:    now,
		online: make(map[uint]map[uint]time.Time),
		typing: make(map[uint]map[uint]time.Time),
	}
}

func put(m map[uint]map[uint]time.Time, chatID, userID uint, until time.Time) {
	users, ok := m[chatID]
	if !ok {
		users = make(map[uint]time.Time)
		m[chatID] = users
	}
	users[userID] = until
}

func alive(m map[uint]map[uint]time.Time, chatID uint, now time.Time) []uint {
	ids := make([]uint, 0)
	for userID, until := range m[chatID] {
		if now.Before(until) {
			ids = append(ids, userID)
		} else {
			delete(m[chatID], userID)
		}
	}
	slices.Sort(ids)
	return ids
}

func (r *memoryPresence) SetOnline(ctx context.Context, chatID, userID uint, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	put(r.online, chatID, userID, r.now().Add(ttl))
	return nil
}

func (r *memoryPresence) SetOffline(ctx context.Context, chatID, userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.online[chatID], userID)
	return nil
}

func (r *memoryPresence) OnlineUsers(ctx context.Context, chatID uint) ([]uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return alive(r.online, chatID, r.now()), nil
}

func (r *memoryPresence) SetTyping(ctx context.Context, chatID, userID uint, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	put(r.typing, chatID, userID, r.now().Add(ttl))
	return nil
}

func (r *memoryPresence) ClearTyping(ctx context.Context, chatID, userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.typing[chatID], userID)
	return nil
}

func (r *memoryPresence) TypingUsers(ctx context.Context, chatID uint) ([]uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return alive(r.typing, chatID, r.now()), nil
}
