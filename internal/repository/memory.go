package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
)

type participantKey struct {
	chatID uint
	userID uint
}

type reactionKey struct {
	messageID uint
	userID    uint
	emoji     string
}

type receiptKey struct {
	messageID uint
	userID    uint
}

type announcementReceiptKey struct {
	announcementID uint
	userID         uint
}

// MemoryStore хранилище в памяти процесса. Все данные под одним мьютексом,
// наружу отдаются только копии
type MemoryStore struct {
	mu sync.RWMutex

	chatSeq uint
	chats   map[uint]*model.Chat
	direct  map[string]uint

	participants map[participantKey]*model.Participant

	messageSeq uint
	messages   map[uint]*model.Message
	byChat     map[uint][]uint
	tokens     map[string]uint

	reactions    map[reactionKey]model.Reaction
	reactionSeq  map[reactionKey]uint64
	reactionTick uint64

	receipts map[receiptKey]model.ReadReceipt

	announcementSeq      uint
	announcements        map[uint]*model.Announcement
	announcementReceipts map[announcementReceiptKey]model.AnnouncementReceipt

	userSeq uint
	users   map[uint]*model.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:                make(map[uint]*model.Chat),
		direct:               make(map[string]uint),
		participants:         make(map[participantKey]*model.Participant),
		messages:             make(map[uint]*model.Message),
		byChat:               make(map[uint][]uint),
		tokens:               make(map[string]uint),
		reactions:            make(map[reactionKey]model.Reaction),
		reactionSeq:          make(map[reactionKey]uint64),
		receipts:             make(map[receiptKey]model.ReadReceipt),
		announcements:        make(map[uint]*model.Announcement),
		announcementReceipts: make(map[announcementReceiptKey]model.AnnouncementReceipt),
		users:                make(map[uint]*model.User),
	}
}

func (s *MemoryStore) Chats() ChatRepository                 { return (*memoryChats)(s) }
func (s *MemoryStore) Messages() MessageRepository           { return (*memoryMessages)(s) }
func (s *MemoryStore) Reactions() ReactionRepository         { return (*memoryReactions)(s) }
func (s *MemoryStore) Receipts() ReceiptRepository           { return (*memoryReceipts)(s) }
func (s *MemoryStore) Announcements() AnnouncementRepository { return (*memoryAnnouncements)(s) }
func (s *MemoryStore) Users() UserRepository                 { return (*memoryUsers)(s) }

// chatLocked собирает чат вместе с участниками; вызывать под блокировкой
func (s *MemoryStore) chatLocked(chatID uint) *model.Chat {
	stored, ok := s.chats[chatID]
	if !ok {
		return nil
	}

	chat := stored.Clone()
	chat.Participants = chat.Participants[:0]
	for key, p := range s.participants {
		if key.chatID == chatID {
			chat.Participants = append(chat.Participants, p.Clone())
		}
	}
	sort.Slice(chat.Participants, func(i, j int) bool {
		return chat.Participants[i].JoinedAt.Before(chat.Participants[j].JoinedAt) ||
			(chat.Participants[i].JoinedAt.Equal(chat.Participants[j].JoinedAt) &&
				chat.Participants[i].UserID < chat.Participants[j].UserID)
	})
	return chat
}

func tokenKey(chatID, senderID uint, token string) string {
	return fmt.Sprintf("%d/%d/%s", chatID, senderID, token)
}

// --- чаты ---

type memoryChats MemoryStore

func (r *memoryChats) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryChats) Create(ctx context.Context, chat *model.Chat) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	if chat.DirectKey != nil {
		if _, exists := s.direct[*chat.DirectKey]; exists {
			return apperr.ErrConflict
		}
	}

	s.chatSeq++
	chat.ID = s.chatSeq
	now := time.Now()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = chat.CreatedAt

	stored := chat.Clone()
	stored.Participants = nil
	s.chats[chat.ID] = stored
	if chat.DirectKey != nil {
		s.direct[*chat.DirectKey] = chat.ID
	}

	for i := range chat.Participants {
		chat.Participants[i].ChatID = chat.ID
		p := chat.Participants[i].Clone()
		s.participants[participantKey{chat.ID, p.UserID}] = &p
	}
	return nil
}

func (r *memoryChats) GetByID(ctx context.Context, chatID uint) (*model.Chat, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat := s.chatLocked(chatID)
	if chat == nil {
		return nil, apperr.ErrNotFound
	}
	return chat, nil
}

func (r *memoryChats) FindDirect(ctx context.Context, user1ID, user2ID uint) (*model.Chat, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.direct[model.DirectKeyFor(user1ID, user2ID)]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return s.chatLocked(id), nil
}

func (r *memoryChats) Update(ctx context.Context, chat *model.Chat) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.chats[chat.ID]
	if !ok {
		return apperr.ErrNotFound
	}

	stored.Name = chat.Name
	stored.Description = chat.Description
	stored.Settings = chat.Settings.Merge(model.SettingsPatch{})
	stored.IsArchived = chat.IsArchived
	stored.IsPinned = chat.IsPinned
	stored.UpdatedAt = chat.UpdatedAt
	return nil
}

func (r *memoryChats) ListForUser(ctx context.Context, userID uint) ([]model.Chat, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	chats := make([]model.Chat, 0)
	for key, p := range s.participants {
		if key.userID != userID || !p.IsActive {
			continue
		}
		if chat := s.chatLocked(key.chatID); chat != nil {
			chats = append(chats, *chat)
		}
	}

	sort.Slice(chats, func(i, j int) bool {
		if chats[i].IsPinned != chats[j].IsPinned {
			return chats[i].IsPinned
		}
		if !chats[i].LastActivity.Equal(chats[j].LastActivity) {
			return chats[i].LastActivity.After(chats[j].LastActivity)
		}
		return chats[i].ID > chats[j].ID
	})
	return chats, nil
}

func (r *memoryChats) GetParticipant(ctx context.Context, chatID, userID uint) (*model.Participant, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[participantKey{chatID, userID}]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := p.Clone()
	return &cp, nil
}

func (r *memoryChats) SaveParticipant(ctx context.Context, p *model.Participant) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[p.ChatID]; !ok {
		return apperr.ErrNotFound
	}
	key := participantKey{p.ChatID, p.UserID}
	cp := p.Clone()
	if stored, ok := s.participants[key]; ok {
		cp.LastReadMessageID = stored.LastReadMessageID
		cp.LastReadSequence = stored.LastReadSequence
		cp.LastSeenAt = stored.LastSeenAt
	}
	s.participants[key] = &cp
	return nil
}

func (r *memoryChats) AdvanceReadCursor(ctx context.Context, chatID, userID, messageID uint, sequence uint64) (bool, error) {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantKey{chatID, userID}]
	if !ok {
		return false, apperr.ErrNotFound
	}
	if p.LastReadSequence >= sequence {
		return false, nil
	}
	p.LastReadSequence = sequence
	p.LastReadMessageID = messageID
	return true, nil
}

func (r *memoryChats) TouchLastSeen(ctx context.Context, userID uint, at time.Time) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, p := range s.participants {
		if key.userID == userID {
			seen := at
			p.LastSeenAt = &seen
		}
	}
	return nil
}

// --- сообщения ---

type memoryMessages MemoryStore

func (r *memoryMessages) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryMessages) Append(ctx context.Context, msg *model.Message) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[msg.ChatID]
	if !ok {
		return apperr.ErrNotFound
	}

	var key string
	if msg.ClientToken != nil {
		key = tokenKey(msg.ChatID, msg.SenderID, *msg.ClientToken)
		if _, dup := s.tokens[key]; dup {
			return apperr.ErrConflict
		}
	}

	var root *model.Message
	if msg.ThreadID != nil {
		root, ok = s.messages[*msg.ThreadID]
		if !ok || root.ChatID != msg.ChatID {
			return apperr.ErrNotFound
		}
	}

	chat.LastSequence++
	chat.LastActivity = msg.CreatedAt

	s.messageSeq++
	msg.ID = s.messageSeq
	msg.Sequence = chat.LastSequence
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	s.messages[msg.ID] = msg.Clone()
	s.byChat[msg.ChatID] = append(s.byChat[msg.ChatID], msg.ID)
	if key != "" {
		s.tokens[key] = msg.ID
	}
	if root != nil {
		root.ThreadRepliesCount++
		last := msg.CreatedAt
		root.LastThreadReply = &last
	}
	return nil
}

func (r *memoryMessages) GetByID(ctx context.Context, messageID uint) (*model.Message, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return msg.Clone(), nil
}

func (r *memoryMessages) FindByClientToken(ctx context.Context, chatID, senderID uint, token string) (*model.Message, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[tokenKey(chatID, senderID, token)]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return s.messages[id].Clone(), nil
}

func (r *memoryMessages) Update(ctx context.Context, msg *model.Message) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.messages[msg.ID]
	if !ok {
		return apperr.ErrNotFound
	}

	if stored.DeletedFor == model.DeletedForEveryone {
		return apperr.ErrConflict
	}

	src := msg.Clone()
	updated := stored.Clone()
	updated.Content = src.Content
	updated.Payload = src.Payload
	updated.Attachments = src.Attachments
	updated.Mentions = src.Mentions
	updated.IsPinned = src.IsPinned
	updated.PinnedByID = src.PinnedByID
	updated.PinnedReason = src.PinnedReason
	updated.PinnedAt = src.PinnedAt
	updated.IsEdited = src.IsEdited
	updated.EditHistory = src.EditHistory
	updated.IsDeleted = src.IsDeleted
	updated.DeletedFor = src.DeletedFor
	updated.DeletedAt = src.DeletedAt
	updated.UpdatedAt = src.UpdatedAt
	s.messages[msg.ID] = updated
	return nil
}

func (r *memoryMessages) List(ctx context.Context, chatID uint, beforeSeq uint64, limit int) ([]model.Message, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byChat[chatID]
	result := make([]model.Message, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(result) < limit; i-- {
		msg := s.messages[ids[i]]
		if msg.ThreadID != nil {
			continue
		}
		if beforeSeq > 0 && msg.Sequence >= beforeSeq {
			continue
		}
		result = append(result, *msg.Clone())
	}

	slices.Reverse(result)
	return result, nil
}

func (r *memoryMessages) ListThread(ctx context.Context, rootID uint) ([]model.Message, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.messages[rootID]
	if !ok {
		return []model.Message{}, nil
	}

	result := make([]model.Message, 0, root.ThreadRepliesCount)
	for _, id := range s.byChat[root.ChatID] {
		msg := s.messages[id]
		if msg.ThreadID != nil && *msg.ThreadID == rootID {
			result = append(result, *msg.Clone())
		}
	}
	return result, nil
}

func (r *memoryMessages) Search(ctx context.Context, chatID uint, query string, limit int) ([]model.Message, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(query)
	ids := s.byChat[chatID]
	result := make([]model.Message, 0)
	for i := len(ids) - 1; i >= 0 && len(result) < limit; i-- {
		msg := s.messages[ids[i]]
		if msg.DeletedFor == model.DeletedForEveryone {
			continue
		}
		if strings.Contains(strings.ToLower(msg.Content), query) {
			result = append(result, *msg.Clone())
		}
	}
	return result, nil
}

func (r *memoryMessages) CountUnread(ctx context.Context, chatID, userID uint, afterSeq uint64) (int64, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, id := range s.byChat[chatID] {
		msg := s.messages[id]
		if msg.Sequence > afterSeq && msg.SenderID != userID && msg.DeletedFor != model.DeletedForEveryone {
			count++
		}
	}
	return count, nil
}

func (r *memoryMessages) PromoteStatus(ctx context.Context, chatID uint, upToSeq uint64, readerID uint, to model.DeliveryStatus) ([]uint, error) {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	var promoted []uint
	for _, id := range s.byChat[chatID] {
		msg := s.messages[id]
		if msg.Sequence > upToSeq {
			break
		}
		if msg.SenderID == readerID {
			continue
		}
		if next, ok := msg.DeliveryStatus.Promote(to); ok {
			msg.DeliveryStatus = next
			promoted = append(promoted, id)
		}
	}
	return promoted, nil
}

// --- реакции ---

type memoryReactions MemoryStore

func (r *memoryReactions) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryReactions) Add(ctx context.Context, reaction *model.Reaction) (bool, error) {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	key := reactionKey{reaction.MessageID, reaction.UserID, reaction.Emoji}
	if _, exists := s.reactions[key]; exists {
		return false, nil
	}
	s.reactionTick++
	s.reactions[key] = *reaction
	s.reactionSeq[key] = s.reactionTick
	return true, nil
}

func (r *memoryReactions) Remove(ctx context.Context, messageID, userID uint, emoji string) (bool, error) {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	key := reactionKey{messageID, userID, emoji}
	if _, exists := s.reactions[key]; !exists {
		return false, nil
	}
	delete(s.reactions, key)
	delete(s.reactionSeq, key)
	return true, nil
}

// byInsertion упорядочивает реакции по порядку добавления; вызывать под блокировкой
func (s *MemoryStore) byInsertion(reactions []model.Reaction) {
	sort.Slice(reactions, func(i, j int) bool {
		ki := reactionKey{reactions[i].MessageID, reactions[i].UserID, reactions[i].Emoji}
		kj := reactionKey{reactions[j].MessageID, reactions[j].UserID, reactions[j].Emoji}
		return s.reactionSeq[ki] < s.reactionSeq[kj]
	})
}

func (r *memoryReactions) ListByMessage(ctx context.Context, messageID uint) ([]model.Reaction, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	reactions := make([]model.Reaction, 0)
	for key, reaction := range s.reactions {
		if key.messageID == messageID {
			reactions = append(reactions, reaction)
		}
	}
	s.byInsertion(reactions)
	return reactions, nil
}

func (r *memoryReactions) ListByMessages(ctx context.Context, messageIDs []uint) (map[uint][]model.Reaction, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[uint]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	result := make(map[uint][]model.Reaction)
	for key, reaction := range s.reactions {
		if _, ok := wanted[key.messageID]; ok {
			result[key.messageID] = append(result[key.messageID], reaction)
		}
	}
	for id := range result {
		s.byInsertion(result[id])
	}
	return result, nil
}

func (r *memoryReactions) DeleteByMessage(ctx context.Context, messageID uint) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.reactions {
		if key.messageID == messageID {
			delete(s.reactions, key)
			delete(s.reactionSeq, key)
		}
	}
	return nil
}

// --- отметки о прочтении ---

type memoryReceipts MemoryStore

func (r *memoryReceipts) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryReceipts) Upsert(ctx context.Context, receipts []model.ReadReceipt) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, receipt := range receipts {
		key := receiptKey{receipt.MessageID, receipt.UserID}
		if existing, ok := s.receipts[key]; ok {
			receipt = model.MergeReceipt(existing, receipt)
		}
		s.receipts[key] = receipt
	}
	return nil
}

func (r *memoryReceipts) ListByMessage(ctx context.Context, messageID uint) ([]model.ReadReceipt, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipts := make([]model.ReadReceipt, 0)
	for key, receipt := range s.receipts {
		if key.messageID == messageID {
			receipts = append(receipts, receipt)
		}
	}
	sort.Slice(receipts, func(i, j int) bool {
		if !receipts[i].ReadAt.Equal(receipts[j].ReadAt) {
			return receipts[i].ReadAt.Before(receipts[j].ReadAt)
		}
		return receipts[i].UserID < receipts[j].UserID
	})
	return receipts, nil
}

// --- объявления ---

type memoryAnnouncements MemoryStore

func (r *memoryAnnouncements) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryAnnouncements) Create(ctx context.Context, a *model.Announcement) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.announcementSeq++
	a.ID = s.announcementSeq
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = a.CreatedAt
	s.announcements[a.ID] = a.Clone()
	return nil
}

func (r *memoryAnnouncements) GetByID(ctx context.Context, id uint) (*model.Announcement, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.announcements[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return a.Clone(), nil
}

func (r *memoryAnnouncements) MarkRead(ctx context.Context, receipt *model.AnnouncementReceipt) (bool, error) {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.announcements[receipt.AnnouncementID]; !ok {
		return false, apperr.ErrNotFound
	}
	key := announcementReceiptKey{receipt.AnnouncementID, receipt.UserID}
	if _, exists := s.announcementReceipts[key]; exists {
		return false, nil
	}
	s.announcementReceipts[key] = *receipt
	return true, nil
}

func (r *memoryAnnouncements) ListReceipts(ctx context.Context, id uint) ([]model.AnnouncementReceipt, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipts := make([]model.AnnouncementReceipt, 0)
	for key, receipt := range s.announcementReceipts {
		if key.announcementID == id {
			receipts = append(receipts, receipt)
		}
	}
	sort.Slice(receipts, func(i, j int) bool { return receipts[i].UserID < receipts[j].UserID })
	return receipts, nil
}

// --- пользователи ---

type memoryUsers MemoryStore

func (r *memoryUsers) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryUsers) Create(ctx context.Context, user *model.User) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == user.Username {
			return apperr.ErrConflict
		}
	}

	if user.ID == 0 {
		s.userSeq++
		user.ID = s.userSeq
	} else if _, exists := s.users[user.ID]; exists {
		return apperr.ErrConflict
	} else if user.ID > s.userSeq {
		s.userSeq = user.ID
	}

	user.EnsureDisplayName()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.UpdatedAt = user.CreatedAt

	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (r *memoryUsers) FindByID(ctx context.Context, id uint) (*model.User, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUsers) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (r *memoryUsers) Search(ctx context.Context, prompt string) ([]*model.User, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	prompt = strings.ToLower(prompt)
	users := make([]*model.User, 0)
	for _, u := range s.users {
		if strings.Contains(strings.ToLower(u.Username), prompt) {
			cp := *u
			users = append(users, &cp)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (r *memoryUsers) ListIDs(ctx context.Context) ([]uint, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *memoryUsers) ListIDsByRoles(ctx context.Context, roles []string) ([]uint, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint, 0)
	for id, u := range s.users {
		if slices.Contains(roles, u.Role) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
