package repository

import "gorm.io/gorm"

// Repositories набор хранилищ ядра чата
type Repositories struct {
	Chats         ChatRepository
	Messages      MessageRepository
	Reactions     ReactionRepository
	Receipts      ReceiptRepository
	Announcements AnnouncementRepository
	Users         UserRepository
}

// NewGormRepositories хранилища поверх Postgres
func NewGormRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Chats:         NewChatRepository(db),
		Messages:      NewMessageRepository(db),
		Reactions:     NewReactionRepository(db),
		Receipts:      NewReceiptRepository(db),
		Announcements: NewAnnouncementRepository(db),
		Users:         NewUserRepository(db),
	}
}

// NewMemoryRepositories хранилища в памяти процесса
func NewMemoryRepositories() Repositories {
	s := NewMemoryStore()
	return Repositories{
		Chats:         s.Chats(),
		Messages:      s.Messages(),
		Reactions:     s.Reactions(),
		Receipts:      s.Receipts(),
		Announcements: s.Announcements(),
		Users:         s.Users(),
	}
}
