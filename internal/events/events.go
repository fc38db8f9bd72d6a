package events

import (
	"sync"
	"time"

	"tush00nka/portal_chat/internal/model"
)

// Type тип события реального времени
type Type string

const (
	TypeMessage        Type = "message"
	TypeMessageUpdated Type = "message_updated"
	TypeMessageDeleted Type = "message_deleted"
	TypeThreadReply    Type = "thread_reply"
	TypeReaction       Type = "reaction"
	TypeReadReceipt    Type = "read_receipt"
	TypeDelivery       Type = "delivery"
	TypeTyping         Type = "typing"
	TypePresence       Type = "presence"
	TypeChatUpdated    Type = "chat_updated"
	TypeParticipant    Type = "participant"
	TypeAnnouncement   Type = "announcement"
)

// Event событие для рассылки подписчикам чата.
// Если Recipients не пуст, событие получают только перечисленные пользователи
type Event struct {
	Type       Type   `json:"type"`
	ChatID     uint   `json:"chatId,omitempty"`
	Data       any    `json:"data"`
	Recipients []uint `json:"-"`
}

// Publisher канал реального времени. Доставка без гарантий: потеря события допустима
type Publisher interface {
	Publish(ev Event)
}

type DeliveryUpdate struct {
	MessageIDs []uint               `json:"messageIds"`
	Status     model.DeliveryStatus `json:"status"`
	UserID     uint                 `json:"userId"`
}

type ReadReceipt struct {
	UserID    uint      `json:"userId"`
	MessageID uint      `json:"messageId"`
	Sequence  uint64    `json:"sequence"`
	ReadAt    time.Time `json:"readAt"`
}

type Typing struct {
	UserID   uint `json:"userId"`
	IsTyping bool `json:"isTyping"`
}

type Presence struct {
	UserID     uint       `json:"userId"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

type Reaction struct {
	MessageID uint                  `json:"messageId"`
	UserID    uint                  `json:"userId"`
	Emoji     string                `json:"emoji"`
	Added     bool                  `json:"added"`
	Reactions []model.ReactionGroup `json:"reactions"`
}

type MessageDeleted struct {
	MessageID uint             `json:"messageId"`
	Scope     model.DeletedFor `json:"scope"`
}

type Participant struct {
	UserID uint       `json:"userId"`
	Role   model.Role `json:"role,omitempty"`
	Active bool       `json:"active"`
}

// Nop отбрасывает события
type Nop struct{}

func (Nop) Publish(Event) {}

// Recorder запоминает события; используется в тестах
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
