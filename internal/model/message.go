package model

import (
	"slices"
	"time"
)

// MessageType тип сообщения
type MessageType string

const (
	MessageTypeText         MessageType = "text"
	MessageTypeImage        MessageType = "image"
	MessageTypeDocument     MessageType = "document"
	MessageTypeAudio        MessageType = "audio"
	MessageTypeVideo        MessageType = "video"
	MessageTypeLink         MessageType = "link"
	MessageTypeLocation     MessageType = "location"
	MessageTypeContact      MessageType = "contact"
	MessageTypeSystem       MessageType = "system"
	MessageTypeAnnouncement MessageType = "announcement"
	MessageTypePoll         MessageType = "poll"
	MessageTypeEvent        MessageType = "event"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeDocument, MessageTypeAudio,
		MessageTypeVideo, MessageTypeLink, MessageTypeLocation, MessageTypeContact,
		MessageTypeSystem, MessageTypeAnnouncement, MessageTypePoll, MessageTypeEvent:
		return true
	}
	return false
}

// IsMedia сообщает, что тип несет содержимое во вложениях
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageTypeImage, MessageTypeDocument, MessageTypeAudio, MessageTypeVideo:
		return true
	}
	return false
}

// DeliveryStatus состояние доставки сообщения
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// CanTransition проверяет переход конечного автомата доставки
func (s DeliveryStatus) CanTransition(to DeliveryStatus) bool {
	switch s {
	case StatusSending:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return to == StatusDelivered || to == StatusRead || to == StatusFailed
	case StatusDelivered:
		return to == StatusRead
	case StatusFailed:
		return to == StatusSending
	case StatusRead:
		return false
	}
	return false
}

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Promote поднимает статус сохраненного сообщения; статус никогда не откатывается
func (s DeliveryStatus) Promote(to DeliveryStatus) (DeliveryStatus, bool) {
	if s.rank() == 0 || to.rank() <= s.rank() {
		return s, false
	}
	return to, true
}

// Below статусы сохраненного сообщения, которые можно поднять до s
func (s DeliveryStatus) Below() []DeliveryStatus {
	var below []DeliveryStatus
	for _, st := range []DeliveryStatus{StatusSent, StatusDelivered} {
		if st.rank() < s.rank() {
			below = append(below, st)
		}
	}
	return below
}

// DeletedFor область удаления сообщения
type DeletedFor string

const (
	DeletedForNone     DeletedFor = "none"
	DeletedForSender   DeletedFor = "sender"
	DeletedForEveryone DeletedFor = "everyone"
)

// ReplyPreview снимок сообщения на момент ответа, а не живая ссылка
type ReplyPreview struct {
	MessageID uint        `json:"messageId"`
	SenderID  uint        `json:"senderId"`
	Type      MessageType `json:"messageType"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ForwardInfo источник пересланного сообщения
type ForwardInfo struct {
	MessageID uint `json:"messageId"`
	ChatID    uint `json:"chatId"`
	SenderID  uint `json:"senderId"`
}

// Mention упоминание пользователя: фрагмент текста и собственный флаг прочтения
type Mention struct {
	UserID uint `json:"userId"`
	Offset int  `json:"offset"`
	Length int  `json:"length"`
	Read   bool `json:"read"`
}

// EditEntry запись истории правок
type EditEntry struct {
	PreviousContent string    `json:"previousContent"`
	NewContent      string    `json:"newContent"`
	EditorID        uint      `json:"editorId"`
	EditedAt        time.Time `json:"editedAt"`
}

// Message сообщение чата. Номер последовательности назначается при сохранении
type Message struct {
	ID                 uint            `gorm:"primaryKey" json:"id"`
	ChatID             uint            `gorm:"not null;uniqueIndex:idx_messages_chat_seq,priority:1;uniqueIndex:idx_messages_client_token,priority:1" json:"chatId"`
	Sequence           uint64          `gorm:"not null;uniqueIndex:idx_messages_chat_seq,priority:2" json:"sequence"`
	SenderID           uint            `gorm:"not null;index;uniqueIndex:idx_messages_client_token,priority:2" json:"senderId"`
	ClientToken        *string         `gorm:"size:64;uniqueIndex:idx_messages_client_token,priority:3" json:"clientToken,omitempty"`
	Type               MessageType     `gorm:"type:varchar(20);not null;default:'text'" json:"messageType"`
	Content            string          `gorm:"type:text" json:"content"`
	Payload            MessagePayload  `gorm:"type:jsonb;serializer:json" json:"payload,omitempty"`
	Attachments        []Attachment    `gorm:"type:jsonb;serializer:json" json:"attachments,omitempty"`
	DeliveryStatus     DeliveryStatus  `gorm:"type:varchar(20);not null" json:"deliveryStatus"`
	ReplyTo            *ReplyPreview   `gorm:"type:jsonb;serializer:json" json:"replyTo,omitempty"`
	ForwardedFrom      *ForwardInfo    `gorm:"type:jsonb;serializer:json" json:"forwardedFrom,omitempty"`
	ForwardChain       int             `gorm:"not null;default:0" json:"forwardChain"`
	Mentions           []Mention       `gorm:"type:jsonb;serializer:json" json:"mentions,omitempty"`
	IsPinned           bool            `gorm:"not null;default:false" json:"isPinned"`
	PinnedByID         *uint           `json:"pinnedBy,omitempty"`
	PinnedReason       string          `gorm:"size:255" json:"pinnedReason,omitempty"`
	PinnedAt           *time.Time      `json:"pinnedAt,omitempty"`
	IsEdited           bool            `gorm:"not null;default:false" json:"isEdited"`
	EditHistory        []EditEntry     `gorm:"type:jsonb;serializer:json" json:"editHistory,omitempty"`
	IsDeleted          bool            `gorm:"not null;default:false" json:"isDeleted"`
	DeletedFor         DeletedFor      `gorm:"type:varchar(20);not null;default:'none'" json:"deletedFor"`
	DeletedAt          *time.Time      `json:"deletedAt,omitempty"`
	ThreadID           *uint           `gorm:"index" json:"threadId,omitempty"`
	ThreadRepliesCount int             `gorm:"not null;default:0" json:"threadRepliesCount"`
	LastThreadReply    *time.Time      `json:"lastThreadReply,omitempty"`
	CreatedAt          time.Time       `gorm:"index" json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	Reactions          []ReactionGroup `gorm:"-" json:"reactions,omitempty"`
}

// Snapshot снимок для превью ответа
func (m *Message) Snapshot() ReplyPreview {
	return ReplyPreview{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Type:      m.Type,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

// ApplyEdit меняет содержимое и добавляет запись в историю; CreatedAt и Sequence не трогаются
func (m *Message) ApplyEdit(content string, editorID uint, at time.Time) {
	m.EditHistory = append(m.EditHistory, EditEntry{
		PreviousContent: m.Content,
		NewContent:      content,
		EditorID:        editorID,
		EditedAt:        at,
	})
	m.Content = content
	m.IsEdited = true
	m.UpdatedAt = at
}

// Tombstone превращает сообщение в надгробие. Для everyone содержимое стирается
func (m *Message) Tombstone(scope DeletedFor, at time.Time) {
	m.IsDeleted = true
	m.DeletedFor = scope
	m.DeletedAt = &at
	m.UpdatedAt = at
	if scope == DeletedForEveryone {
		m.Content = ""
		m.Attachments = nil
		m.Payload = MessagePayload{}
		m.Mentions = nil
		m.EditHistory = nil
		m.IsPinned = false
		m.PinnedByID = nil
		m.PinnedReason = ""
		m.PinnedAt = nil
	}
}

// HiddenFor сообщает, скрыто ли содержимое от пользователя
func (m *Message) HiddenFor(viewerID uint) bool {
	switch m.DeletedFor {
	case DeletedForEveryone:
		return true
	case DeletedForSender:
		return viewerID == m.SenderID
	}
	return false
}

// ViewFor проекция сообщения для конкретного пользователя
func (m *Message) ViewFor(viewerID uint) *Message {
	v := m.Clone()
	if m.DeletedFor == DeletedForSender && viewerID == m.SenderID {
		v.Content = ""
		v.Attachments = nil
		v.Payload = MessagePayload{}
		v.Mentions = nil
		v.EditHistory = nil
	}
	if m.DeletedFor == DeletedForSender && viewerID != m.SenderID {
		// для остальных участников сообщение не удалено
		v.IsDeleted = false
		v.DeletedFor = DeletedForNone
		v.DeletedAt = nil
	}
	return v
}

// MentionsUser проверяет упоминание пользователя
func (m *Message) MentionsUser(userID uint) bool {
	for _, mention := range m.Mentions {
		if mention.UserID == userID {
			return true
		}
	}
	return false
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.ClientToken != nil {
		token := *m.ClientToken
		cp.ClientToken = &token
	}
	cp.Attachments = slices.Clone(m.Attachments)
	cp.Mentions = slices.Clone(m.Mentions)
	cp.EditHistory = slices.Clone(m.EditHistory)
	if m.ReplyTo != nil {
		reply := *m.ReplyTo
		cp.ReplyTo = &reply
	}
	if m.ForwardedFrom != nil {
		fwd := *m.ForwardedFrom
		cp.ForwardedFrom = &fwd
	}
	if m.PinnedByID != nil {
		by := *m.PinnedByID
		cp.PinnedByID = &by
	}
	if m.ThreadID != nil {
		thread := *m.ThreadID
		cp.ThreadID = &thread
	}
	cp.PinnedAt = cloneTime(m.PinnedAt)
	cp.DeletedAt = cloneTime(m.DeletedAt)
	cp.LastThreadReply = cloneTime(m.LastThreadReply)
	cp.Reactions = slices.Clone(m.Reactions)
	return &cp
}
