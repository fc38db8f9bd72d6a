package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ChatType тип чата
type ChatType string

const (
	ChatTypeDirect       ChatType = "direct"
	ChatTypeGroup        ChatType = "group"
	ChatTypeChannel      ChatType = "channel"
	ChatTypeAnnouncement ChatType = "announcement"
)

// Valid проверяет, что тип чата известен
func (t ChatType) Valid() bool {
	switch t {
	case ChatTypeDirect, ChatTypeGroup, ChatTypeChannel, ChatTypeAnnouncement:
		return true
	}
	return false
}

// RequiresName сообщает, обязательно ли название
func (t ChatType) RequiresName() bool {
	return t != ChatTypeDirect
}

// ChatSettings настройки чата
type ChatSettings struct {
	AllowFileSharing bool     `json:"allowFileSharing"`
	AllowReactions   bool     `json:"allowReactions"`
	AllowMentions    bool     `json:"allowMentions"`
	AllowForwarding  bool     `json:"allowForwarding"`
	AllowPinning     bool     `json:"allowPinning"`
	AllowThreading   bool     `json:"allowThreading"`
	AllowEditing     bool     `json:"allowEditing"`
	AllowDeleting    bool     `json:"allowDeleting"`
	RetentionDays    int      `json:"retentionDays"`
	MaxFileSize      int64    `json:"maxFileSize"`
	AllowedFileTypes []string `json:"allowedFileTypes,omitempty"`
}

// DefaultChatSettings настройки нового чата: все возможности включены
func DefaultChatSettings(maxFileSize int64) ChatSettings {
	return ChatSettings{
		AllowFileSharing: true,
		AllowReactions:   true,
		AllowMentions:    true,
		AllowForwarding:  true,
		AllowPinning:     true,
		AllowThreading:   true,
		AllowEditing:     true,
		AllowDeleting:    true,
		MaxFileSize:      maxFileSize,
	}
}

// AllowsFileType проверяет формат вложения по белому списку; пустой список разрешает все
func (s ChatSettings) AllowsFileType(format string) bool {
	if len(s.AllowedFileTypes) == 0 {
		return true
	}
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	for _, allowed := range s.AllowedFileTypes {
		if strings.ToLower(strings.TrimPrefix(allowed, ".")) == format {
			return true
		}
	}
	return false
}

// SettingsPatch частичное обновление настроек, nil поля не меняются
type SettingsPatch struct {
	AllowFileSharing *bool     `json:"allowFileSharing,omitempty"`
	AllowReactions   *bool     `json:"allowReactions,omitempty"`
	AllowMentions    *bool     `json:"allowMentions,omitempty"`
	AllowForwarding  *bool     `json:"allowForwarding,omitempty"`
	AllowPinning     *bool     `json:"allowPinning,omitempty"`
	AllowThreading   *bool     `json:"allowThreading,omitempty"`
	AllowEditing     *bool     `json:"allowEditing,omitempty"`
	AllowDeleting    *bool     `json:"allowDeleting,omitempty"`
	RetentionDays    *int      `json:"retentionDays,omitempty"`
	MaxFileSize      *int64    `json:"maxFileSize,omitempty"`
	AllowedFileTypes *[]string `json:"allowedFileTypes,omitempty"`
}

// Merge применяет патч к копии настроек
func (s ChatSettings) Merge(p SettingsPatch) ChatSettings {
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}

	setBool(&s.AllowFileSharing, p.AllowFileSharing)
	setBool(&s.AllowReactions, p.AllowReactions)
	setBool(&s.AllowMentions, p.AllowMentions)
	setBool(&s.AllowForwarding, p.AllowForwarding)
	setBool(&s.AllowPinning, p.AllowPinning)
	setBool(&s.AllowThreading, p.AllowThreading)
	setBool(&s.AllowEditing, p.AllowEditing)
	setBool(&s.AllowDeleting, p.AllowDeleting)

	if p.RetentionDays != nil {
		s.RetentionDays = *p.RetentionDays
	}
	if p.MaxFileSize != nil {
		s.MaxFileSize = *p.MaxFileSize
	}
	if p.AllowedFileTypes != nil {
		s.AllowedFileTypes = slices.Clone(*p.AllowedFileTypes)
	} else {
		s.AllowedFileTypes = slices.Clone(s.AllowedFileTypes)
	}

	return s
}

// Chat контейнер беседы. Чаты не удаляются, только архивируются
type Chat struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	Name         string        `gorm:"size:255" json:"name,omitempty"`
	Description  string        `gorm:"type:text" json:"description,omitempty"`
	Type         ChatType      `gorm:"type:varchar(20);not null;index" json:"chatType"`
	CreatedByID  uint          `gorm:"not null" json:"createdById"`
	DirectKey    *string       `gorm:"size:64;uniqueIndex" json:"-"`
	Settings     ChatSettings  `gorm:"type:jsonb;serializer:json" json:"settings"`
	LastSequence uint64        `gorm:"not null;default:0" json:"lastSequence"`
	LastActivity time.Time     `gorm:"index" json:"lastActivity"`
	IsArchived   bool          `gorm:"not null;default:false" json:"isArchived"`
	IsPinned     bool          `gorm:"not null;default:false" json:"isPinned"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Participants []Participant `gorm:"foreignKey:ChatID" json:"participants,omitempty"`
}

// DirectKeyFor ключ пары пользователей для личного чата, не зависит от порядка
func DirectKeyFor(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// Participant возвращает запись участника (в том числе вышедшего)
func (c *Chat) Participant(userID uint) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

// ActiveParticipants возвращает активных участников
func (c *Chat) ActiveParticipants() []Participant {
	active := make([]Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active
}

// ActiveUserIDs возвращает ID активных участников
func (c *Chat) ActiveUserIDs() []uint {
	ids := make([]uint, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.IsActive {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// Clone глубокая копия чата
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	cp := *c
	if c.DirectKey != nil {
		key := *c.DirectKey
		cp.DirectKey = &key
	}
	cp.Settings = c.Settings.Merge(SettingsPatch{})
	cp.Participants = make([]Participant, len(c.Participants))
	for i := range c.Participants {
		cp.Participants[i] = c.Participants[i].Clone()
	}
	return &cp
}
