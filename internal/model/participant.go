package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role роль участника. Роль задает только права по умолчанию при добавлении
type Role string

const (
	RoleMember    Role = "member"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleOwner     Role = "owner"
	RoleGuest     Role = "guest"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleAdmin, RoleModerator, RoleOwner, RoleGuest:
		return true
	}
	return false
}

// Permission набор прав участника (битовая маска)
type Permission uint32

const (
	PermSendMessages Permission = 1 << iota
	PermAttachFiles
	PermDeleteOwnMessages
	PermDeleteAnyMessages
	PermEditOwnMessages
	PermEditAnyMessages
	PermPinMessages
	PermReact
	PermMention
	PermAddParticipants
	PermRemoveParticipants
	PermEditChatInfo
	PermCreateAnnouncements
)

var permissionNames = []struct {
	perm Permission
	name string
}{
	{PermSendMessages, "send-messages"},
	{PermAttachFiles, "attach-files"},
	{PermDeleteOwnMessages, "delete-own-messages"},
	{PermDeleteAnyMessages, "delete-any-messages"},
	{PermEditOwnMessages, "edit-own-messages"},
	{PermEditAnyMessages, "edit-any-messages"},
	{PermPinMessages, "pin-messages"},
	{PermReact, "react"},
	{PermMention, "mention"},
	{PermAddParticipants, "add-participants"},
	{PermRemoveParticipants, "remove-participants"},
	{PermEditChatInfo, "edit-chat-info"},
	{PermCreateAnnouncements, "create-announcements"},
}

// Has проверяет, что все биты perm присутствуют
func (p Permission) Has(perm Permission) bool {
	return p&perm == perm
}

// Names возвращает имена прав в стабильном порядке
func (p Permission) Names() []string {
	names := make([]string, 0, len(permissionNames))
	for _, pn := range permissionNames {
		if p.Has(pn.perm) {
			names = append(names, pn.name)
		}
	}
	return names
}

// ParsePermissions собирает маску из имен прав
func ParsePermissions(names []string) (Permission, error) {
	var p Permission
	for _, name := range names {
		found := false
		for _, pn := range permissionNames {
			if pn.name == name {
				p |= pn.perm
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown permission %q", name)
		}
	}
	return p, nil
}

func (p Permission) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Names())
}

func (p *Permission) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParsePermissions(names)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

const (
	memberPermissions = PermSendMessages | PermAttachFiles | PermDeleteOwnMessages |
		PermEditOwnMessages | PermReact | PermMention
	moderatorPermissions = memberPermissions | PermDeleteAnyMessages | PermPinMessages |
		PermRemoveParticipants
	adminPermissions = moderatorPermissions | PermAddParticipants | PermEditChatInfo |
		PermCreateAnnouncements
	allPermissions = adminPermissions | PermEditAnyMessages
	// в каналах и чатах объявлений рядовые участники только читают и реагируют
	readOnlyPermissions = PermReact
)

// DefaultPermissions права по умолчанию для роли в чате заданного типа
func DefaultPermissions(chatType ChatType, role Role) Permission {
	broadcast := chatType == ChatTypeChannel || chatType == ChatTypeAnnouncement

	switch role {
	case RoleOwner:
		return allPermissions
	case RoleAdmin:
		return adminPermissions
	case RoleModerator:
		return moderatorPermissions
	case RoleMember:
		if broadcast {
			return readOnlyPermissions
		}
		return memberPermissions
	case RoleGuest:
		if broadcast {
			return readOnlyPermissions
		}
		return PermSendMessages | PermReact
	}
	return 0
}

// Participant членство пользователя в чате
type Participant struct {
	ChatID            uint       `gorm:"primaryKey;autoIncrement:false" json:"chatId"`
	UserID            uint       `gorm:"primaryKey;autoIncrement:false;index" json:"userId"`
	Role              Role       `gorm:"type:varchar(20);not null" json:"role"`
	Permissions       Permission `gorm:"not null;default:0" json:"permissions"`
	IsMuted           bool       `gorm:"not null;default:false" json:"isMuted"`
	MutedUntil        *time.Time `json:"mutedUntil,omitempty"`
	LastReadMessageID uint       `gorm:"not null;default:0" json:"lastReadMessageId"`
	LastReadSequence  uint64     `gorm:"not null;default:0" json:"lastReadSequence"`
	LastSeenAt        *time.Time `json:"lastSeenAt,omitempty"`
	JoinedAt          time.Time  `json:"joinedAt"`
	LeftAt            *time.Time `json:"leftAt,omitempty"`
	IsActive          bool       `gorm:"not null;default:true;index" json:"isActive"`
}

// NewParticipant создает участника с правами роли по умолчанию
func NewParticipant(chatID, userID uint, chatType ChatType, role Role, now time.Time) Participant {
	return Participant{
		ChatID:      chatID,
		UserID:      userID,
		Role:        role,
		Permissions: DefaultPermissions(chatType, role),
		JoinedAt:    now,
		IsActive:    true,
	}
}

// Can проверяет право у активного участника
func (p *Participant) Can(perm Permission) bool {
	return p != nil && p.IsActive && p.Permissions.Has(perm)
}

// MutedAt сообщает, заглушен ли чат в момент now
func (p *Participant) MutedAt(now time.Time) bool {
	if !p.IsMuted {
		return false
	}
	return p.MutedUntil == nil || now.Before(*p.MutedUntil)
}

func (p Participant) Clone() Participant {
	cp := p
	cp.MutedUntil = cloneTime(p.MutedUntil)
	cp.LastSeenAt = cloneTime(p.LastSeenAt)
	cp.LeftAt = cloneTime(p.LeftAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
