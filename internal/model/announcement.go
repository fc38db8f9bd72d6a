package model

import (
	"slices"
	"time"
)

// AudienceKind кому адресовано объявление
type AudienceKind string

const (
	AudienceEveryone    AudienceKind = "everyone"
	AudienceSpecific    AudienceKind = "specific"
	AudienceRole        AudienceKind = "role"
	AudienceChatMembers AudienceKind = "chat-members"
)

func (k AudienceKind) Valid() bool {
	switch k {
	case AudienceEveryone, AudienceSpecific, AudienceRole, AudienceChatMembers:
		return true
	}
	return false
}

// Audience адресаты объявления
type Audience struct {
	Kind    AudienceKind `json:"kind"`
	UserIDs []uint       `json:"userIds,omitempty"`
	Roles   []string     `json:"roles,omitempty"`
	ChatID  uint         `json:"chatId,omitempty"`
}

// Announcement объявление; может быть глобальным и не зависит от чата
type Announcement struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Title     string     `gorm:"size:255;not null" json:"title"`
	Content   string     `gorm:"type:text" json:"content"`
	AuthorID  uint       `gorm:"not null;index" json:"authorId"`
	Priority  string     `gorm:"size:20;not null;default:'normal'" json:"priority"`
	Audience  Audience   `gorm:"type:jsonb;serializer:json" json:"audience"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (a *Announcement) Clone() *Announcement {
	cp := *a
	cp.Audience.UserIDs = slices.Clone(a.Audience.UserIDs)
	cp.Audience.Roles = slices.Clone(a.Audience.Roles)
	cp.ExpiresAt = cloneTime(a.ExpiresAt)
	return &cp
}

// AnnouncementReceipt отметка о прочтении объявления
type AnnouncementReceipt struct {
	AnnouncementID uint      `gorm:"primaryKey;autoIncrement:false" json:"announcementId"`
	UserID         uint      `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// AnnouncementStats доля прочитавших
type AnnouncementStats struct {
	AnnouncementID uint    `json:"announcementId"`
	Read           int     `json:"read"`
	Total          int     `json:"total"`
	Ratio          float64 `json:"ratio"`
}

// ComputeAnnouncementStats считает долю прочитавших среди адресатов
func ComputeAnnouncementStats(id uint, recipients []uint, receipts []AnnouncementReceipt) AnnouncementStats {
	inAudience := make(map[uint]struct{}, len(recipients))
	for _, uid := range recipients {
		inAudience[uid] = struct{}{}
	}

	read := make(map[uint]struct{})
	for _, r := range receipts {
		if _, ok := inAudience[r.UserID]; ok {
			read[r.UserID] = struct{}{}
		}
	}

	stats := AnnouncementStats{
		AnnouncementID: id,
		Read:           len(read),
		Total:          len(inAudience),
	}
	if stats.Total > 0 {
		stats.Ratio = float64(stats.Read) / float64(stats.Total)
	}
	return stats
}
