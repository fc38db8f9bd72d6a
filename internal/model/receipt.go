package model

import "time"

// ReadReceipt отметка о прочтении
type ReadReceipt struct {
	MessageID uint      `gorm:"primaryKey;autoIncrement:false" json:"messageId"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	ChatID    uint      `gorm:"not null;index" json:"chatId"`
	ReadAt    time.Time `json:"readAt"`
}

// MergeReceipt слияние двух отметок одного пользователя: остается максимальное ReadAt
func MergeReceipt(a, b ReadReceipt) ReadReceipt {
	if b.ReadAt.After(a.ReadAt) {
		return b
	}
	return a
}
