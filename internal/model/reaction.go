package model

import "time"

// Reaction реакция пользователя; уникальна по (сообщение, пользователь, эмодзи)
type Reaction struct {
	MessageID uint      `gorm:"primaryKey;autoIncrement:false" json:"messageId"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	Emoji     string    `gorm:"primaryKey;size:64" json:"emoji"`
	ChatID    uint      `gorm:"not null;index" json:"chatId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReactionGroup агрегат реакций по одному эмодзи
type ReactionGroup struct {
	Emoji   string `json:"emoji"`
	Count   int    `json:"count"`
	UserIDs []uint `json:"userIds"`
}

// AggregateReactions группирует реакции по эмодзи в порядке первого появления.
// Счетчики всегда вычисляются из набора и нигде не хранятся
func AggregateReactions(reactions []Reaction) []ReactionGroup {
	index := make(map[string]int)
	seen := make(map[Reaction]struct{})
	groups := make([]ReactionGroup, 0)

	for _, r := range reactions {
		key := Reaction{MessageID: r.MessageID, UserID: r.UserID, Emoji: r.Emoji}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		groups[i].Count++
		groups[i].UserIDs = append(groups[i].UserIDs, r.UserID)
	}

	return groups
}
