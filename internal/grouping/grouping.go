package grouping

import (
	"time"

	"tush00nka/portal_chat/internal/model"
)

const DefaultWindow = 5 * time.Minute

// Group подряд идущие сообщения одного отправителя
type Group struct {
	SenderID      uint      `json:"senderId"`
	MessageIDs    []uint    `json:"messageIds"`
	FirstSequence uint64    `json:"firstSequence"`
	LastSequence  uint64    `json:"lastSequence"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt"`
	// Continued группа продолжает последнюю группу предыдущей страницы
	Continued bool `json:"continued,omitempty"`
	HasUnread bool `json:"hasUnread"`
}

// Tail последнее сообщение уже сгруппированной части ленты
type Tail struct {
	SenderID uint      `json:"senderId"`
	At       time.Time `json:"at"`
}

// Options окно группировки и курсор прочтения зрителя
type Options struct {
	Window           time.Duration
	ViewerID         uint
	LastReadSequence uint64
}

// Split разбивает упорядоченную ленту на визуальные группы
func Split(msgs []model.Message, opts Options) []Group {
	groups, _ := GroupAfter(nil, msgs, opts)
	return groups
}

// GroupAfter продолжает группировку после prev за один проход слева направо.
// Возвращает группы и хвост для следующего вызова
func GroupAfter(prev *Tail, msgs []model.Message, opts Options) ([]Group, *Tail) {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}

	groups := make([]Group, 0)
	last := prev
	for i := range msgs {
		m := &msgs[i]

		fresh := last == nil || startsGroup(*last, m, opts.Window)
		if fresh || len(groups) == 0 {
			groups = append(groups, Group{
				SenderID:      m.SenderID,
				FirstSequence: m.Sequence,
				StartedAt:     m.CreatedAt,
				Continued:     !fresh,
			})
		}

		g := &groups[len(groups)-1]
		g.MessageIDs = append(g.MessageIDs, m.ID)
		g.LastSequence = m.Sequence
		g.EndedAt = m.CreatedAt
		if m.Sequence > opts.LastReadSequence && m.SenderID != opts.ViewerID {
			g.HasUnread = true
		}

		last = &Tail{SenderID: m.SenderID, At: m.CreatedAt}
	}

	return groups, last
}

func startsGroup(prev Tail, m *model.Message, window time.Duration) bool {
	return prev.SenderID != m.SenderID || m.CreatedAt.Sub(prev.At) > window
}
