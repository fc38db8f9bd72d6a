package ws

import (
	"context"

	"tush00nka/portal_chat/internal/pkg/apperr"
)

// Входящие типы событий
const (
	InTyping    = "typing"
	InDelivered = "delivered"
	InRead      = "read"
)

type Presence interface {
	Connect(ctx context.Context, chatID, userID uint)
	Disconnect(ctx context.Context, chatID, userID uint)
	StartTyping(ctx context.Context, chatID, userID uint)
	StopTyping(ctx context.Context, chatID, userID uint)
}

type DeliveryAcker interface {
	AckDelivered(ctx context.Context, actorID, chatID, upToMessageID uint) ([]uint, error)
}

type ReadMarker interface {
	MarkRead(ctx context.Context, actorID, chatID, messageID uint) (bool, error)
}

// Dispatcher связывает соединения с присутствием, доставкой и прочтением
type Dispatcher struct {
	presence Presence
	delivery DeliveryAcker
	reads    ReadMarker
}

func NewDispatcher(presence Presence, delivery DeliveryAcker, reads ReadMarker) *Dispatcher {
	return &Dispatcher{presence: presence, delivery: delivery, reads: reads}
}

func (d *Dispatcher) Connected(ctx context.Context, c *Client) {
	d.presence.Connect(ctx, c.ChatID, c.UserID)
}

func (d *Dispatcher) Disconnected(ctx context.Context, c *Client) {
	d.presence.Disconnect(ctx, c.ChatID, c.UserID)
}

func (d *Dispatcher) HandleEvent(ctx context.Context, c *Client, ev InEvent) error {
	switch ev.Type {
	case InTyping:
		switch ev.Action {
		case "start":
			d.presence.StartTyping(ctx, c.ChatID, c.UserID)
		case "stop":
			d.presence.StopTyping(ctx, c.ChatID, c.UserID)
		default:
			return apperr.Validation(apperr.CodeInvalidInput, "typing action must be start or stop")
		}
		return nil
	case InDelivered:
		if ev.MessageID == 0 {
			return apperr.Validation(apperr.CodeInvalidInput, "messageId is required")
		}
		_, err := d.delivery.AckDelivered(ctx, c.UserID, c.ChatID, ev.MessageID)
		return err
	case InRead:
		if ev.MessageID == 0 {
			return apperr.Validation(apperr.CodeInvalidInput, "messageId is required")
		}
		_, err := d.reads.MarkRead(ctx, c.UserID, c.ChatID, ev.MessageID)
		return err
	default:
		return apperr.Validation(apperr.CodeUnknownEvent, "unknown event %q", ev.Type)
	}
}
