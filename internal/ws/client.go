package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tush00nka/portal_chat/internal/pkg/apperr"
)

// Handler обрабатывает жизненный цикл соединения и входящие события
type Handler interface {
	Connected(ctx context.Context, c *Client)
	HandleEvent(ctx context.Context, c *Client, ev InEvent) error
	Disconnected(ctx context.Context, c *Client)
}

// Client одно соединение пользователя с комнатой чата
type Client struct {
	Conn   *websocket.Conn
	Send   chan []byte
	ChatID uint
	UserID uint

	mu      sync.RWMutex
	closed  bool
	limiter *rate.Limiter
}

func NewClient(conn *websocket.Conn, chatID, userID uint, limit rate.Limit, burst int) *Client {
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Client{
		Conn:    conn,
		Send:    make(chan []byte, maxSendChannelSize),
		ChatID:  chatID,
		UserID:  userID,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// SendRaw кладет сообщение в очередь отправки. false, если клиент закрыт или не успевает читать
func (c *Client) SendRaw(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}

	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.SendRaw(data)
}

// SendError сообщает клиенту об ошибке обработки его события
func (c *Client) SendError(err error) {
	code := apperr.CodeOf(err)
	message := "internal error"
	if k := apperr.KindOf(err); k != apperr.KindInternal {
		message = err.Error()
	}
	c.SendJSON(OutEvent{
		Type:      EventTypeError,
		ChatID:    c.ChatID,
		Data:      map[string]string{"code": code, "message": message},
		Timestamp: time.Now(),
	})
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ReadPump читает события клиента до разрыва соединения
func (c *Client) ReadPump(ctx context.Context, handler Handler, logger *slog.Logger) {
	defer c.Conn.Close()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("ws: unexpected close", "chat_id", c.ChatID, "user_id", c.UserID, "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.SendError(apperr.Validation(apperr.CodeRateLimited, "too many events"))
			continue
		}

		var ev InEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.SendError(apperr.Validation(apperr.CodeInvalidInput, "malformed event"))
			continue
		}

		if err := handler.HandleEvent(ctx, c, ev); err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				logger.Error("ws: event failed", "type", ev.Type, "chat_id", c.ChatID, "user_id", c.UserID, "error", err)
			}
			c.SendError(err)
		}
	}
}

// WritePump пишет очередь отправки в соединение и поддерживает ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve регистрирует соединение в хабе и блокируется, пока клиент не отключится
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, chatID, userID uint, handler Handler) {
	client := NewClient(conn, chatID, userID, rate.Limit(h.options.RateLimit), h.options.RateBurst)
	if !h.Join(client) {
		h.logger.Warn("ws: room rejected connection", "chat_id", chatID, "user_id", userID)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable"))
		conn.Close()
		return
	}

	handler.Connected(ctx, client)

	go client.WritePump()
	client.ReadPump(ctx, handler, h.logger)

	h.Leave(client)
	client.Close()
	handler.Disconnected(context.WithoutCancel(ctx), client)
}
