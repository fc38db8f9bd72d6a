package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"tush00nka/portal_chat/internal/events"
	"tush00nka/portal_chat/internal/pkg/metrics"
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 64 * 1024 // 64KB
	maxSendChannelSize = 256
	defaultRoomSize    = 500
)

// Служебные события соединения; события ядра идут с типами из пакета events
const (
	EventTypeError    = "error"
	EventTypeRoomInfo = "room_info"
)

// OutEvent исходящее событие
type OutEvent struct {
	Type      string    `json:"type"`
	ChatID    uint      `json:"chatId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// InEvent входящее событие клиента: typing (start|stop), delivered, read
type InEvent struct {
	Type      string `json:"type"`
	Action    string `json:"action,omitempty"`
	MessageID uint   `json:"messageId,omitempty"`
}

// HubOptions опции хаба
type HubOptions struct {
	MaxRoomSize     int
	CleanupInterval time.Duration
	// RateLimit входящих событий на соединение в секунду
	RateLimit float64
	RateBurst int
}

// Hub управляет комнатами чатов и доставляет события ядра подключенным клиентам
type Hub struct {
	mu          sync.RWMutex
	rooms       map[uint]*Room
	userClients map[uint]map[*Client]struct{}
	options     HubOptions
	shutdown    chan struct{}
	closeOnce   sync.Once

	stats   *Stats
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Stats счетчики хаба
type Stats struct {
	Rooms       atomic.Int64
	Connections atomic.Int64
	EventsSent  atomic.Int64
	Dropped     atomic.Int64
}

func NewHub(m *metrics.Metrics, logger *slog.Logger, options ...HubOptions) *Hub {
	opts := HubOptions{
		MaxRoomSize:     defaultRoomSize,
		CleanupInterval: 5 * time.Minute,
		RateLimit:       10,
		RateBurst:       20,
	}
	if len(options) > 0 {
		opts = options[0]
	}
	if logger == nil {
		logger = slog.Default()
	}

	hub := &Hub{
		rooms:       make(map[uint]*Room),
		userClients: make(map[uint]map[*Client]struct{}),
		options:     opts,
		shutdown:    make(chan struct{}),
		stats:       &Stats{},
		metrics:     m,
		logger:      logger,
	}

	if opts.CleanupInterval > 0 {
		go hub.cleanupLoop()
	}

	return hub
}

// GetRoom возвращает комнату чата, создавая ее при необходимости
func (h *Hub) GetRoom(chatID uint) *Room {
	h.mu.RLock()
	room, exists := h.rooms[chatID]
	h.mu.RUnlock()

	if exists {
		return room
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Двойная проверка
	if room, exists := h.rooms[chatID]; exists {
		return room
	}

	room = NewRoom(chatID, h.options.MaxRoomSize, h.stats)
	h.rooms[chatID] = room
	h.stats.Rooms.Inc()

	return room
}

// GetRoomSafe возвращает комнату, если она существует
func (h *Hub) GetRoomSafe(chatID uint) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room, exists := h.rooms[chatID]
	return room, exists
}

// Join подключает клиента к комнате его чата
func (h *Hub) Join(client *Client) bool {
	room := h.GetRoom(client.ChatID)
	if !room.RegisterClient(client) {
		return false
	}

	h.mu.Lock()
	if _, ok := h.userClients[client.UserID]; !ok {
		h.userClients[client.UserID] = make(map[*Client]struct{})
	}
	h.userClients[client.UserID][client] = struct{}{}
	h.mu.Unlock()

	h.stats.Connections.Inc()
	h.metrics.ConnectionOpened()
	return true
}

// Leave отключает клиента
func (h *Hub) Leave(client *Client) {
	h.mu.Lock()
	clients, ok := h.userClients[client.UserID]
	_, registered := clients[client]
	if ok && registered {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.userClients, client.UserID)
		}
	}
	h.mu.Unlock()

	if room, exists := h.GetRoomSafe(client.ChatID); exists {
		room.UnregisterClient(client)
	}

	if registered {
		h.stats.Connections.Dec()
		h.metrics.ConnectionClosed()
	}
}

// Publish доставляет событие ядра: всей комнате чата, выбранным участникам
// в комнате или, для событий вне чата, всем соединениям адресатов
func (h *Hub) Publish(ev events.Event) {
	data, err := json.Marshal(OutEvent{
		Type:      string(ev.Type),
		ChatID:    ev.ChatID,
		Data:      ev.Data,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.logger.Error("hub: failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	switch {
	case ev.ChatID == 0:
		h.sendToUsers(ev.Recipients, data)
	case len(ev.Recipients) > 0:
		if room, ok := h.GetRoomSafe(ev.ChatID); ok {
			room.SendToUsers(ev.Recipients, data)
		}
	default:
		if room, ok := h.GetRoomSafe(ev.ChatID); ok {
			room.Broadcast(data)
		}
	}
}

func (h *Hub) sendToUsers(userIDs []uint, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, uid := range userIDs {
		for client := range h.userClients[uid] {
			h.count(client.SendRaw(data))
		}
	}
}

func (h *Hub) count(sent bool) {
	if sent {
		h.stats.EventsSent.Inc()
	} else {
		h.stats.Dropped.Inc()
	}
}

// Connected число соединений пользователя
func (h *Hub) Connected(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}

// GetRoomInfo возвращает информацию о комнате
func (h *Hub) GetRoomInfo(chatID uint) *RoomInfo {
	room, exists := h.GetRoomSafe(chatID)
	if !exists {
		return nil
	}

	return room.GetInfo()
}

func (h *Hub) Stats() *Stats {
	return h.stats
}

// Shutdown останавливает хаб и все комнаты
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.shutdown)

		h.mu.Lock()
		defer h.mu.Unlock()

		for _, room := range h.rooms {
			room.Shutdown()
		}

		h.rooms = make(map[uint]*Room)
		h.userClients = make(map[uint]map[*Client]struct{})
	})
}

// cleanupLoop периодически очищает неактивные комнаты
func (h *Hub) cleanupLoop() {
	ticker := time.NewTicker(h.options.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.shutdown:
			return
		case <-ticker.C:
			h.cleanupInactiveRooms()
		}
	}
}

func (h *Hub) cleanupInactiveRooms() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for chatID, room := range h.rooms {
		if room.IsEmpty() && room.IsInactive() {
			room.Shutdown()
			delete(h.rooms, chatID)
			h.stats.Rooms.Dec()
		}
	}
}

// RoomInfo информация о комнате
type RoomInfo struct {
	ChatID        uint      `json:"chatId"`
	ActiveClients int       `json:"activeClients"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Room клиенты одного чата. У пользователя может быть несколько соединений
type Room struct {
	chatID       uint
	mu           sync.RWMutex
	clients      map[*Client]struct{}
	broadcast    chan []byte
	register     chan *Client
	unregister   chan *Client
	shutdown     chan struct{}
	shutdownOnce sync.Once
	createdAt    time.Time
	lastActive   atomic.Time
	maxSize      int
	activeCount  atomic.Int32
	stats        *Stats
}

func NewRoom(chatID uint, maxSize int, stats *Stats) *Room {
	if stats == nil {
		stats = &Stats{}
	}
	room := &Room{
		chatID:     chatID,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, maxSendChannelSize),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		shutdown:   make(chan struct{}),
		createdAt:  time.Now(),
		maxSize:    maxSize,
		stats:      stats,
	}

	room.lastActive.Store(time.Now())

	go room.run()

	return room
}

func (r *Room) run() {
	defer func() {
		// Закрываем все клиентские каналы при остановке
		r.mu.Lock()
		for client := range r.clients {
			client.Close()
		}
		r.mu.Unlock()
	}()

	for {
		select {
		case <-r.shutdown:
			return
		case client := <-r.register:
			r.handleRegister(client)
		case client := <-r.unregister:
			r.handleUnregister(client)
		case message := <-r.broadcast:
			r.handleBroadcast(message)
		}
	}
}

func (r *Room) handleRegister(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.clients) >= r.maxSize {
		client.SendJSON(OutEvent{
			Type:      EventTypeError,
			ChatID:    r.chatID,
			Data:      "room is full",
			Timestamp: time.Now(),
		})
		client.Close()
		return
	}

	r.clients[client] = struct{}{}
	r.activeCount.Inc()
	r.lastActive.Store(time.Now())

	client.SendJSON(OutEvent{
		Type:      EventTypeRoomInfo,
		ChatID:    r.chatID,
		Data:      r.infoLocked(),
		Timestamp: time.Now(),
	})
}

func (r *Room) handleUnregister(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[client]; exists {
		delete(r.clients, client)
		r.activeCount.Dec()
		client.Close()
		r.lastActive.Store(time.Now())
	}
}

func (r *Room) handleBroadcast(message []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for client := range r.clients {
		r.count(client.SendRaw(message))
	}

	r.lastActive.Store(time.Now())
}

func (r *Room) count(sent bool) {
	if sent {
		r.stats.EventsSent.Inc()
	} else {
		r.stats.Dropped.Inc()
	}
}

// RegisterClient ставит клиента в очередь на подключение
func (r *Room) RegisterClient(client *Client) bool {
	select {
	case r.register <- client:
		return true
	case <-r.shutdown:
		return false
	default:
		return false // Комната перегружена
	}
}

func (r *Room) UnregisterClient(client *Client) {
	select {
	case r.unregister <- client:
	case <-r.shutdown:
	}
}

// Broadcast отправляет сообщение всем клиентам комнаты
func (r *Room) Broadcast(message []byte) {
	select {
	case r.broadcast <- message:
	case <-r.shutdown:
	}
}

// SendToUsers отправляет сообщение только соединениям указанных пользователей
func (r *Room) SendToUsers(userIDs []uint, message []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for client := range r.clients {
		for _, uid := range userIDs {
			if client.UserID == uid {
				r.count(client.SendRaw(message))
				break
			}
		}
	}
}

// BroadcastToOthers отправляет сообщение всем, кроме указанного пользователя
func (r *Room) BroadcastToOthers(excludeUserID uint, message []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for client := range r.clients {
		if client.UserID != excludeUserID {
			r.count(client.SendRaw(message))
		}
	}

	r.lastActive.Store(time.Now())
}

func (r *Room) GetInfo() *RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := r.infoLocked()
	return &info
}

func (r *Room) infoLocked() RoomInfo {
	return RoomInfo{
		ChatID:        r.chatID,
		ActiveClients: int(r.activeCount.Load()),
		CreatedAt:     r.createdAt,
		LastActivity:  r.lastActive.Load(),
	}
}

// IsEmpty проверяет, пуста ли комната
func (r *Room) IsEmpty() bool {
	return r.activeCount.Load() == 0
}

// IsInactive проверяет, неактивна ли комната
func (r *Room) IsInactive() bool {
	return time.Since(r.lastActive.Load()) > 1*time.Hour
}

func (r *Room) Shutdown() {
	r.shutdownOnce.Do(func() { close(r.shutdown) })
}
