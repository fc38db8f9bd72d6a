package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tush00nka/portal_chat/internal/config"
	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		Storage:         config.StorageMemory,
		ServerPort:      "0",
		Environment:     "development",
		JWTKey:          "test-key",
		AllowedOrigins:  []string{"*"},
		ForwardMaxDepth: 5,
		GroupWindow:     5 * time.Minute,
		TypingTTL:       3 * time.Second,
		DeliveryGrace:   time.Second,
		PresenceTTL:     30 * time.Minute,
		MaxFileSize:     1 << 20,
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()

	a, err := New(context.Background(), testConfig(), logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		a.hub.Shutdown()
		a.presence.Close()
	})
	return a
}

func TestCORSPreflightRequest(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest("OPTIONS", "/api/chats", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	rr := httptest.NewRecorder()
	a.server.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %v, want *", got)
	}

	// For OPTIONS requests, gorilla/handlers sets the Allow-Headers based on request
	if rr.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Error("Access-Control-Allow-Headers should not be empty for OPTIONS request")
	}
}

func TestCORSWithActualRequest(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "http://example.com")

	rr := httptest.NewRecorder()
	a.server.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %v, want *", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestApp(t)

	rr := httptest.NewRecorder()
	a.server.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "portal_chat_ws_connections") {
		t.Error("chat metrics are not exposed")
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	a := newTestApp(t)

	tests := []struct {
		name   string
		header string
	}{
		{name: "no token"},
		{name: "garbage token", header: "Bearer nonsense"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/chats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			a.server.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rr.Code)
			}
		})
	}
}

// apiClient обертка над httptest сервером с токеном пользователя
type apiClient struct {
	t      *testing.T
	server *httptest.Server
	token  string
}

func (c *apiClient) do(method, path string, body any, out any) int {
	c.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.server.URL+path, reader)
	if err != nil {
		c.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.server.Client().Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func register(t *testing.T, server *httptest.Server, username string) (*apiClient, uint) {
	t.Helper()

	anon := &apiClient{t: t, server: server}
	var tok struct {
		Token string `json:"token"`
	}
	status := anon.do("POST", "/api/users/register", map[string]string{
		"username": username, "password": "pw-" + username, "confirmPassword": "pw-" + username,
	}, &tok)
	if status != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, status)
	}

	c := &apiClient{t: t, server: server, token: tok.Token}
	var me model.User
	if status := c.do("GET", "/api/users/me", nil, &me); status != http.StatusOK {
		t.Fatalf("me: status %d", status)
	}
	return c, me.ID
}

func TestChatFlow(t *testing.T) {
	a := newTestApp(t)
	server := httptest.NewServer(a.server)
	defer server.Close()

	alice, _ := register(t, server, "alice")
	bob, bobID := register(t, server, "bob")

	var login struct {
		Token string `json:"token"`
	}
	anon := &apiClient{t: t, server: server}
	if status := anon.do("POST", "/api/users/login", map[string]string{"username": "bob", "password": "wrong"}, nil); status != http.StatusUnauthorized {
		t.Errorf("login with wrong password: status %d, want 401", status)
	}
	if status := anon.do("POST", "/api/users/login", map[string]string{"username": "bob", "password": "pw-bob"}, &login); status != http.StatusOK || login.Token == "" {
		t.Errorf("login: status %d", status)
	}

	var chat model.Chat
	if status := alice.do("POST", "/api/chats", map[string]any{"chatType": "direct", "participantIds": []uint{bobID}}, &chat); status != http.StatusCreated {
		t.Fatalf("create chat: status %d", status)
	}
	var again model.Chat
	if status := alice.do("POST", "/api/chats", map[string]any{"chatType": "direct", "participantIds": []uint{bobID}}, &again); status != http.StatusOK || again.ID != chat.ID {
		t.Fatalf("repeat direct chat: status %d, id %d, want existing %d", status, again.ID, chat.ID)
	}

	var last model.Message
	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("/api/chats/%d/messages", chat.ID)
		if status := alice.do("POST", path, map[string]any{"content": fmt.Sprintf("line %d", i)}, &last); status != http.StatusCreated {
			t.Fatalf("send: status %d", status)
		}
	}

	var page struct {
		Messages []model.Message `json:"messages"`
		Groups   []struct {
			SenderID   uint   `json:"senderId"`
			MessageIDs []uint `json:"messageIds"`
			HasUnread  bool   `json:"hasUnread"`
		} `json:"groups"`
	}
	if status := bob.do("GET", fmt.Sprintf("/api/chats/%d/messages", chat.ID), nil, &page); status != http.StatusOK {
		t.Fatalf("list: status %d", status)
	}
	if len(page.Messages) != 3 || len(page.Groups) != 1 || len(page.Groups[0].MessageIDs) != 3 || !page.Groups[0].HasUnread {
		t.Fatalf("page = %+v", page)
	}

	var unread struct {
		Unread int64 `json:"unread"`
	}
	bob.do("GET", fmt.Sprintf("/api/chats/%d/unread", chat.ID), nil, &unread)
	if unread.Unread != 3 {
		t.Errorf("unread = %d, want 3", unread.Unread)
	}

	var marked struct {
		Moved  bool  `json:"moved"`
		Unread int64 `json:"unread"`
	}
	bob.do("POST", fmt.Sprintf("/api/chats/%d/read", chat.ID), map[string]uint{"lastMessageId": last.ID}, &marked)
	if !marked.Moved || marked.Unread != 0 {
		t.Errorf("mark read = %+v", marked)
	}

	var got model.Message
	alice.do("GET", fmt.Sprintf("/api/messages/%d", last.ID), nil, &got)
	if got.DeliveryStatus != model.StatusRead {
		t.Errorf("status = %s, want read", got.DeliveryStatus)
	}

	var groups []model.ReactionGroup
	if status := bob.do("POST", fmt.Sprintf("/api/messages/%d/reactions", last.ID), map[string]string{"emoji": "👍"}, &groups); status != http.StatusOK || len(groups) != 1 {
		t.Errorf("react: status %d, groups %+v", status, groups)
	}

	var apiErr struct {
		Code string `json:"code"`
	}
	if status := bob.do("PATCH", fmt.Sprintf("/api/messages/%d", last.ID), map[string]string{"content": "hijack"}, &apiErr); status != http.StatusForbidden || apiErr.Code != "not_author" {
		t.Errorf("edit foreign message: status %d, code %q", status, apiErr.Code)
	}
	if status := bob.do("GET", "/api/chats/999", nil, &apiErr); status != http.StatusNotFound || apiErr.Code != "chat_not_found" {
		t.Errorf("unknown chat: status %d, code %q", status, apiErr.Code)
	}
	if status := bob.do("POST", fmt.Sprintf("/api/chats/%d/messages", chat.ID), map[string]string{"content": "  "}, &apiErr); status != http.StatusBadRequest || apiErr.Code != "empty_message" {
		t.Errorf("empty message: status %d, code %q", status, apiErr.Code)
	}
}

func TestAttachmentUploadWithoutStorage(t *testing.T) {
	a := newTestApp(t)
	server := httptest.NewServer(a.server)
	defer server.Close()

	alice, _ := register(t, server, "alice")
	_, bobID := register(t, server, "bob")

	var chat model.Chat
	alice.do("POST", "/api/chats", map[string]any{"chatType": "direct", "participantIds": []uint{bobID}}, &chat)

	var body bytes.Buffer
	body.WriteString("--xx\r\nContent-Disposition: form-data; name=\"file\"; filename=\"a.txt\"\r\nContent-Type: text/plain\r\n\r\nhello\r\n--xx--\r\n")
	req, _ := http.NewRequest("POST", fmt.Sprintf("%s/api/chats/%d/attachments", server.URL, chat.ID), &body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xx")
	req.Header.Set("Authorization", "Bearer "+alice.token)

	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 without S3", resp.StatusCode)
	}
}

func TestWebSocketReceivesMessages(t *testing.T) {
	a := newTestApp(t)
	server := httptest.NewServer(a.server)
	defer server.Close()

	alice, _ := register(t, server, "alice")
	bob, bobID := register(t, server, "bob")

	var chat model.Chat
	alice.do("POST", "/api/chats", map[string]any{"chatType": "direct", "participantIds": []uint{bobID}}, &chat)

	url := fmt.Sprintf("ws%s/api/ws?chat_id=%d&token=%s", strings.TrimPrefix(server.URL, "http"), chat.ID, bob.token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	next := func(typ string) json.RawMessage {
		t.Helper()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var ev struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&ev); err != nil {
				t.Fatalf("waiting for %s: %v", typ, err)
			}
			if ev.Type == typ {
				return ev.Data
			}
		}
	}
	next("room_info")

	alice.do("POST", fmt.Sprintf("/api/chats/%d/messages", chat.ID), map[string]string{"content": "ping"}, nil)

	var msg model.Message
	if err := json.Unmarshal(next("message"), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Content != "ping" {
		t.Errorf("content = %q, want ping", msg.Content)
	}

	var online struct {
		Online []uint `json:"online"`
	}
	alice.do("GET", fmt.Sprintf("/api/chats/%d/presence", chat.ID), nil, &online)
	if len(online.Online) != 1 || online.Online[0] != bobID {
		t.Errorf("online = %v, want [%d]", online.Online, bobID)
	}
}
