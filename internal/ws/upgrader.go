package ws

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
)

// NewUpgrader проверяет Origin по списку разрешенных. "*" или allowAll разрешают все
func NewUpgrader(allowedOrigins []string, allowAll bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")

			// Не браузерные клиенты Origin не присылают
			if origin == "" || allowAll {
				return true
			}

			return slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}
}
