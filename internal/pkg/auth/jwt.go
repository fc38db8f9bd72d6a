package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	insecureKey     = "insecure-development-key-change-me"
)

var ErrNoToken = errors.New("auth token is missing")

type Claims struct {
	UserID uint `json:"user_id"`
	jwt.StandardClaims
}

// Manager выпускает и проверяет HS256 токены
type Manager struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewManager(key string, ttl time.Duration, logger *slog.Logger) *Manager {
	if key == "" {
		if logger != nil {
			logger.Warn("JWT_KEY is not set, using insecure fallback. Set JWT_KEY in env for production!")
		}
		key = insecureKey
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Manager{key: []byte(key), ttl: ttl, now: time.Now}
}

func (m *Manager) GenerateToken(userID uint) (string, error) {
	claims := &Claims{
		UserID: userID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  m.now().Unix(),
			ExpiresAt: m.now().Add(m.ttl).Unix(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.key)
}

func (m *Manager) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.key, nil
	})
	if err != nil {
		return nil, err
	}

	if !tkn.Valid || claims.UserID == 0 {
		return nil, jwt.ErrSignatureInvalid
	}

	return claims, nil
}

// TokenFromRequest ищет токен в заголовке Authorization, cookie "token" или параметре ?token=
// (браузер не умеет ставить заголовки при открытии websocket)
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", ErrNoToken
		}
		return strings.TrimSpace(token), nil
	}

	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value, nil
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	return "", ErrNoToken
}

// Authenticate возвращает ID пользователя из токена запроса
func (m *Manager) Authenticate(r *http.Request) (uint, error) {
	tokenStr, err := TokenFromRequest(r)
	if err != nil {
		return 0, err
	}
	claims, err := m.ValidateToken(tokenStr)
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

type ctxKey struct{}

func WithUser(ctx context.Context, userID uint) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFromContext ID пользователя, положенный Middleware
func UserFromContext(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(ctxKey{}).(uint)
	return id, ok && id != 0
}

// Middleware пропускает только запросы с действительным токеном
func (m *Manager) Middleware(onError func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := m.Authenticate(r)
			if err != nil {
				onError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}
