package app

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"tush00nka/portal_chat/internal/handler"
	"tush00nka/portal_chat/internal/pkg/auth"
)

// ServerDeps обработчики и инфраструктура HTTP сервера
type ServerDeps struct {
	Users         *handler.UserHandler
	Chats         *handler.ChatHandler
	Messages      *handler.MessageHandler
	Announcements *handler.AnnouncementHandler
	WS            *handler.WSHandler
	Auth          *auth.Manager
	Gatherer      prometheus.Gatherer
	Origins       []string
	Logger        *slog.Logger
}

type Server struct {
	router  *mux.Router
	handler http.Handler
}

func NewServer(deps ServerDeps) *Server {
	router := mux.NewRouter()

	router.HandleFunc("/ping", handler.Ping).Methods(http.MethodGet)
	if deps.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	deps.Users.RegisterPublicRoutes(api)

	// Остальное API только с токеном
	protected := api.NewRoute().Subrouter()
	protected.Use(deps.Auth.Middleware(handler.Unauthorized))
	deps.Users.RegisterRoutes(protected)
	deps.Chats.RegisterRoutes(protected)
	deps.Messages.RegisterRoutes(protected)
	deps.Announcements.RegisterRoutes(protected)
	deps.WS.RegisterRoutes(protected)

	// Настройка Swagger
	router.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"), // Важно: относительный путь
	))

	origins := deps.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Requested-With"}),
	)

	return &Server{
		router:  router,
		handler: accessLog(deps.Logger, cors(router)),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// accessLog журнал запросов gorilla/handlers, записанный через slog
func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, p handlers.LogFormatterParams) {
		logger.Info("http request",
			"method", p.Request.Method,
			"path", p.URL.Path,
			"status", p.StatusCode,
			"size", p.Size,
			"duration", time.Since(p.TimeStamp),
		)
	})
}
