package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"dmchat/internal/config"
	"dmchat/internal/domain"
	"dmchat/internal/security"
	"dmchat/internal/service"
)

// Deps collects everything the router wires into handlers.
type Deps struct {
	Config   *config.Config
	Log      *zap.Logger
	Tokens   *security.TokenService
	Users    domain.UserRepository
	Auth     *service.AuthService
	Profiles *service.UserService
	Messages *service.MessageService
	// Live serves /ws; nil leaves the route unmounted.
	Live http.Handler
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if d.Config.Debug {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	// The websocket route sits outside the request timeout.
	if d.Live != nil {
		r.Get("/ws", d.Live.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", handleRegister(d.Auth, d.Log))
			r.Post("/login", handleLogin(d.Auth, d.Log))
		})

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(d.Tokens, d.Users, d.Log))

			r.Post("/auth/logout", handleLogout(d.Auth, d.Log))
			r.Get("/auth/me", handleMe())

			r.Route("/users", func(r chi.Router) {
				r.Get("/", handleListUsers(d.Profiles, d.Log))
				r.Get("/{userID}", handleGetUser(d.Profiles, d.Log))
			})

			r.Route("/messages", func(r chi.Router) {
				r.Get("/users", handleSidebar(d.Messages, d.Log))
				r.Get("/{peerID}", handleHistory(d.Messages, d.Log))
				r.Put("/mark/{messageID}", handleMarkSeen(d.Messages, d.Log))
				r.Put("/mark-all/{peerID}", handleMarkConversationSeen(d.Messages, d.Log))
				r.Post("/send/{peerID}", handleSend(d.Messages, d.Log))
			})

			r.Mount("/uploads", UploadRoutes(d.Config, d.Log))
		})
	})

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
