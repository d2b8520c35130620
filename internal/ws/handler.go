package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dmchat/internal/domain"
	"dmchat/internal/live"
	"dmchat/internal/security"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

// PresenceRefresher renews a user's cluster presence entry; called on every
// pong. cluster.Presence implements it.
type PresenceRefresher interface {
	Refresh(ctx context.Context, userID int64) error
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin accepts requests without an Origin header (native
// clients) and browser requests from an allowed origin. "*" allows any.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if _, ok := allowed["*"]; ok {
		return func(r *http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

// extractTokenFromWSRequest reads the bearer token from the Authorization
// header, the "bearer, <token>" subprotocol pair, or the token query
// parameter, in that order.
func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// Handler serves the /ws endpoint. It authenticates before upgrading, then
// keeps the connection registered as the user's live sink until it drops.
type Handler struct {
	registry    *live.Registry
	tokens      *security.TokenService
	users       domain.UserRepository
	presence    PresenceRefresher
	checkOrigin func(r *http.Request) bool
	upgrader    websocket.Upgrader
	log         *zap.Logger
}

func NewHandler(
	registry *live.Registry,
	tokens *security.TokenService,
	users domain.UserRepository,
	presence PresenceRefresher,
	allowedOrigins []string,
	log *zap.Logger,
) *Handler {
	checkOrigin := makeCheckOrigin(allowedOrigins)
	return &Handler{
		registry:    registry,
		tokens:      tokens,
		users:       users,
		presence:    presence,
		checkOrigin: checkOrigin,
		upgrader: websocket.Upgrader{
			CheckOrigin:  checkOrigin,
			Subprotocols: []string{"bearer"},
		},
		log: log,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	tokenStr, err := extractTokenFromWSRequest(r)
	if err != nil {
		var authErr wsAuthError
		if errors.As(err, &authErr) {
			http.Error(w, authErr.msg, authErr.status)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := h.tokens.UserID(tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil || !user.IsActive {
		http.Error(w, "user not found or inactive", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Int64("user_id", user.ID), zap.Error(err))
		return
	}

	conn := newConn(user.ID, wsConn, h.log)
	go conn.writeLoop()
	h.registry.Register(user.ID, conn)
	conn.log.Info("live connection opened")

	h.readLoop(conn)

	h.registry.Unregister(user.ID, conn)
	_ = conn.Close()
	conn.log.Info("live connection closed")
}

// readLoop keeps the read side alive for control frames. Clients have
// nothing to send on this channel; data frames get an error event.
func (h *Handler) readLoop(c *Conn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		if h.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := h.presence.Refresh(ctx, c.UserID); err != nil {
				c.log.Warn("refresh presence", zap.Error(err))
			}
			cancel()
		}
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		ev, err := live.NewEvent(live.EventError, map[string]string{
			"message": "messages are sent over the REST API",
		})
		if err == nil {
			_ = c.Push(ev)
		}
	}
}
