package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/abhinavkale-dev/ChatPulse/internal/pkg/jwtutil"
	"github.com/abhinavkale-dev/ChatPulse/internal/relay"
	"github.com/abhinavkale-dev/ChatPulse/internal/transport/http/response"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced at the edge proxy.
		return true
	},
}

// Handler upgrades HTTP requests to relay connections. The handshake
// carries the room id as a query parameter and optionally a session token
// that pins the authenticated email for the connection. A missing room is
// tolerated: the connection is served but receives no room broadcasts.
type Handler struct {
	relay     *relay.Relay
	jwtSecret string
	logger    zerolog.Logger
}

func NewHandler(r *relay.Relay, jwtSecret string, logger zerolog.Logger) *Handler {
	return &Handler{
		relay:     r,
		jwtSecret: jwtSecret,
		logger:    logger,
	}
}

func (h *Handler) Handle(c *gin.Context) {
	room := c.Query("room")

	email := ""
	if token := handshakeToken(c); token != "" {
		claims, err := jwtutil.ParseToken(h.jwtSecret, token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid or expired token")
			return
		}
		email = claims.Email
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.relay.ServeConn(relay.NewConn(conn, room, email))
}

func handshakeToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	}
	return ""
}
