package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Gopher0727/campfire/config"
	"github.com/Gopher0727/campfire/internal/pkg/gateway"
	"github.com/Gopher0727/campfire/internal/service"
	"github.com/Gopher0727/campfire/middleware/jwt"
	logger "github.com/Gopher0727/campfire/middleware/log"
)

// ConnectionHandler admits a bound connection to the live channel. It returns
// false when the connection was refused after the upgrade.
type ConnectionHandler interface {
	HandleConnection(conn *gateway.Connection) bool
}

// WSHandler authenticates and authorises a WebSocket handshake, then hands the
// upgraded connection to the fan-out engine.
type WSHandler struct {
	authService  service.IAuthService
	guildService service.IGuildService
	engine       ConnectionHandler
	upgrader     websocket.Upgrader
	sendBuffer   int
	log          *logger.Logger
}

func NewWSHandler(
	authService service.IAuthService,
	guildService service.IGuildService,
	engine ConnectionHandler,
	wsCfg *config.WebsocketConfig,
	allowedOrigins []string,
	log *logger.Logger,
) *WSHandler {
	h := &WSHandler{
		authService:  authService,
		guildService: guildService,
		engine:       engine,
		sendBuffer:   wsCfg.SendBufferSize,
		log:          log.Named("ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsCfg.ReadBufferSize,
		WriteBufferSize: wsCfg.WriteBufferSize,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker allows any origin when the list is empty or contains "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || lo.Contains(allowed, origin)
	}
}

// Connect handles GET /ws?guild_id=&user_id=&token=.
// 401 for a missing or bad credential or a user_id that is not the token's;
// 403 when the user is not a member of guild_id.
func (h *WSHandler) Connect(c *gin.Context) {
	ctx := c.Request.Context()

	token := jwt.TokenFromRequest(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
		return
	}
	user, err := h.authService.ValidateToken(ctx, token)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if claimed := c.Query("user_id"); claimed != "" && claimed != user.ID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id does not match credentials"})
		return
	}

	guildID := c.Query("guild_id")
	if err := h.guildService.CheckMembership(ctx, user.ID, guildID); err != nil {
		if errors.Is(err, service.ErrNotMember) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this guild"})
			return
		}
		respondError(c, h.log, err)
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered the client
		h.log.DebugContext(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	// the connection outlives the handshake request
	connCtx := context.WithoutCancel(ctx)
	conn := gateway.NewConnection(connCtx,
		gateway.Identity{UserID: user.ID, UserName: user.Username}, guildID, ws, h.sendBuffer)
	if !h.engine.HandleConnection(conn) {
		h.log.InfoContext(ctx, "connection dropped after upgrade",
			zap.String("guild_id", guildID), zap.String("user_id", user.ID))
	}
}
