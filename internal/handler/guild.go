package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/campfire/internal/service"
	logger "github.com/Gopher0727/campfire/middleware/log"
)

type GuildHandler struct {
	guildService service.IGuildService
	log          *logger.Logger
}

func NewGuildHandler(guildService service.IGuildService, log *logger.Logger) *GuildHandler {
	return &GuildHandler{guildService: guildService, log: log.Named("guild")}
}

// CreateGuild handles guild creation; the creator joins it
func (h *GuildHandler) CreateGuild(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req service.CreateGuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	guild, err := h.guildService.CreateGuild(c.Request.Context(), userID, &req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, guild)
}

// GetUserGuilds retrieves guilds for the authenticated user
func (h *GuildHandler) GetUserGuilds(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	guilds, err := h.guildService.GetUserGuilds(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, guilds)
}

func (h *GuildHandler) GetGuild(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	guild, err := h.guildService.GetGuild(c.Request.Context(), userID, c.Param("guild_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, guild)
}

func (h *GuildHandler) DeleteGuild(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.guildService.DeleteGuild(c.Request.Context(), userID, c.Param("guild_id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *GuildHandler) JoinGuild(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	guild, err := h.guildService.JoinGuild(c.Request.Context(), userID, c.Param("guild_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, guild)
}

func (h *GuildHandler) LeaveGuild(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.guildService.LeaveGuild(c.Request.Context(), userID, c.Param("guild_id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetGuildMembers retrieves members of a guild the caller belongs to
func (h *GuildHandler) GetGuildMembers(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	members, err := h.guildService.GetGuildMembers(c.Request.Context(), userID, c.Param("guild_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, members)
}

func (h *GuildHandler) GetOnlineMembers(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	members, err := h.guildService.GetOnlineMembers(c.Request.Context(), userID, c.Param("guild_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, members)
}
