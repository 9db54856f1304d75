package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/campfire/internal/handler"
)

// RegisterRoutes registers all API routes
func RegisterRoutes(
	r *gin.Engine,
	mw *MiddlewareManager,
	authHandler *handler.AuthHandler,
	guildHandler *handler.GuildHandler,
	messageHandler *handler.MessageHandler,
	wsHandler *handler.WSHandler,
) {
	// authenticates itself so it can answer 401/403 before upgrading
	r.GET("/ws", wsHandler.Connect)

	api := r.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.GET("/validate", authHandler.Validate)
		}
	}

	protected := api.Group("")
	protected.Use(mw.JWTAuth())
	{
		protected.PUT("/users/me", authHandler.UpdateProfile)

		guilds := protected.Group("/guilds")
		{
			guilds.POST("", guildHandler.CreateGuild)
			guilds.GET("", guildHandler.GetUserGuilds)
			guilds.GET("/:guild_id", guildHandler.GetGuild)
			guilds.DELETE("/:guild_id", guildHandler.DeleteGuild)
			guilds.POST("/:guild_id/join", guildHandler.JoinGuild)
			guilds.POST("/:guild_id/leave", guildHandler.LeaveGuild)
			guilds.GET("/:guild_id/members", guildHandler.GetGuildMembers)
			guilds.GET("/:guild_id/online", guildHandler.GetOnlineMembers)
		}

		protected.GET("/messages", messageHandler.GetMessages)
	}
}
