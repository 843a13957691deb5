package httpapi

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes registers every endpoint the orchestration core exposes.
func SetupRoutes(router *gin.Engine, h *Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.GET("/data-sources", h.ListDataSources)

		threads := api.Group("/threads")
		{
			threads.GET("", h.ListThreads)
			threads.POST("", h.CreateThread)
			threads.GET("/:id", h.GetThread)
			threads.GET("/:id/messages", h.ListMessages)
			threads.POST("/:id/messages", h.PostMessage)
			threads.GET("/:id/tokens", h.GetTokenUsage)
			threads.GET("/:id/databases", h.GetUsedDatabases)
		}
	}
}
