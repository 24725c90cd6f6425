package api

import "github.com/gin-gonic/gin"

// RegisterRoutes wires the conversations endpoints onto the engine.
func RegisterRoutes(r *gin.Engine, h *ConversationHandler) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	did := r.Group("/api/did")
	did.POST("/conversations", h.SaveTurn)
	did.GET("/conversations", h.GetConversation)
	did.GET("/conversations/user/:userId", h.ListByUser)
	did.GET("/conversations/patient/:patientId", h.ListByPatient)
}
