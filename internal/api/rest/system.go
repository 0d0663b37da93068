package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus(c.Request.Context())
	c.JSON(http.StatusOK, status)
}

// POST /api/v1/system/reload-plans drops cached plan presets.
func (s *Server) reloadPlans(c *gin.Context) {
	if err := s.lm.ReloadPlans(); err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse("SYSTEM_500", "Failed to reload plans", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "plans reloaded"})
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// Request context ends with the response
	go s.lm.Shutdown(context.Background())
}
