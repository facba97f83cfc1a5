package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"shieldpool/internal/db"
)

// HealthCheckHandler
// GET /api/health
func HealthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "shieldpool",
		"api":     "healthy",
	})
}

// DatabaseHealthCheckHandler pings the database
// GET /api/health/db
func DatabaseHealthCheckHandler(c *gin.Context) {
	if err := db.HealthCheck(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}
