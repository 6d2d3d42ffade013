package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/feedsnap/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Health returns a handler for GET /api/v1/health.
//
// The status degrades when the capture browser is disconnected.
func Health(runs Runs, browser func() models.BrowserStats, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := browser()

		status := "healthy"
		if !stats.Connected {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:        status,
			Uptime:        time.Since(startTime).Round(time.Second).String(),
			Version:       Version,
			ActiveCapture: runs.Active(),
			Browser:       stats,
		})
	}
}
