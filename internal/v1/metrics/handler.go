package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/logging"
)

// Handler serves the JSON metrics snapshot on GET /metrics.
func Handler(c *gin.Context) {
	snap, err := Snapshot()
	if err != nil {
		logging.Error(c.Request.Context(), "Metrics snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics":   snap,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
