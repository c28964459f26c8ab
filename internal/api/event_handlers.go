package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/store"
)

type eventHandlers struct {
	store  *store.Store
	logger *logger.Logger
}

func registerEventRoutes(api *gin.RouterGroup, st *store.Store, log *logger.Logger) {
	h := &eventHandlers{store: st, logger: log.WithFields(zap.String("component", "event-handlers"))}

	api.GET("/events", h.byType)
	api.GET("/streams/:stream", h.stream)
}

// stream reads one entity's history in id order, optionally from a cursor.
func (h *eventHandlers) stream(c *gin.Context) {
	var since int64
	if raw := c.Query("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an integer"})
			return
		}
		since = n
	}
	limit := queryInt(c, "limit", 100)
	events, err := h.store.EventStream(c.Request.Context(), c.Param("stream"), since, limit)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *eventHandlers) byType(c *gin.Context) {
	eventType := c.Query("type")
	if eventType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	limit := queryInt(c, "limit", 100)
	events, err := h.store.EventsByType(c.Request.Context(), eventType, limit)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
