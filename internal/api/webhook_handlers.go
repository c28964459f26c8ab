package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/webhook"
)

type webhookHandlers struct {
	svc    *webhook.Service
	logger *logger.Logger
}

func registerWebhookRoutes(api *gin.RouterGroup, svc *webhook.Service, log *logger.Logger) {
	h := &webhookHandlers{svc: svc, logger: log.WithFields(zap.String("component", "webhook-handlers"))}

	api.POST("/webhooks/:source", h.record)
	api.GET("/webhook-deliveries", h.list)
	api.GET("/webhook-deliveries/:id", h.get)
	api.POST("/webhook-deliveries/:id/processed", h.markProcessed)
}

// record stores the raw body verbatim; the event kind rides in the
// X-Event-Kind header, matching GitHub's X-GitHub-Event convention.
func (h *webhookHandlers) record(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	eventKind := c.GetHeader("X-Event-Kind")
	if eventKind == "" {
		eventKind = c.GetHeader("X-GitHub-Event")
	}
	d, err := h.svc.Record(c.Request.Context(), c.Param("source"), eventKind, string(payload))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *webhookHandlers) list(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	deliveries, err := h.svc.List(c.Request.Context(), c.Query("source"), limit)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

func (h *webhookHandlers) get(c *gin.Context) {
	d, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type markProcessedRequest struct {
	Status string `json:"status"`
}

func (h *webhookHandlers) markProcessed(c *gin.Context) {
	var body markProcessedRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	d, err := h.svc.MarkProcessed(c.Request.Context(), c.Param("id"), body.Status)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, d)
}
