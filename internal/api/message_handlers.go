package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/message"
	"github.com/openclaw/openclaw/internal/models"
)

type messageHandlers struct {
	svc    *message.Service
	logger *logger.Logger
}

func registerMessageRoutes(api *gin.RouterGroup, svc *message.Service, log *logger.Logger) {
	h := &messageHandlers{svc: svc, logger: log.WithFields(zap.String("component", "message-handlers"))}

	api.POST("/messages", h.send)
	api.GET("/messages/:id", h.get)
	api.POST("/messages/:id/seen", h.markSeen)
	api.POST("/messages/:id/processed", h.markProcessed)
	api.GET("/agents/:id/inbox", h.inbox)
}

type sendMessageRequest struct {
	TeamID        string `json:"team_id"`
	SenderID      string `json:"sender_id"`
	SenderType    string `json:"sender_type"`
	RecipientID   string `json:"recipient_id"`
	RecipientType string `json:"recipient_type"`
	TaskID        *int64 `json:"task_id"`
	Content       string `json:"content"`
}

func (h *messageHandlers) send(c *gin.Context) {
	var body sendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.svc.Send(c.Request.Context(), message.SendParams{
		TeamID:        body.TeamID,
		SenderID:      body.SenderID,
		SenderType:    models.ActorType(body.SenderType),
		RecipientID:   body.RecipientID,
		RecipientType: models.ActorType(body.RecipientType),
		TaskID:        body.TaskID,
		Content:       body.Content,
	})
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *messageHandlers) get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	msg, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *messageHandlers) markSeen(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.MarkSeen(c.Request.Context(), id); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *messageHandlers) markProcessed(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.MarkProcessed(c.Request.Context(), id); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *messageHandlers) inbox(c *gin.Context) {
	unprocessedOnly := c.DefaultQuery("unprocessed", "true") == "true"
	limit := queryInt(c, "limit", 50)
	msgs, err := h.svc.Inbox(c.Request.Context(), c.Param("id"), unprocessedOnly, limit)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
