package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/humanloop"
	"github.com/openclaw/openclaw/internal/models"
)

type humanLoopHandlers struct {
	svc    *humanloop.Service
	logger *logger.Logger
}

func registerHumanLoopRoutes(api *gin.RouterGroup, svc *humanloop.Service, log *logger.Logger) {
	h := &humanLoopHandlers{svc: svc, logger: log.WithFields(zap.String("component", "humanloop-handlers"))}

	api.POST("/human-requests", h.create)
	api.GET("/human-requests", h.list)
	api.GET("/human-requests/:id", h.get)
	api.POST("/human-requests/:id/respond", h.respond)
}

type createHumanRequestRequest struct {
	TeamID         string   `json:"team_id"`
	AgentID        string   `json:"agent_id"`
	Kind           string   `json:"kind"`
	Question       string   `json:"question"`
	Options        []string `json:"options"`
	TaskID         *int64   `json:"task_id"`
	TimeoutMinutes int      `json:"timeout_minutes"`
}

func (h *humanLoopHandlers) create(c *gin.Context) {
	var body createHumanRequestRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req, err := h.svc.Create(c.Request.Context(), humanloop.CreateParams{
		TeamID:         body.TeamID,
		AgentID:        body.AgentID,
		Kind:           models.HumanRequestKind(body.Kind),
		Question:       body.Question,
		Options:        body.Options,
		TaskID:         body.TaskID,
		TimeoutMinutes: body.TimeoutMinutes,
	})
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *humanLoopHandlers) list(c *gin.Context) {
	reqs, err := h.svc.List(c.Request.Context(), c.Query("team_id"), models.HumanRequestStatus(c.Query("status")))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

func (h *humanLoopHandlers) get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	req, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type respondRequest struct {
	Response  string `json:"response"`
	Responder string `json:"responder"`
}

func (h *humanLoopHandlers) respond(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body respondRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req, err := h.svc.Respond(c.Request.Context(), id, body.Response, body.Responder)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, req)
}
