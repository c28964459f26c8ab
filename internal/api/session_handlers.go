package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/session"
)

type sessionHandlers struct {
	svc    *session.Service
	logger *logger.Logger
}

func registerSessionRoutes(api *gin.RouterGroup, svc *session.Service, log *logger.Logger) {
	h := &sessionHandlers{svc: svc, logger: log.WithFields(zap.String("component", "session-handlers"))}

	api.POST("/sessions", h.start)
	api.GET("/sessions/:id", h.get)
	api.POST("/sessions/:id/usage", h.recordUsage)
	api.POST("/sessions/:id/end", h.end)
	api.GET("/agents/:id/session", h.openSession)
	api.GET("/agents/:id/budget", h.checkBudget)
	api.GET("/teams/:id/costs", h.costSummary)
}

type startSessionRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  *int64 `json:"task_id"`
	Model   string `json:"model"`
}

func (h *sessionHandlers) start(c *gin.Context) {
	var body startSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sess, err := h.svc.Start(c.Request.Context(), body.AgentID, body.TaskID, body.Model)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *sessionHandlers) get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sess, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type recordUsageRequest struct {
	TokensIn   int64 `json:"tokens_in"`
	TokensOut  int64 `json:"tokens_out"`
	CacheRead  int64 `json:"cache_read"`
	CacheWrite int64 `json:"cache_write"`
}

func (h *sessionHandlers) recordUsage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body recordUsageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sess, err := h.svc.RecordUsage(c.Request.Context(), id, session.Usage{
		TokensIn:   body.TokensIn,
		TokensOut:  body.TokensOut,
		CacheRead:  body.CacheRead,
		CacheWrite: body.CacheWrite,
	})
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type endSessionRequest struct {
	Error string `json:"error"`
}

func (h *sessionHandlers) end(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body endSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sess, err := h.svc.End(c.Request.Context(), id, body.Error)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *sessionHandlers) openSession(c *gin.Context) {
	sess, err := h.svc.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *sessionHandlers) checkBudget(c *gin.Context) {
	var taskID *int64
	if raw := c.Query("task_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "task_id must be an integer"})
			return
		}
		taskID = &id
	}
	status, err := h.svc.CheckBudget(c.Request.Context(), c.Param("id"), taskID)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *sessionHandlers) costSummary(c *gin.Context) {
	days := queryInt(c, "days", 7)
	rows, err := h.svc.CostSummary(c.Request.Context(), c.Param("id"), days)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"costs": rows})
}
