// Package api exposes the HTTP surface: gin routes over the services, with
// a uniform error-kind to status-code mapping.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/openclaw/internal/common/httpmw"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/humanloop"
	"github.com/openclaw/openclaw/internal/merge"
	"github.com/openclaw/openclaw/internal/message"
	"github.com/openclaw/openclaw/internal/review"
	"github.com/openclaw/openclaw/internal/session"
	"github.com/openclaw/openclaw/internal/store"
	"github.com/openclaw/openclaw/internal/task"
	"github.com/openclaw/openclaw/internal/team"
	"github.com/openclaw/openclaw/internal/webhook"
)

// Services bundles everything the HTTP surface exposes.
type Services struct {
	Team      *team.Service
	Task      *task.Service
	Message   *message.Service
	Session   *session.Service
	HumanLoop *humanloop.Service
	Review    *review.Service
	Merge     *merge.Service
	Webhook   *webhook.Service
	Store     *store.Store
}

// NewRouter builds the engine with all routes registered.
func NewRouter(s Services, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "openclaw-api"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	registerTeamRoutes(api, s.Team, log)
	registerTaskRoutes(api, s.Task, s.Review, s.Merge, log)
	registerMessageRoutes(api, s.Message, log)
	registerSessionRoutes(api, s.Session, log)
	registerHumanLoopRoutes(api, s.HumanLoop, log)
	registerReviewRoutes(api, s.Review, log)
	registerWebhookRoutes(api, s.Webhook, log)
	registerEventRoutes(api, s.Store, log)
	return router
}

// pathID parses a numeric :id path parameter, responding 400 on garbage.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be an integer"})
		return 0, false
	}
	return id, true
}

// queryInt parses an optional integer query parameter.
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
