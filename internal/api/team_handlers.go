package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/team"
)

type teamHandlers struct {
	svc    *team.Service
	logger *logger.Logger
}

func registerTeamRoutes(api *gin.RouterGroup, svc *team.Service, log *logger.Logger) {
	h := &teamHandlers{svc: svc, logger: log.WithFields(zap.String("component", "team-handlers"))}

	api.POST("/orgs", h.createOrganization)
	api.GET("/orgs/:id", h.getOrganization)
	api.GET("/orgs/:id/teams", h.listTeams)

	api.POST("/teams", h.createTeam)
	api.GET("/teams/:id", h.getTeam)
	api.GET("/teams/:id/settings", h.getSettings)
	api.PUT("/teams/:id/settings", h.updateSettings)
	api.POST("/teams/:id/agents", h.createAgent)
	api.GET("/teams/:id/agents", h.listAgents)
	api.POST("/teams/:id/repos", h.registerRepository)
	api.GET("/teams/:id/repos", h.listRepositories)

	api.GET("/agents/:id", h.getAgent)
	api.PUT("/agents/:id/status", h.setAgentStatus)
	api.GET("/repos/:id", h.getRepository)
}

type createOrgRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

func (h *teamHandlers) createOrganization(c *gin.Context) {
	var body createOrgRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	org, err := h.svc.CreateOrganization(c.Request.Context(), body.Name, body.Slug)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, org)
}

func (h *teamHandlers) getOrganization(c *gin.Context) {
	org, err := h.svc.GetOrganization(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, org)
}

func (h *teamHandlers) listTeams(c *gin.Context) {
	teams, err := h.svc.ListTeams(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"teams": teams})
}

type createTeamRequest struct {
	OrgID string `json:"org_id"`
	Name  string `json:"name"`
	Slug  string `json:"slug"`
}

func (h *teamHandlers) createTeam(c *gin.Context) {
	var body createTeamRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	tm, manager, err := h.svc.CreateTeam(c.Request.Context(), body.OrgID, body.Name, body.Slug)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"team": tm, "manager": manager})
}

func (h *teamHandlers) getTeam(c *gin.Context) {
	tm, err := h.svc.GetTeam(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, tm)
}

func (h *teamHandlers) getSettings(c *gin.Context) {
	settings, err := h.svc.Settings(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *teamHandlers) updateSettings(c *gin.Context) {
	var settings models.TeamSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	settings.TeamID = c.Param("id")
	updated, err := h.svc.UpdateSettings(c.Request.Context(), &settings)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type createAgentRequest struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Model   string `json:"model"`
	Adapter string `json:"adapter"`
	Config  string `json:"config"`
}

func (h *teamHandlers) createAgent(c *gin.Context) {
	var body createAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	agent, err := h.svc.CreateAgent(c.Request.Context(), team.CreateAgentParams{
		TeamID:  c.Param("id"),
		Name:    body.Name,
		Role:    models.AgentRole(body.Role),
		Model:   body.Model,
		Adapter: body.Adapter,
		Config:  body.Config,
	})
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *teamHandlers) listAgents(c *gin.Context) {
	agents, err := h.svc.ListAgents(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *teamHandlers) getAgent(c *gin.Context) {
	agent, err := h.svc.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

type setAgentStatusRequest struct {
	Status string `json:"status"`
}

func (h *teamHandlers) setAgentStatus(c *gin.Context) {
	var body setAgentStatusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.svc.SetAgentStatus(c.Request.Context(), c.Param("id"), models.AgentStatus(body.Status)); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": body.Status})
}

type registerRepoRequest struct {
	Name          string `json:"name"`
	LocalPath     string `json:"local_path"`
	DefaultBranch string `json:"default_branch"`
}

func (h *teamHandlers) registerRepository(c *gin.Context) {
	var body registerRepoRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	repo, err := h.svc.RegisterRepository(c.Request.Context(), c.Param("id"), body.Name, body.LocalPath, body.DefaultBranch)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (h *teamHandlers) listRepositories(c *gin.Context) {
	repos, err := h.svc.ListRepositories(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos})
}

func (h *teamHandlers) getRepository(c *gin.Context) {
	repo, err := h.svc.GetRepository(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}
