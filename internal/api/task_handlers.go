package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/merge"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/review"
	"github.com/openclaw/openclaw/internal/store"
	"github.com/openclaw/openclaw/internal/task"
)

type taskHandlers struct {
	tasks   *task.Service
	reviews *review.Service
	merges  *merge.Service
	logger  *logger.Logger
}

func registerTaskRoutes(api *gin.RouterGroup, tasks *task.Service, reviews *review.Service, merges *merge.Service, log *logger.Logger) {
	h := &taskHandlers{
		tasks:   tasks,
		reviews: reviews,
		merges:  merges,
		logger:  log.WithFields(zap.String("component", "task-handlers")),
	}

	api.POST("/tasks", h.createTask)
	api.POST("/task-batches", h.createBatch)
	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:id", h.getTask)
	api.PATCH("/tasks/:id", h.updateTask)
	api.POST("/tasks/:id/transition", h.transition)
	api.POST("/tasks/:id/assign", h.assign)
	api.GET("/tasks/:id/history", h.history)
	api.POST("/tasks/:id/reviews", h.requestReview)
	api.GET("/tasks/:id/reviews", h.listReviews)
	api.GET("/tasks/:id/merge-status", h.mergeStatus)
	api.POST("/tasks/:id/merge", h.enqueueMerge)
	api.GET("/tasks/:id/merge-jobs", h.listMergeJobs)
}

type createTaskRequest struct {
	TeamID      string         `json:"team_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	DRIID       *string        `json:"dri_id"`
	AssigneeID  *string        `json:"assignee_id"`
	DependsOn   []int64        `json:"depends_on"`
	RepoIDs     []string       `json:"repo_ids"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
	Actor       string         `json:"actor"`
}

func (r *createTaskRequest) params() task.CreateParams {
	return task.CreateParams{
		TeamID:      r.TeamID,
		Title:       r.Title,
		Description: r.Description,
		Priority:    models.TaskPriority(r.Priority),
		DRIID:       r.DRIID,
		AssigneeID:  r.AssigneeID,
		DependsOn:   r.DependsOn,
		RepoIDs:     r.RepoIDs,
		Tags:        r.Tags,
		Metadata:    r.Metadata,
	}
}

func (h *taskHandlers) createTask(c *gin.Context) {
	var body createTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	t, err := h.tasks.Create(c.Request.Context(), body.params(), body.Actor)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

type createBatchRequest struct {
	Tasks            []createTaskRequest `json:"tasks"`
	DependsOnIndices [][]int             `json:"depends_on_indices"`
	Actor            string              `json:"actor"`
}

func (h *taskHandlers) createBatch(c *gin.Context) {
	var body createBatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	params := make([]task.CreateParams, 0, len(body.Tasks))
	for i := range body.Tasks {
		params = append(params, body.Tasks[i].params())
	}
	tasks, err := h.tasks.CreateBatch(c.Request.Context(), params, body.DependsOnIndices, body.Actor)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tasks": tasks})
}

func (h *taskHandlers) listTasks(c *gin.Context) {
	filter := store.TaskFilter{
		TeamID:     c.Query("team_id"),
		Status:     models.TaskStatus(c.Query("status")),
		AssigneeID: c.Query("assignee_id"),
	}
	tasks, err := h.tasks.List(c.Request.Context(), filter)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *taskHandlers) getTask(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	t, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type updateTaskRequest struct {
	Title       *string         `json:"title"`
	Description *string         `json:"description"`
	Priority    *string         `json:"priority"`
	DRIID       *string         `json:"dri_id"`
	Tags        *[]string       `json:"tags"`
	Metadata    *map[string]any `json:"metadata"`
	Actor       string          `json:"actor"`
}

func (h *taskHandlers) updateTask(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body updateTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p := task.UpdateParams{
		Title:       body.Title,
		Description: body.Description,
		DRIID:       body.DRIID,
	}
	if body.Tags != nil {
		p.Tags = *body.Tags
	}
	if body.Metadata != nil {
		p.Metadata = *body.Metadata
	}
	if body.Priority != nil {
		prio := models.TaskPriority(*body.Priority)
		p.Priority = &prio
	}
	t, err := h.tasks.Update(c.Request.Context(), id, p, body.Actor)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type transitionRequest struct {
	To    string `json:"to"`
	Actor string `json:"actor"`
}

func (h *taskHandlers) transition(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body transitionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	t, err := h.tasks.Transition(c.Request.Context(), id, models.TaskStatus(body.To), body.Actor)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type assignRequest struct {
	AgentID string `json:"agent_id"`
	Actor   string `json:"actor"`
}

func (h *taskHandlers) assign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body assignRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	t, err := h.tasks.Assign(c.Request.Context(), id, body.AgentID, body.Actor)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *taskHandlers) history(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	events, err := h.tasks.History(c.Request.Context(), id)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type requestReviewRequest struct {
	ReviewerID   *string `json:"reviewer_id"`
	ReviewerType string  `json:"reviewer_type"`
}

func (h *taskHandlers) requestReview(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body requestReviewRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	rev, err := h.reviews.Request(c.Request.Context(), id, body.ReviewerID, models.ActorType(body.ReviewerType))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, rev)
}

func (h *taskHandlers) listReviews(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	reviews, err := h.reviews.ListByTask(c.Request.Context(), id)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews})
}

func (h *taskHandlers) mergeStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	status, err := h.reviews.MergeStatus(c.Request.Context(), id)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type enqueueMergeRequest struct {
	Strategy string `json:"strategy"`
	Actor    string `json:"actor"`
}

func (h *taskHandlers) enqueueMerge(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body enqueueMergeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	jobs, err := h.merges.Enqueue(c.Request.Context(), id, models.MergeStrategy(body.Strategy), body.Actor)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobs": jobs})
}

func (h *taskHandlers) listMergeJobs(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	jobs, err := h.merges.ListByTask(c.Request.Context(), id)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}
