package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/review"
)

type reviewHandlers struct {
	svc    *review.Service
	logger *logger.Logger
}

func registerReviewRoutes(api *gin.RouterGroup, svc *review.Service, log *logger.Logger) {
	h := &reviewHandlers{svc: svc, logger: log.WithFields(zap.String("component", "review-handlers"))}

	api.GET("/reviews/:id", h.get)
	api.POST("/reviews/:id/comments", h.addComment)
	api.GET("/reviews/:id/comments", h.listComments)
	api.POST("/reviews/:id/verdict", h.setVerdict)
	api.POST("/reviews/:id/approve", h.approve)
	api.POST("/reviews/:id/reject", h.reject)
}

func (h *reviewHandlers) get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	rev, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

type addCommentRequest struct {
	AuthorID   string  `json:"author_id"`
	AuthorType string  `json:"author_type"`
	Content    string  `json:"content"`
	FilePath   *string `json:"file_path"`
	LineNumber *int    `json:"line_number"`
}

func (h *reviewHandlers) addComment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body addCommentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	comment, err := h.svc.AddComment(c.Request.Context(), id, body.AuthorID,
		models.ActorType(body.AuthorType), body.Content, body.FilePath, body.LineNumber)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (h *reviewHandlers) listComments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	comments, err := h.svc.Comments(c.Request.Context(), id)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

type verdictRequest struct {
	Verdict    string `json:"verdict"`
	Summary    string `json:"summary"`
	ReviewerID string `json:"reviewer_id"`
}

func (h *reviewHandlers) setVerdict(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body verdictRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.applyVerdict(c, id, models.ReviewVerdict(body.Verdict), body.Summary, body.ReviewerID)
}

type verdictShorthandRequest struct {
	Summary    string `json:"summary"`
	ReviewerID string `json:"reviewer_id"`
}

func (h *reviewHandlers) approve(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body verdictShorthandRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.applyVerdict(c, id, models.VerdictApprove, body.Summary, body.ReviewerID)
}

func (h *reviewHandlers) reject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body verdictShorthandRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.applyVerdict(c, id, models.VerdictReject, body.Summary, body.ReviewerID)
}

func (h *reviewHandlers) applyVerdict(c *gin.Context, reviewID int64, verdict models.ReviewVerdict, summary, reviewerID string) {
	rev, err := h.svc.SetVerdict(c.Request.Context(), reviewID, verdict, summary, reviewerID)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rev)
}
