package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/knpy/hikitsugi-kun/service"
)

// DocumentHandler covers final document generation and retrieval
type DocumentHandler struct {
	store    *service.SessionStore
	pipeline *service.Pipeline
}

func NewDocumentHandler(store *service.SessionStore, pipeline *service.Pipeline) *DocumentHandler {
	return &DocumentHandler{store: store, pipeline: pipeline}
}

type DocumentRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// Generate composes the handover document from the stored analysis and policy
func (h *DocumentHandler) Generate(c *gin.Context) {
	var req DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	document, err := h.pipeline.GenerateDocument(c.Request.Context(), req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
		case errors.Is(err, service.ErrNoAnalysis):
			c.JSON(http.StatusBadRequest, gin.H{"error": "動画解析が完了していません"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"document": document,
	})
}

// Get returns the stored document and analysis
func (h *DocumentHandler) Get(c *gin.Context) {
	sess := h.store.Get(c.Param("session_id"))
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"document":       sess.GeneratedDocument,
		"video_analysis": sess.VideoAnalysis,
	})
}
