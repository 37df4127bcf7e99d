package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/knpy/hikitsugi-kun/model"
	"github.com/knpy/hikitsugi-kun/service"
)

// AnalysisHandler covers the questioning phase and the deep-analysis action
type AnalysisHandler struct {
	store    *service.SessionStore
	pipeline *service.Pipeline
}

func NewAnalysisHandler(store *service.SessionStore, pipeline *service.Pipeline) *AnalysisHandler {
	return &AnalysisHandler{store: store, pipeline: pipeline}
}

type AnswerRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

type PolicyUpdateRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Policy    string `json:"policy"`
}

// Answer appends a clarifying-question answer to the analysis policy
func (h *AnalysisHandler) Answer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ok := h.store.Update(req.SessionID, func(s *model.Session) {
		if req.Answer != "" {
			s.UserPolicy += "\n- " + req.Answer
		}
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// UpdatePolicy overwrites the analysis policy
func (h *AnalysisHandler) UpdatePolicy(c *gin.Context) {
	var req PolicyUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ok := h.store.Update(req.SessionID, func(s *model.Session) {
		s.UserPolicy = req.Policy
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
		return
	}

	sess := h.store.Get(req.SessionID)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "policy": sess.UserPolicy})
}

// Analyze runs the full analysis, synchronously with respect to the request
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	sessionID := c.Param("session_id")

	analysis, err := h.pipeline.RunAnalysis(c.Request.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
		case errors.Is(err, service.ErrNoRemoteUpload), errors.Is(err, service.ErrUploadFailed):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrUploadWaitTimeout):
			c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "complete", "analysis": analysis})
}

// GetAnalysis returns the stored analysis state
func (h *AnalysisHandler) GetAnalysis(c *gin.Context) {
	sess := h.store.Get(c.Param("session_id"))
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"phase":          sess.Phase,
		"scoping_result": sess.ScopingResult,
		"user_policy":    sess.UserPolicy,
		"video_analysis": sess.VideoAnalysis,
	})
}

// Questions returns the fixed clarifying-question list
func (h *AnalysisHandler) Questions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"questions": model.ConversationalQuestions})
}

// DeleteSession removes a session outright
func (h *AnalysisHandler) DeleteSession(c *gin.Context) {
	if !h.store.Delete(c.Param("session_id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
