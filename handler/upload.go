package handler

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/knpy/hikitsugi-kun/config"
	"github.com/knpy/hikitsugi-kun/model"
	"github.com/knpy/hikitsugi-kun/service"
)

// UploadHandler covers the upload entrypoint and the status/event read side
type UploadHandler struct {
	store    *service.SessionStore
	pipeline *service.Pipeline
	config   *config.Config

	// eventPoll is how often the SSE stream re-reads the session
	eventPoll time.Duration
}

func NewUploadHandler(store *service.SessionStore, pipeline *service.Pipeline, cfg *config.Config) *UploadHandler {
	return &UploadHandler{
		store:     store,
		pipeline:  pipeline,
		config:    cfg,
		eventPoll: time.Second,
	}
}

// Upload accepts a multipart upload, persists it to a temp file, and for
// video content kicks off background processing
func (h *UploadHandler) Upload(c *gin.Context) {
	maxSize := h.config.Upload.MaxFileSize

	// reject oversized requests before any disk write
	if c.Request.ContentLength > maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": oversizeMessage(c.Request.ContentLength),
		})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	sessionID := c.PostForm("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	if header.Size > maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": oversizeMessage(header.Size),
		})
		return
	}

	mimeType := header.Header.Get("Content-Type")

	h.store.GetOrCreate(sessionID)
	h.store.Update(sessionID, func(s *model.Session) {
		s.Phase = model.PhaseUploading
		s.Filename = header.Filename
		s.MIMEType = mimeType
		s.BusinessTitle = c.PostForm("business_title")
		s.AuthorName = c.PostForm("author_name")
		s.AdditionalNotes = c.PostForm("additional_notes")
	})

	// persist to a temp file synchronously; files can be large and the
	// pipeline needs them on disk anyway
	if err := os.MkdirAll(h.config.Upload.TempDir, 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to prepare upload dir: " + err.Error()})
		return
	}
	filePath := filepath.Join(h.config.Upload.TempDir, sessionID+"_"+filepath.Base(header.Filename))
	out, err := os.Create(filePath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file: " + err.Error()})
		return
	}
	_, copyErr := io.Copy(out, file)
	out.Close()
	if copyErr != nil {
		os.Remove(filePath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file: " + copyErr.Error()})
		return
	}

	h.store.Update(sessionID, func(s *model.Session) {
		s.FilePath = filePath
	})

	if strings.HasPrefix(mimeType, "video/") {
		h.pipeline.Start(sessionID, filePath, mimeType)
		c.JSON(http.StatusOK, gin.H{
			"status":     "processing",
			"message":    "動画の処理を開始しました",
			"session_id": sessionID,
		})
		return
	}

	// non-video uploads are stored as-is, nothing to analyze
	h.store.SetPhase(sessionID, model.PhaseComplete)
	c.JSON(http.StatusOK, gin.H{
		"status":     "complete",
		"message":    "ファイルをアップロードしました",
		"session_id": sessionID,
	})
}

// Status returns the current phase and results of a session
func (h *UploadHandler) Status(c *gin.Context) {
	sess := h.store.Get(c.Param("session_id"))
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"phase":           sess.Phase,
		"filename":        sess.Filename,
		"scoping_result":  sess.ScopingResult,
		"user_policy":     sess.UserPolicy,
		"processing_logs": sess.Logs,
		"progress":        sess.ProcessingProgress,
		"step":            sess.ProcessingStep,
		"upload_status":   sess.RemoteUpload.Status,
		"last_error":      sess.LastError,
	})
}

// Events streams phase/progress/scoping changes as server-sent events at
// about 1 Hz, ending on completion, error, or client disconnect
func (h *UploadHandler) Events(c *gin.Context) {
	sessionID := c.Param("session_id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	var lastPhase model.Phase
	lastProgress := -1
	lastScoping := ""
	clientGone := c.Request.Context().Done()

	for {
		sess := h.store.Get(sessionID)
		if sess == nil {
			c.SSEvent("error", gin.H{"message": "セッションが見つかりません"})
			c.Writer.Flush()
			return
		}

		if sess.Phase != lastPhase {
			lastPhase = sess.Phase
			c.SSEvent("phase", gin.H{"phase": sess.Phase})
		}
		if sess.ProcessingProgress != lastProgress {
			lastProgress = sess.ProcessingProgress
			c.SSEvent("progress", gin.H{"step": sess.ProcessingStep, "progress": sess.ProcessingProgress})
		}
		if sess.ScopingResult != "" && sess.ScopingResult != lastScoping {
			lastScoping = sess.ScopingResult
			c.SSEvent("scoping", gin.H{"result": sess.ScopingResult})
		}
		c.Writer.Flush()

		if sess.Phase == model.PhaseComplete || sess.Phase == model.PhaseError {
			c.SSEvent("done", gin.H{"phase": sess.Phase})
			c.Writer.Flush()
			return
		}

		select {
		case <-clientGone:
			// the stream stops but background work keeps running
			return
		case <-time.After(h.eventPoll):
		}
	}
}

func oversizeMessage(size int64) string {
	return fmt.Sprintf("ファイルが大きすぎます（%.1fGB）。2GB以下にしてください。", float64(size)/(1<<30))
}
