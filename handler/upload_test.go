package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/knpy/hikitsugi-kun/config"
	"github.com/knpy/hikitsugi-kun/model"
	"github.com/knpy/hikitsugi-kun/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeAI satisfies the pipeline's provider dependency without network calls
type fakeAI struct {
	uploadErr    error
	scopingText  string
	analysisText string
	analysisErr  error
	documentText string
	documentErr  error
}

func (f *fakeAI) UploadMedia(ctx context.Context, path, mimeType string) (model.RemoteHandle, error) {
	return model.RemoteHandle{Name: "vid", URI: "files/vid", MIMEType: mimeType}, f.uploadErr
}

func (f *fakeAI) ScopeVideo(ctx context.Context, handle model.RemoteHandle, userContext string) (string, error) {
	return f.scopingText, nil
}

func (f *fakeAI) AnalyzeVideo(ctx context.Context, handle model.RemoteHandle, userPolicy string) (string, error) {
	return f.analysisText, f.analysisErr
}

func (f *fakeAI) GenerateDocument(ctx context.Context, videoAnalysis, userPolicy string) (string, error) {
	return f.documentText, f.documentErr
}

type fakeFrames struct{}

func (f *fakeFrames) ClipHead(ctx context.Context, videoPath, outPath string, durationSeconds int) error {
	return nil
}

func (f *fakeFrames) ExtractFrames(ctx context.Context, videoPath string, intervalSeconds, maxWidth int) ([]model.Frame, error) {
	return nil, nil
}

func testSetup(t *testing.T, ai *fakeAI) (*service.SessionStore, *service.Pipeline, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		Upload: config.UploadConfig{
			MaxFileSize:        2 << 30,
			TempDir:            t.TempDir(),
			ClipSeconds:        300,
			AnalyzeWaitSeconds: 60,
		},
		Frames: config.FramesConfig{IntervalSeconds: 5, MaxWidth: 800},
	}
	store := service.NewSessionStore(&cfg.Store)
	pipeline := service.NewPipeline(store, ai, &fakeFrames{}, nil, cfg)
	return store, pipeline, cfg
}

func multipartBody(t *testing.T, sessionID, filename, contentType, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if sessionID != "" {
		writer.WriteField("session_id", sessionID)
	}
	if filename != "" {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("Failed to create part: %v", err)
		}
		part.Write([]byte(content))
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

func TestUploadVideoStartsProcessing(t *testing.T) {
	store, pipeline, cfg := testSetup(t, &fakeAI{scopingText: "診断"})
	handler := NewUploadHandler(store, pipeline, cfg)

	router := gin.New()
	router.POST("/upload", handler.Upload)

	body, contentType := multipartBody(t, "sess-1", "meeting.mp4", "video/mp4", "fake video bytes")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response["status"] != "processing" {
		t.Errorf("Expected processing status, got %v", response["status"])
	}
	if response["session_id"] != "sess-1" {
		t.Errorf("Expected session id echoed, got %v", response["session_id"])
	}

	sess := store.Get("sess-1")
	if sess == nil {
		t.Fatal("Expected session created")
	}
	if sess.Filename != "meeting.mp4" {
		t.Errorf("Expected filename recorded, got %q", sess.Filename)
	}
	if sess.FilePath == "" {
		t.Error("Expected file path recorded")
	}
}

func TestUploadNonVideoCompletesImmediately(t *testing.T) {
	store, pipeline, cfg := testSetup(t, &fakeAI{})
	handler := NewUploadHandler(store, pipeline, cfg)

	router := gin.New()
	router.POST("/upload", handler.Upload)

	body, contentType := multipartBody(t, "sess-2", "notes.pdf", "application/pdf", "pdf bytes")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	if response["status"] != "complete" {
		t.Errorf("Expected complete status, got %v", response["status"])
	}
	if sess := store.Get("sess-2"); sess.Phase != model.PhaseComplete {
		t.Errorf("Expected complete phase, got %q", sess.Phase)
	}
}

func TestUploadMissingSessionID(t *testing.T) {
	store, pipeline, cfg := testSetup(t, &fakeAI{})
	handler := NewUploadHandler(store, pipeline, cfg)

	router := gin.New()
	router.POST("/upload", handler.Upload)

	body, contentType := multipartBody(t, "", "meeting.mp4", "video/mp4", "bytes")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestUploadMissingFile(t *testing.T) {
	store, pipeline, cfg := testSetup(t, &fakeAI{})
	handler := NewUploadHandler(store, pipeline, cfg)

	router := gin.New()
	router.POST("/upload", handler.Upload)

	body, contentType := multipartBody(t, "sess-3", "", "", "")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestUploadOversizeRejectedBeforeWrite(t *testing.T) {
	store, pipeline, cfg := testSetup(t, &fakeAI{})
	cfg.Upload.MaxFileSize = 64
	handler := NewUploadHandler(store, pipeline, cfg)

	router := gin.New()
	router.POST("/upload", handler.Upload)

	body, contentType := multipartBody(t, "sess-4", "huge.mp4", "video/mp4", strings.Repeat("x", 4096))
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Expected status 413, got %d", w.Code)
	}

	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	msg, _ := response["error"].(string)
	if !strings.Contains(msg, "ファイルが大きすぎます") {
		t.Errorf("Expected oversize message, got %q", msg)
	}
	if store.Get("sess-4") != nil {
		t.Error("Expected no session created for a rejected upload")
	}
}

func TestStatus(t *testing.T) {
	store, pipeline, cfg := testSetup(t, &fakeAI{})
	handler := NewUploadHandler(store, pipeline, cfg)

	store.GetOrCreate("sess-5")
	store.Update("sess-5", func(s *model.Session) {
		s.Phase = model.PhaseQuestioning
		s.ScopingResult = "【業務テーマ】請求処理"
		s.ProcessingProgress = 65
	})

	router := gin.New()
	router.GET("/status/:session_id", handler.Status)

	req := httptest.NewRequest("GET", "/status/sess-5", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response["phase"] != "questioning" {
		t.Errorf("Expected questioning phase, got %v", response["phase"])
	}
	if response["scoping_result"] != "【業務テーマ】請求処理" {
		t.Errorf("Unexpected scoping result %v", response["scoping_result"])
	}
	if response["progress"] != float64(65) {
		t.Errorf("Expected progress 65, got %v", response["progress"])
	}
	if response["upload_status"] != "pending" {
		t.Errorf("Expected pending upload status, got %v", response["upload_status"])
	}
}

func TestStatusNotFound(t *testing.T) {
	store, pipeline, cfg := testSetup(t, &fakeAI{})
	handler := NewUploadHandler(store, pipeline, cfg)

	router := gin.New()
	router.GET("/status/:session_id", handler.Status)

	req := httptest.NewRequest("GET", "/status/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestEventsStreamEndsOnCompletion(t *testing.T) {
	store, pipeline, cfg := testSetup(t, &fakeAI{})
	handler := NewUploadHandler(store, pipeline, cfg)
	handler.eventPoll = 10 * time.Millisecond

	store.GetOrCreate("sess-6")
	store.Update("sess-6", func(s *model.Session) {
		s.Phase = model.PhaseComplete
		s.ProcessingProgress = 100
		s.ScopingResult = "診断結果"
	})

	router := gin.New()
	router.GET("/events/:session_id", handler.Events)

	req := httptest.NewRequest("GET", "/events/sess-6", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event:phase") {
		t.Errorf("Expected a phase event, got %q", body)
	}
	if !strings.Contains(body, "event:progress") {
		t.Errorf("Expected a progress event, got %q", body)
	}
	if !strings.Contains(body, "event:scoping") {
		t.Errorf("Expected a scoping event, got %q", body)
	}
	if !strings.Contains(body, "event:done") {
		t.Errorf("Expected a done event, got %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected event-stream content type, got %q", ct)
	}
}

func TestEventsUnknownSession(t *testing.T) {
	store, pipeline, cfg := testSetup(t, &fakeAI{})
	handler := NewUploadHandler(store, pipeline, cfg)

	router := gin.New()
	router.GET("/events/:session_id", handler.Events)

	req := httptest.NewRequest("GET", "/events/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "event:error") {
		t.Errorf("Expected an error event, got %q", w.Body.String())
	}
}
