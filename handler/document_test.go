package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/knpy/hikitsugi-kun/model"
)

func documentRouter(handler *DocumentHandler) *gin.Engine {
	router := gin.New()
	router.POST("/document", handler.Generate)
	router.GET("/document/:session_id", handler.Get)
	return router
}

func TestGenerateDocument(t *testing.T) {
	store, pipeline, _ := testSetup(t, &fakeAI{documentText: "# 業務引継ぎドキュメント\n[IMAGE: 00:05]"})
	handler := NewDocumentHandler(store, pipeline)
	router := documentRouter(handler)

	store.GetOrCreate("sess-1")
	store.Update("sess-1", func(s *model.Session) {
		s.VideoAnalysis = "分析済み"
		s.Frames = []model.Frame{{Seconds: 5, Timestamp: "00:05", Image: "bbb"}}
	})

	w := postJSON(t, router, "/document", DocumentRequest{SessionID: "sess-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response["status"] != "success" {
		t.Errorf("Expected success status, got %v", response["status"])
	}
	document, _ := response["document"].(string)
	if strings.Contains(document, "[IMAGE") {
		t.Error("Expected placeholders replaced in the returned document")
	}
	if !strings.Contains(document, "data:image/jpeg;base64,bbb") {
		t.Error("Expected frame inlined into the document")
	}
}

func TestGenerateDocumentBeforeAnalysis(t *testing.T) {
	store, pipeline, _ := testSetup(t, &fakeAI{})
	handler := NewDocumentHandler(store, pipeline)
	router := documentRouter(handler)

	store.GetOrCreate("sess-1")

	w := postJSON(t, router, "/document", DocumentRequest{SessionID: "sess-1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}

	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	if response["error"] != "動画解析が完了していません" {
		t.Errorf("Unexpected error message %v", response["error"])
	}
}

func TestGenerateDocumentUnknownSession(t *testing.T) {
	store, pipeline, _ := testSetup(t, &fakeAI{})
	handler := NewDocumentHandler(store, pipeline)
	router := documentRouter(handler)

	w := postJSON(t, router, "/document", DocumentRequest{SessionID: "missing"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestGenerateDocumentMissingSessionID(t *testing.T) {
	store, pipeline, _ := testSetup(t, &fakeAI{})
	handler := NewDocumentHandler(store, pipeline)
	router := documentRouter(handler)

	w := postJSON(t, router, "/document", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestGetDocument(t *testing.T) {
	store, pipeline, _ := testSetup(t, &fakeAI{})
	handler := NewDocumentHandler(store, pipeline)
	router := documentRouter(handler)

	store.GetOrCreate("sess-1")
	store.Update("sess-1", func(s *model.Session) {
		s.VideoAnalysis = "分析済み"
		s.GeneratedDocument = "# ドキュメント"
	})

	req := httptest.NewRequest("GET", "/document/sess-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	if response["document"] != "# ドキュメント" {
		t.Errorf("Unexpected document %v", response["document"])
	}
	if response["video_analysis"] != "分析済み" {
		t.Errorf("Unexpected analysis %v", response["video_analysis"])
	}

	req = httptest.NewRequest("GET", "/document/missing", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}
