package model

import (
	"time"
)

// Phase is the coarse stage of a session's upload-to-document flow
type Phase string

const (
	PhaseUploading   Phase = "uploading"
	PhaseProcessing  Phase = "processing"
	PhaseQuestioning Phase = "questioning"
	PhaseAnalyzing   Phase = "analyzing"
	PhaseComplete    Phase = "complete"
	PhaseError       Phase = "error"
)

// UploadStatus tracks the full-video upload to the remote provider. It is
// independent of Phase: the upload keeps running in the background after the
// pipeline has moved on to questioning.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// RemoteHandle is an opaque reference to media stored by the provider
type RemoteHandle struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type"`
}

// RemoteUpload is the single source of truth for the full-video upload state
type RemoteUpload struct {
	Status UploadStatus `json:"status"`
	Handle RemoteHandle `json:"handle,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Frame is one still image extracted from the video
type Frame struct {
	Seconds   float64 `json:"seconds"`
	Timestamp string  `json:"timestamp"` // MM:SS or H:MM:SS
	Image     string  `json:"image"`     // base64 JPEG
}

// ProgressLog is one timestamped pipeline log line shown to the user
type ProgressLog struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Session is the unit of work for one upload-to-document flow
type Session struct {
	ID       string `json:"session_id"`
	Phase    Phase  `json:"phase"`
	Filename string `json:"filename,omitempty"`
	FilePath string `json:"-"`
	MIMEType string `json:"-"`

	// user-supplied metadata
	BusinessTitle   string `json:"business_title,omitempty"`
	AuthorName      string `json:"author_name,omitempty"`
	AdditionalNotes string `json:"additional_notes,omitempty"`

	// AI results
	ScopingResult     string `json:"scoping_result,omitempty"`
	UserPolicy        string `json:"user_policy,omitempty"`
	VideoAnalysis     string `json:"video_analysis,omitempty"`
	GeneratedDocument string `json:"generated_document,omitempty"`

	Frames       []Frame      `json:"-"`
	RemoteUpload RemoteUpload `json:"remote_upload"`

	Logs               []ProgressLog `json:"processing_logs,omitempty"`
	ProcessingStep     string        `json:"processing_step,omitempty"`
	ProcessingProgress int           `json:"processing_progress"`

	// LastError holds the most recent failure, kept separate from the
	// analysis text fields so an error never clobbers a prior result
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession returns a freshly initialized session in the uploading phase
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Phase:        PhaseUploading,
		RemoteUpload: RemoteUpload{Status: UploadPending},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Touch refreshes the last-updated time. Freshness drives both expiry and
// client-visible change polling, so every mutation must end with it.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}

// Question is one clarifying question offered to the user before analysis
type Question struct {
	ID          string `json:"id"`
	Question    string `json:"question"`
	Placeholder string `json:"placeholder"`
	Skippable   bool   `json:"skippable"`
}

// ConversationalQuestions are the fixed clarifying questions asked while a
// session sits in the questioning phase
var ConversationalQuestions = []Question{
	{
		ID:          "business_type",
		Question:    "この動画は何の業務についてですか？",
		Placeholder: "例: 月次請求書の処理フロー",
		Skippable:   true,
	},
	{
		ID:          "focus_points",
		Question:    "特に重点的に説明してほしい箇所はありますか？",
		Placeholder: "例: エラー時の対応手順、承認フローの詳細",
		Skippable:   true,
	},
	{
		ID:          "handover_target",
		Question:    "引継ぎ先の方はどんな方ですか？",
		Placeholder: "例: 新入社員、他部署からの異動者",
		Skippable:   true,
	},
}
