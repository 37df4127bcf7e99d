package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/knpy/hikitsugi-kun/config"
	"github.com/knpy/hikitsugi-kun/model"
)

var (
	// ErrSessionNotFound is returned for operations on unknown session ids
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoRemoteUpload means analysis was requested before any upload started
	ErrNoRemoteUpload = errors.New("video has not been uploaded yet")
	// ErrUploadFailed wraps the recorded failure of the background upload
	ErrUploadFailed = errors.New("video upload failed")
	// ErrUploadWaitTimeout means the in-flight upload did not finish within
	// the analyze wait window
	ErrUploadWaitTimeout = errors.New("timed out waiting for video upload")
	// ErrNoAnalysis means document generation was requested before analysis
	ErrNoAnalysis = errors.New("video analysis is not complete")
)

// aiClient is the slice of the Gemini client the pipeline depends on
type aiClient interface {
	UploadMedia(ctx context.Context, path, mimeType string) (model.RemoteHandle, error)
	ScopeVideo(ctx context.Context, handle model.RemoteHandle, userContext string) (string, error)
	AnalyzeVideo(ctx context.Context, handle model.RemoteHandle, userPolicy string) (string, error)
	GenerateDocument(ctx context.Context, videoAnalysis, userPolicy string) (string, error)
}

// frameService is the slice of the frame extractor the pipeline depends on
type frameService interface {
	ClipHead(ctx context.Context, videoPath, outPath string, durationSeconds int) error
	ExtractFrames(ctx context.Context, videoPath string, intervalSeconds, maxWidth int) ([]model.Frame, error)
}

// mediaArchiver is optional object-storage archival, nil when disabled
type mediaArchiver interface {
	ArchiveMedia(ctx context.Context, sessionID, filename, path, contentType string) error
	ArchiveDocument(ctx context.Context, sessionID, document string) error
}

// Pipeline drives a session through the processing phases, calling out to the
// AI client and the frame extractor from background goroutines
type Pipeline struct {
	store   *SessionStore
	ai      aiClient
	frames  frameService
	archive mediaArchiver
	config  *config.Config

	// sleep is swapped out in tests so the upload wait runs instantly
	sleep func(time.Duration)
}

func NewPipeline(store *SessionStore, ai aiClient, frames frameService, archive mediaArchiver, cfg *config.Config) *Pipeline {
	return &Pipeline{
		store:   store,
		ai:      ai,
		frames:  frames,
		archive: archive,
		config:  cfg,
		sleep:   time.Sleep,
	}
}

// Start launches background processing for an uploaded video. It returns
// immediately; progress is observable only through the session record.
func (p *Pipeline) Start(sessionID, filePath, mimeType string) {
	go p.runProcessing(sessionID, filePath, mimeType)
}

// runProcessing is the supervised background task. Whatever happens, a
// failure is written into the session before the goroutine exits.
func (p *Pipeline) runProcessing(sessionID, filePath, mimeType string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("processing panic", "session_id", sessionID, "panic", r)
			p.store.SetError(sessionID, fmt.Sprintf("エラーが発生しました: %v", r))
		}
	}()

	// background work outlives the upload request, so it gets its own
	// context; there is no cancellation path for in-flight provider calls
	ctx := context.Background()

	slog.Info("background processing started", "session_id", sessionID, "path", filePath)
	p.store.SetPhase(sessionID, model.PhaseProcessing)
	p.store.SetProgress(sessionID, 0, "動画処理を開始しました")

	// 1. clip the leading minutes for the cheap scoping pass
	clipPath := filePath + "_clip.mp4"
	if err := p.frames.ClipHead(ctx, filePath, clipPath, p.config.Upload.ClipSeconds); err != nil {
		p.fail(sessionID, err)
		return
	}
	defer os.Remove(clipPath)
	p.store.SetProgress(sessionID, 20, "冒頭クリップを作成しました")

	// 2. upload the clip and wait for provider-side processing
	clipHandle, err := p.ai.UploadMedia(ctx, clipPath, mimeType)
	if err != nil {
		p.fail(sessionID, err)
		return
	}
	p.store.SetProgress(sessionID, 60, "クリップのアップロードが完了しました")

	// 3. scoping pass
	sess := p.store.Get(sessionID)
	if sess == nil {
		slog.Error("session vanished during processing", "session_id", sessionID)
		return
	}
	scoping, err := p.ai.ScopeVideo(ctx, clipHandle, userContext(sess))
	if err != nil {
		p.fail(sessionID, err)
		return
	}
	p.store.Update(sessionID, func(s *model.Session) {
		s.ScopingResult = scoping
		if s.UserPolicy == "" {
			s.UserPolicy = scoping
		}
		s.Phase = model.PhaseQuestioning
	})
	p.store.SetProgress(sessionID, 65, "初期診断が完了しました")

	// 4. full-video upload runs independently of the phase machine; only
	// the analyze request is gated on its completion
	go p.runFullUpload(sessionID, filePath, mimeType)
	p.store.SetProgress(sessionID, 70, "全編動画のアップロードを開始しました")

	// 5. frame extraction for later placeholder substitution; losing frames
	// degrades the document but does not fail the run
	frames, err := p.frames.ExtractFrames(ctx, filePath, p.config.Frames.IntervalSeconds, p.config.Frames.MaxWidth)
	if err != nil {
		slog.Warn("frame extraction failed", "session_id", sessionID, "error", err)
		p.store.SetProgress(sessionID, 90, "フレーム抽出に失敗しました（画像なしで続行します）")
	} else {
		p.store.Update(sessionID, func(s *model.Session) {
			s.Frames = frames
		})
		p.store.SetProgress(sessionID, 90, FramesSummary(frames))
	}

	if p.archive != nil {
		if err := p.archive.ArchiveMedia(ctx, sessionID, sess.Filename, filePath, mimeType); err != nil {
			slog.Warn("media archive failed", "session_id", sessionID, "error", err)
		}
	}

	p.store.SetProgress(sessionID, 100, "解析の準備が整いました")
	slog.Info("background processing finished", "session_id", sessionID)
}

// runFullUpload pushes the complete video to the provider, tracked through
// the session's RemoteUpload variant rather than the phase field
func (p *Pipeline) runFullUpload(sessionID, filePath, mimeType string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("full upload panic", "session_id", sessionID, "panic", r)
			p.store.SetRemoteUpload(sessionID, model.RemoteUpload{
				Status: model.UploadFailed,
				Error:  fmt.Sprintf("%v", r),
			})
		}
	}()

	p.store.SetRemoteUpload(sessionID, model.RemoteUpload{Status: model.UploadUploading})

	handle, err := p.ai.UploadMedia(context.Background(), filePath, mimeType)
	if err != nil {
		slog.Error("full video upload failed", "session_id", sessionID, "error", err)
		p.store.SetRemoteUpload(sessionID, model.RemoteUpload{
			Status: model.UploadFailed,
			Error:  err.Error(),
		})
		return
	}

	slog.Info("full video upload completed", "session_id", sessionID, "file_name", handle.Name)
	p.store.SetRemoteUpload(sessionID, model.RemoteUpload{
		Status: model.UploadCompleted,
		Handle: handle,
	})
}

// RunAnalysis performs the deep analysis for a session, synchronously with
// respect to the caller. It waits a bounded time for a still-running full
// upload before giving up.
func (p *Pipeline) RunAnalysis(ctx context.Context, sessionID string) (string, error) {
	sess, err := p.waitForUpload(sessionID)
	if err != nil {
		return "", err
	}

	p.store.SetPhase(sessionID, model.PhaseAnalyzing)

	analysis, err := p.ai.AnalyzeVideo(ctx, sess.RemoteUpload.Handle, sess.UserPolicy)
	if err != nil {
		p.fail(sessionID, err)
		return "", err
	}

	p.store.Update(sessionID, func(s *model.Session) {
		s.VideoAnalysis = analysis
		s.Phase = model.PhaseComplete
	})
	return analysis, nil
}

// waitForUpload gates analysis on the full-video upload: completed uploads
// pass through, in-flight ones are waited on in fixed steps up to the
// configured ceiling, failed or absent ones error out immediately
func (p *Pipeline) waitForUpload(sessionID string) (*model.Session, error) {
	deadline := time.Now().Add(time.Duration(p.config.Upload.AnalyzeWaitSeconds) * time.Second)

	for {
		sess := p.store.Get(sessionID)
		if sess == nil {
			return nil, ErrSessionNotFound
		}

		switch sess.RemoteUpload.Status {
		case model.UploadCompleted:
			return sess, nil
		case model.UploadFailed:
			return nil, fmt.Errorf("%w: %s", ErrUploadFailed, sess.RemoteUpload.Error)
		case model.UploadPending:
			return nil, ErrNoRemoteUpload
		case model.UploadUploading:
			if time.Now().After(deadline) {
				return nil, ErrUploadWaitTimeout
			}
			p.sleep(2 * time.Second)
		}
	}
}

// GenerateDocument composes the stored analysis and policy into the final
// handover document, splicing in extracted frames by timestamp. It is
// idempotent and may be re-run after policy edits.
func (p *Pipeline) GenerateDocument(ctx context.Context, sessionID string) (string, error) {
	sess := p.store.Get(sessionID)
	if sess == nil {
		return "", ErrSessionNotFound
	}
	if sess.VideoAnalysis == "" {
		return "", ErrNoAnalysis
	}

	document, err := p.ai.GenerateDocument(ctx, sess.VideoAnalysis, sess.UserPolicy)
	if err != nil {
		return "", err
	}

	if len(sess.Frames) > 0 {
		if placeholderPattern.MatchString(document) {
			document = ReplaceImagePlaceholders(document, sess.Frames)
		} else {
			// the model ignored the placeholder instruction; attach the
			// captures as an appendix so they are not lost
			document += "\n\n## 画面キャプチャ一覧\n\n" + MarkdownTable(sess.Frames)
		}
	}

	p.store.Update(sessionID, func(s *model.Session) {
		s.GeneratedDocument = document
	})

	if p.archive != nil {
		if err := p.archive.ArchiveDocument(ctx, sessionID, document); err != nil {
			slog.Warn("document archive failed", "session_id", sessionID, "error", err)
		}
	}

	return document, nil
}

// fail records a background failure into the session; the analysis text
// fields are left intact so an error never destroys earlier results
func (p *Pipeline) fail(sessionID string, err error) {
	slog.Error("processing error", "session_id", sessionID, "error", err)
	p.store.SetError(sessionID, fmt.Sprintf("エラーが発生しました: %v", err))
}

// userContext renders the optional user-supplied metadata as the context
// block prepended to the scoping prompt
func userContext(sess *model.Session) string {
	var ctx string
	if sess.BusinessTitle != "" {
		ctx += fmt.Sprintf("- 業務名: %s\n", sess.BusinessTitle)
	}
	if sess.AuthorName != "" {
		ctx += fmt.Sprintf("- 担当者: %s\n", sess.AuthorName)
	}
	if sess.AdditionalNotes != "" {
		ctx += fmt.Sprintf("- 補足: %s\n", sess.AdditionalNotes)
	}
	return ctx
}
