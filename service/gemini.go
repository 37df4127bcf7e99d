package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/knpy/hikitsugi-kun/config"
	"github.com/knpy/hikitsugi-kun/model"
	"google.golang.org/genai"
)

const systemPrompt = `あなたは業務引継ぎ専門の支援AIです。

## 最重要ルール（必ず守ること）
- **動画に存在しない情報は絶対に出力しない**
- **推測や想像で情報を補完しない**
- **動画で確認できた内容のみを記述する**
- 不明な点は「動画内で言及なし」「確認できず」と明記する

## 動画分析の基本方針
1. タイムスタンプ（MM:SS形式）ごとに動画内容を分解
2. 各タイムスタンプで以下を詳細に記述：
   - 画面上で行われている操作（クリック位置、メニュー選択、入力内容）
   - 使用しているツール/システム名
   - 画面遷移の流れ
   - 音声での説明内容（ニュアンスや注意点も含む）

## 禁止事項
- 「など」「といった」での省略禁止
- 「詳細は動画を参照」禁止
- 操作手順の簡略化禁止
- **動画に存在しない情報の捏造は絶対禁止**

## 出力形式
### [MM:SS] ステップタイトル
- **操作**: 具体的なクリック/入力内容
- **画面**: 表示されている画面名/URL
- **音声説明**: 「〜」（話者の言葉をそのまま記録）
- **注意点**: 動画内で言及された注意事項

## チェックリスト充填基準
- 動画内で確認できた項目のみチェックを入れる
- 確認できなかった項目は空欄のままにする
- 推測で項目を埋めない
`

const scopingPrompt = `
あなたは業務引継ぎの専門家です。
これは引継ぎ動画の「冒頭5分間」です。この動画を見て、以下の3点を簡潔に出力してください。

1. **業務テーマ**: 何の業務についての動画か（1行で）
2. **対象者**: 誰に向けた説明か
3. **解析方針案**: この動画全体を解析して引継ぎ資料を作る際、どこを重点的に見るべきか、何に注意すべきか（箇条書き3点以内）

出力形式:
---
【業務テーマ】
...
【対象者】
...
【解析方針案】
- ...
- ...
- ...
`

const checklistTemplate = `
## 引継ぎチェックリスト

### 1. 業務フロー
- [ ] 日次業務の手順
- [ ] 週次業務の手順
- [ ] 月次業務の手順
- [ ] イレギュラー対応フロー

### 2. システム操作
- [ ] ログイン方法・認証情報の場所
- [ ] 主要画面の操作手順
- [ ] データ入力・更新手順
- [ ] レポート出力手順

### 3. ツール・アクセス権
- [ ] 使用ツール一覧
- [ ] アクセス権限の確認方法
- [ ] 共有ドライブ・フォルダのパス
- [ ] API/外部連携の設定

### 4. 関係者
- [ ] 社内連絡先（名前・役割・連絡方法）
- [ ] 社外連絡先（顧客・ベンダー）
- [ ] エスカレーション先

### 5. リスク・注意点
- [ ] よくあるエラーと対処法
- [ ] 過去のインシデント事例
- [ ] 絶対にやってはいけないこと
- [ ] 締め切り・重要日程

### 6. 参考資料
- [ ] マニュアル・ドキュメントの場所
- [ ] 過去の引継ぎ資料
- [ ] 研修資料・動画

各項目の現状充填度を0-100%で評価してください。
`

// ErrProcessingTimeout is returned when the provider never reaches a terminal
// state within the configured poll window
var ErrProcessingTimeout = errors.New("remote file processing timed out")

// ProcessingFailedError names the non-active terminal state the provider
// reported for an uploaded file
type ProcessingFailedError struct {
	State string
}

func (e *ProcessingFailedError) Error() string {
	return fmt.Sprintf("remote file processing failed: %s", e.State)
}

var retryDelayPattern = regexp.MustCompile(`(?i)retry in (\d+(?:\.\d+)?)`)

// parseRetryDelay extracts the provider-suggested wait from a rate-limit
// error message, defaulting to 30 seconds when absent
func parseRetryDelay(errMsg string) time.Duration {
	match := retryDelayPattern.FindStringSubmatch(errMsg)
	if match == nil {
		return 30 * time.Second
	}
	secs, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 30 * time.Second
	}
	return time.Duration(int(secs)+1) * time.Second
}

// isRateLimited reports whether the error is the provider's resource-exhausted
// kind, the only error class worth retrying
func isRateLimited(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Status == "RESOURCE_EXHAUSTED"
	}
	return false
}

// generationBackend is the narrow slice of the Gemini SDK the client needs,
// kept as an interface so pipeline and retry logic are testable offline
type generationBackend interface {
	Generate(ctx context.Context, parts []*genai.Part) (string, error)
	GenerateStream(ctx context.Context, parts []*genai.Part, emit func(string) error) error
	UploadFile(ctx context.Context, path, mimeType string) (*genai.File, error)
	GetFile(ctx context.Context, name string) (*genai.File, error)
}

type sdkBackend struct {
	client *genai.Client
	model  string
}

func (b *sdkBackend) contents(parts []*genai.Part) []*genai.Content {
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

func (b *sdkBackend) Generate(ctx context.Context, parts []*genai.Part) (string, error) {
	resp, err := b.client.Models.GenerateContent(ctx, b.model, b.contents(parts), nil)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func (b *sdkBackend) GenerateStream(ctx context.Context, parts []*genai.Part, emit func(string) error) error {
	for resp, err := range b.client.Models.GenerateContentStream(ctx, b.model, b.contents(parts), nil) {
		if err != nil {
			return err
		}
		if text := resp.Text(); text != "" {
			if err := emit(text); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *sdkBackend) UploadFile(ctx context.Context, path, mimeType string) (*genai.File, error) {
	return b.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: mimeType})
}

func (b *sdkBackend) GetFile(ctx context.Context, name string) (*genai.File, error) {
	return b.client.Files.Get(ctx, name, nil)
}

// GeminiClient wraps the hosted multimodal API: media upload with a bounded
// processing poll, prompt calls with rate-limit retry, and streaming
type GeminiClient struct {
	backend generationBackend
	config  *config.GeminiConfig

	// sleep is swapped out in tests so retries and polls run instantly
	sleep func(time.Duration)
}

func NewGeminiClient(ctx context.Context, cfg *config.GeminiConfig) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{
		backend: &sdkBackend{client: client, model: cfg.Model},
		config:  cfg,
		sleep:   time.Sleep,
	}, nil
}

// UploadMedia submits a file to the provider and waits for its server-side
// processing to finish. The poll runs at the configured fixed interval and is
// bounded by the configured timeout; a non-active terminal state is surfaced
// as a ProcessingFailedError.
func (g *GeminiClient) UploadMedia(ctx context.Context, path, mimeType string) (model.RemoteHandle, error) {
	slog.Info("uploading media to Gemini", "path", path, "mime_type", mimeType)

	file, err := g.backend.UploadFile(ctx, path, mimeType)
	if err != nil {
		return model.RemoteHandle{}, fmt.Errorf("failed to upload media: %w", err)
	}
	slog.Info("upload started", "file_name", file.Name, "state", file.State)

	interval := time.Duration(g.config.PollIntervalSeconds) * time.Second
	deadline := time.Now().Add(time.Duration(g.config.PollTimeoutSeconds) * time.Second)

	for file.State == genai.FileStateProcessing {
		if time.Now().After(deadline) {
			return model.RemoteHandle{}, ErrProcessingTimeout
		}
		if err := ctx.Err(); err != nil {
			return model.RemoteHandle{}, err
		}
		g.sleep(interval)
		file, err = g.backend.GetFile(ctx, file.Name)
		if err != nil {
			return model.RemoteHandle{}, fmt.Errorf("failed to poll file state: %w", err)
		}
	}

	slog.Info("media processing finished", "file_name", file.Name, "state", file.State)
	if file.State != genai.FileStateActive {
		return model.RemoteHandle{}, &ProcessingFailedError{State: string(file.State)}
	}

	return model.RemoteHandle{
		Name:     file.Name,
		URI:      file.URI,
		MIMEType: file.MIMEType,
	}, nil
}

// generateWithRetry calls the generation endpoint, retrying rate-limit errors
// with the provider-suggested wait up to the configured attempt budget. Any
// other error, and the final rate-limit error, propagate unmodified.
func (g *GeminiClient) generateWithRetry(ctx context.Context, parts []*genai.Part) (string, error) {
	maxRetries := g.config.MaxRetries
	for attempt := 0; ; attempt++ {
		text, err := g.backend.Generate(ctx, parts)
		if err == nil {
			return text, nil
		}
		if !isRateLimited(err) || attempt >= maxRetries-1 {
			return "", err
		}
		wait := parseRetryDelay(err.Error())
		slog.Warn("rate limited, retrying", "attempt", attempt+1, "wait", wait)
		g.sleep(wait)
	}
}

func handlePart(handle model.RemoteHandle) *genai.Part {
	return genai.NewPartFromURI(handle.URI, handle.MIMEType)
}

// ScopeVideo runs the fast preliminary pass over the leading clip and returns
// the business-context summary
func (g *GeminiClient) ScopeVideo(ctx context.Context, handle model.RemoteHandle, userContext string) (string, error) {
	prompt := scopingPrompt
	if userContext != "" {
		prompt += fmt.Sprintf("\n【ユーザーからの事前情報】\n%s", userContext)
	}

	// video first, prompt after
	parts := []*genai.Part{handlePart(handle), genai.NewPartFromText(prompt)}
	return g.generateWithRetry(ctx, parts)
}

// AnalyzeVideo runs the full timestamp-by-timestamp analysis against the
// checklist template and the user's analysis policy
func (g *GeminiClient) AnalyzeVideo(ctx context.Context, handle model.RemoteHandle, userPolicy string) (string, error) {
	prompt := fmt.Sprintf(`
【ユーザーご指定の解析方針】
%s

上記の方針に従い、以下のシステムプロンプトに基づいて動画を詳細分析してください。
もし方針に特定の指示（例：「エラー対応を重点的に」）がある場合は、それを最優先してください。

---
%s
---
以下のチェックリストを基に、動画の内容を詳細に分析してください。
この分析結果は後続の会話で参照されるため、省略せず全ての情報を記録してください。

%s
`, userPolicy, systemPrompt, checklistTemplate)

	parts := []*genai.Part{handlePart(handle), genai.NewPartFromText(prompt)}
	return g.generateWithRetry(ctx, parts)
}

// GenerateDocument composes the analysis and user policy into the final
// markdown handover document, with [IMAGE: MM:SS] placeholders for frames
func (g *GeminiClient) GenerateDocument(ctx context.Context, videoAnalysis, userPolicy string) (string, error) {
	prompt := fmt.Sprintf(`
以下の動画分析結果を元に、Notion貼り付け用Markdownドキュメントを作成してください。

---
## 動画分析結果
%s

## ユーザー方針
%s
---

出力は必ず**日本語**で行ってください。

## 画像挿入指示 (重要)
操作手順の各ステップにおいて、**必ず**その時点のタイムスタンプに対応する画像プレースホルダー [IMAGE: MM:SS] を挿入してください。

# 業務引継ぎドキュメント

## 概要
（業務の概要を3-5行で）

## タイムライン別操作手順
（動画の内容をタイムスタンプ順に記載。**各項目の直後に必ず [IMAGE: MM:SS] を入れること**）

## 詳細手順
（各操作の詳細な手順。**各ステップの直後に必ず [IMAGE: MM:SS] を入れること**）

## チェックリスト
（充填済みチェックリスト）

## 関係者一覧
（担当者・連絡先のテーブル）

## 注意事項・リスク
（重要な注意点）

---
`, videoAnalysis, userPolicy)

	return g.generateWithRetry(ctx, []*genai.Part{genai.NewPartFromText(prompt)})
}

// StreamGenerate produces text fragments in provider order on the returned
// channel. It is single-consumer and not restartable; the error channel
// carries at most one value after the text channel closes.
func (g *GeminiClient) StreamGenerate(ctx context.Context, handle *model.RemoteHandle, prompt string) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errc := make(chan error, 1)

	var parts []*genai.Part
	if handle != nil {
		parts = append(parts, handlePart(*handle))
	}
	parts = append(parts, genai.NewPartFromText(prompt))

	go func() {
		defer close(chunks)
		defer close(errc)
		err := g.backend.GenerateStream(ctx, parts, func(text string) error {
			select {
			case chunks <- text:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errc <- err
		}
	}()

	return chunks, errc
}
