package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/knpy/hikitsugi-kun/model"
)

// placeholderPattern matches [IMAGE: MM:SS] markers emitted by document
// generation. Spaces around the colon are tolerated, and an optional hour
// component is accepted for long videos.
var placeholderPattern = regexp.MustCompile(`\[IMAGE:\s*(\d{1,2}:\d{2}(?::\d{2})?)\]`)

// ClipError is returned when both the stream-copy and the re-encode attempt
// at clipping a video fail
type ClipError struct {
	CopyErr   error
	EncodeErr error
}

func (e *ClipError) Error() string {
	return fmt.Sprintf("video clipping failed: copy: %v, re-encode: %v", e.CopyErr, e.EncodeErr)
}

// FrameExtractor pulls periodic still images out of a video via ffmpeg
type FrameExtractor struct {
	// FFmpegPath and FFprobePath allow overriding the binaries in tests
	FFmpegPath  string
	FFprobePath string
}

func NewFrameExtractor() *FrameExtractor {
	return &FrameExtractor{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
	}
}

// Duration probes the video length in seconds
func (f *FrameExtractor) Duration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("failed to probe video duration: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse video duration %q: %w", out.String(), err)
	}
	return duration, nil
}

// ExtractFrames grabs one frame every intervalSeconds over the whole video,
// resizes each to maxWidth (keeping aspect ratio, only if wider) and returns
// them base64-encoded. A single failed offset is skipped, not fatal.
func (f *FrameExtractor) ExtractFrames(ctx context.Context, videoPath string, intervalSeconds, maxWidth int) ([]model.Frame, error) {
	duration, err := f.Duration(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "hikitsugi_frames_")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			slog.Warn("failed to remove frames temp dir", "dir", tempDir, "error", err)
		}
	}()

	var frames []model.Frame
	for _, ts := range FrameOffsets(duration, float64(intervalSeconds)) {
		outPath := filepath.Join(tempDir, fmt.Sprintf("frame_%.0f.jpg", ts))

		cmd := exec.CommandContext(ctx, f.FFmpegPath,
			"-y",
			"-ss", strconv.FormatFloat(ts, 'f', -1, 64),
			"-i", videoPath,
			"-vframes", "1",
			"-f", "image2",
			"-vcodec", "mjpeg",
			outPath,
		)
		if err := cmd.Run(); err != nil {
			slog.Warn("frame extraction failed, skipping offset", "offset", ts, "error", err)
			continue
		}

		if err := resizeImage(outPath, maxWidth); err != nil {
			slog.Warn("frame resize failed, skipping offset", "offset", ts, "error", err)
			continue
		}

		data, err := os.ReadFile(outPath)
		if err != nil {
			slog.Warn("frame read failed, skipping offset", "offset", ts, "error", err)
			continue
		}

		frames = append(frames, model.Frame{
			Seconds:   ts,
			Timestamp: FormatTimestamp(ts),
			Image:     base64.StdEncoding.EncodeToString(data),
		})
	}

	return frames, nil
}

// ClipHead extracts the leading durationSeconds of a video. It first tries a
// stream copy, which needs no re-encoding, and falls back to a full
// re-encode when the container or keyframe layout rejects the copy.
func (f *FrameExtractor) ClipHead(ctx context.Context, videoPath, outPath string, durationSeconds int) error {
	copyErr := exec.CommandContext(ctx, f.FFmpegPath,
		"-y",
		"-ss", "0",
		"-t", strconv.Itoa(durationSeconds),
		"-i", videoPath,
		"-c", "copy",
		outPath,
	).Run()
	if copyErr == nil {
		return nil
	}

	encodeErr := exec.CommandContext(ctx, f.FFmpegPath,
		"-y",
		"-ss", "0",
		"-t", strconv.Itoa(durationSeconds),
		"-i", videoPath,
		outPath,
	).Run()
	if encodeErr == nil {
		return nil
	}

	return &ClipError{CopyErr: copyErr, EncodeErr: encodeErr}
}

// FrameOffsets returns the arithmetic sequence 0, i, 2i, ... strictly below
// duration
func FrameOffsets(duration, interval float64) []float64 {
	if interval <= 0 || duration <= 0 {
		return nil
	}
	var offsets []float64
	for ts := 0.0; ts < duration; ts += interval {
		offsets = append(offsets, ts)
	}
	return offsets
}

// resizeImage shrinks the image at path down to maxWidth, preserving aspect
// ratio. Images already narrow enough are left untouched.
func resizeImage(path string, maxWidth int) error {
	img, err := imaging.Open(path)
	if err != nil {
		return err
	}
	if img.Bounds().Dx() <= maxWidth {
		return nil
	}
	resized := imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	return imaging.Save(resized, path, imaging.JPEGQuality(85))
}

// FormatTimestamp converts seconds to MM:SS, or H:MM:SS past one hour
func FormatTimestamp(seconds float64) string {
	total := int(seconds)
	if total >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", total/3600, (total%3600)/60, total%60)
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// ParseTimestamp converts an MM:SS or H:MM:SS label to seconds. Labels that
// do not parse yield 0, matching the lenient placeholder handling.
func ParseTimestamp(label string) float64 {
	parts := strings.Split(label, ":")
	var fields []float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0
		}
		fields = append(fields, v)
	}
	switch len(fields) {
	case 2:
		return fields[0]*60 + fields[1]
	case 3:
		return fields[0]*3600 + fields[1]*60 + fields[2]
	}
	return 0
}

// FindClosestFrame returns the frame whose offset is nearest to the parsed
// label. Ties resolve to the first frame encountered in list order.
func FindClosestFrame(label string, frames []model.Frame) *model.Frame {
	if len(frames) == 0 {
		return nil
	}
	target := ParseTimestamp(label)

	best := 0
	bestDist := math.Abs(frames[0].Seconds - target)
	for i := 1; i < len(frames); i++ {
		if d := math.Abs(frames[i].Seconds - target); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return &frames[best]
}

// ReplaceImagePlaceholders substitutes every [IMAGE: MM:SS] marker in the
// markdown with the nearest extracted frame as an inline image plus caption.
// With no frames the text is returned unchanged.
func ReplaceImagePlaceholders(markdown string, frames []model.Frame) string {
	if len(frames) == 0 {
		return markdown
	}

	return placeholderPattern.ReplaceAllStringFunc(markdown, func(match string) string {
		label := placeholderPattern.FindStringSubmatch(match)[1]
		frame := FindClosestFrame(label, frames)
		if frame == nil {
			return fmt.Sprintf("(画像が見つかりませんでした: %s)", label)
		}
		return fmt.Sprintf("\n\n![%s](data:image/jpeg;base64,%s)\n*（%sの画面）*\n",
			frame.Timestamp, frame.Image, frame.Timestamp)
	})
}

// MarkdownTable renders the extracted frames as a two-column markdown table
// of timestamp and inline screenshot
func MarkdownTable(frames []model.Frame) string {
	if len(frames) == 0 {
		return ""
	}

	lines := []string{
		"| タイムスタンプ | 画面キャプチャ |",
		"|:-------------:|:-------------:|",
	}
	for _, frame := range frames {
		img := fmt.Sprintf("![%s](data:image/jpeg;base64,%s)", frame.Timestamp, frame.Image)
		lines = append(lines, fmt.Sprintf("| %s | %s |", frame.Timestamp, img))
	}
	return strings.Join(lines, "\n")
}

// FramesSummary describes an extraction run in one line
func FramesSummary(frames []model.Frame) string {
	if len(frames) == 0 {
		return "フレームが抽出されていません。"
	}
	return fmt.Sprintf("抽出フレーム数: %d枚 (%s ～ %s)",
		len(frames), frames[0].Timestamp, frames[len(frames)-1].Timestamp)
}
