package ytdlp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/LittleDevMars/sva/internal/domain"
)

// progressInterval throttles how often yt-dlp progress samples reach the
// scheduler.
const progressInterval = 300 * time.Millisecond

// codecPrefix maps a codec name to the vcodec filter prefix yt-dlp matches
// against.
var codecPrefix = map[string]string{
	"h264": "avc1",
	"h265": "hev",
	"vp9":  "vp9",
	"av1":  "av01",
}

// audioExtensions are the container formats the audio postprocessor can emit.
var audioExtensions = map[string]bool{
	"mp3":  true,
	"m4a":  true,
	"wav":  true,
	"flac": true,
}

// Transfer runs the actual media download through yt-dlp.
type Transfer struct{}

func NewTransfer() *Transfer {
	return &Transfer{}
}

// Run downloads the requested job and returns the final file path. Progress
// samples are forwarded through onProgress at most every progressInterval.
// A cancelled ctx aborts the underlying process and returns ctx.Err().
func (t *Transfer) Run(ctx context.Context, req domain.TransferRequest, onProgress func(domain.Telemetry)) (string, error) {
	dl := build(req)
	dl.ProgressFunc(progressInterval, func(update ytdlp.ProgressUpdate) {
		onProgress(toTelemetry(update))
	})

	result, err := dl.Run(ctx, req.Job.URL)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("download %s: %w", req.Job.VideoID, err)
	}

	path, err := outputPath(result)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", req.Job.VideoID, err)
	}
	if req.Job.Kind == domain.KindAudio {
		// The audio postprocessor rewrites the container after download, so
		// the reported filename carries the pre-conversion extension.
		path = audioPath(path, req.Job.Format)
	}
	return path, nil
}

// build assembles the yt-dlp invocation from the frozen request parameters.
func build(req domain.TransferRequest) *ytdlp.Command {
	dl := ytdlp.New().
		Quiet().
		NoWarnings().
		Output(filepath.Join(req.SaveDir, "%(title)s.%(ext)s"))

	if req.Job.Kind == domain.KindAudio {
		dl.Format("bestaudio/best").
			ExtractAudio().
			AudioFormat(audioCodec(req.Job.Format)).
			AudioQuality("192K")
	} else {
		dl.Format(formatSelector(req.Job.Quality, req.Job.Codec, req.Job.FrameRate))
		switch req.Job.Format {
		case "mp4", "mkv", "webm":
			dl.MergeOutputFormat(req.Job.Format)
		}
	}

	if sort := audioTrackSort(req.Job.Kind, req.Job.AudioTrack); sort != "" {
		dl.FormatSort(sort)
	}

	if req.Job.SubtitleEnabled {
		dl.WriteSubs().
			WriteAutoSubs().
			SubLangs(req.Job.SubtitleLang)
	}

	if req.ProxyURL != "" {
		dl.Proxy(req.ProxyURL)
	}
	if req.SpeedLimitKBps > 0 {
		dl.LimitRate(fmt.Sprintf("%dK", req.SpeedLimitKBps))
	}
	if req.ConcurrentFragments > 1 {
		dl.ConcurrentFragments(req.ConcurrentFragments)
	}
	if req.CookieBrowser != "" {
		dl.CookiesFromBrowser(req.CookieBrowser)
	}

	return dl
}

// formatSelector builds the yt-dlp format expression for a video download.
// The codec and fps filters are preferences with a fallback chain, not hard
// requirements.
func formatSelector(quality, codec string, fps int) string {
	height := ""
	if quality != "" && quality != "best" {
		height = fmt.Sprintf("[height<=%s]", strings.TrimSuffix(quality, "p"))
	}

	video := height
	if prefix := codecPrefix[codec]; prefix != "" {
		video += fmt.Sprintf("[vcodec^=%s]", prefix)
	}
	if fps > 0 {
		video += fmt.Sprintf("[fps<=%d]", fps)
	}

	return fmt.Sprintf("bestvideo%s+bestaudio/bestvideo%s+bestaudio/best", video, height)
}

// audioTrackSort maps the audio track preference to a format-sort expression.
// The "all" preference prefers formats that already carry audio so every
// track survives the merge; it only applies to video downloads.
func audioTrackSort(kind domain.Kind, track string) string {
	if kind == domain.KindVideo && track == "all" {
		return "hasaud"
	}
	return ""
}

// audioCodec validates the requested audio container, defaulting to mp3.
func audioCodec(format string) string {
	if audioExtensions[format] {
		return format
	}
	return "mp3"
}

// audioPath swaps the file extension for the post-conversion one.
func audioPath(path, format string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + audioCodec(format)
}

// outputPath extracts the downloaded filename from the yt-dlp result.
func outputPath(result *ytdlp.Result) (string, error) {
	if result == nil {
		return "", fmt.Errorf("no result from yt-dlp")
	}
	infos, err := result.GetExtractedInfo()
	if err != nil {
		return "", fmt.Errorf("result parse: %w", err)
	}
	for _, info := range infos {
		if info.Filename != nil && *info.Filename != "" {
			return *info.Filename, nil
		}
	}
	return "", fmt.Errorf("no filename in yt-dlp result")
}

// toTelemetry converts a yt-dlp progress sample to the domain form. Progress
// is -1 while the total size is still unknown.
func toTelemetry(u ytdlp.ProgressUpdate) domain.Telemetry {
	t := domain.Telemetry{
		Progress:        -1,
		ETASec:          -1,
		DownloadedBytes: int64(u.DownloadedBytes),
		TotalBytes:      int64(u.TotalBytes),
	}
	if u.TotalBytes > 0 {
		t.Progress = float64(u.DownloadedBytes) / float64(u.TotalBytes) * 100
	}
	if !u.Started.IsZero() {
		if elapsed := time.Since(u.Started).Seconds(); elapsed > 0 {
			t.SpeedBps = float64(u.DownloadedBytes) / elapsed
		}
	}
	if eta := u.ETA(); eta > 0 {
		t.ETASec = int(eta.Seconds())
	}
	return t
}
