// Package ytdlp adapts the yt-dlp wrapper to the domain's extraction and
// transfer ports.
package ytdlp

import (
	"context"
	"fmt"

	"github.com/lrstanley/go-ytdlp"

	"github.com/LittleDevMars/sva/internal/domain"
)

// Extractor fetches video metadata without downloading media.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Fetch resolves a URL into one job per video. Playlist URLs expand to a job
// per entry, in playlist order.
func (e *Extractor) Fetch(ctx context.Context, url string) ([]*domain.Job, error) {
	dl := ytdlp.New().
		SkipDownload().
		DumpJSON().
		Quiet().
		NoWarnings()

	result, err := dl.Run(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("metadata fetch for %s: %w", url, err)
	}

	infos, err := result.GetExtractedInfo()
	if err != nil {
		return nil, fmt.Errorf("metadata parse for %s: %w", url, err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("no videos found at %s", url)
	}
	return buildJobs(infos, url), nil
}

// buildJobs maps extracted metadata entries to jobs. An entry reporting a
// playlist title is a playlist member, even when the playlist holds a single
// video.
func buildJobs(infos []*ytdlp.ExtractedInfo, url string) []*domain.Job {
	jobs := make([]*domain.Job, 0, len(infos))
	for i, info := range infos {
		var sizeApprox *int
		if info.ExtractedFormat != nil {
			sizeApprox = info.FileSizeApprox
		}
		job := &domain.Job{
			VideoID:        info.ID,
			URL:            strOr(info.WebpageURL, url),
			Title:          strOr(info.Title, "untitled"),
			Channel:        strOr(info.Channel, strOr(info.Uploader, "unknown")),
			DurationSec:    int(f64Or(info.Duration, 0)),
			ThumbnailURL:   strOr(info.Thumbnail, ""),
			FilesizeApprox: int64(intOr(sizeApprox, 0)),
		}
		if title := strOr(info.Playlist, ""); title != "" {
			job.IsPlaylist = true
			job.PlaylistTitle = title
			job.PlaylistIndex = i + 1
			job.PlaylistCount = len(infos)
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func strOr(s *string, fallback string) string {
	if s != nil && *s != "" {
		return *s
	}
	return fallback
}

func f64Or(f *float64, fallback float64) float64 {
	if f != nil {
		return *f
	}
	return fallback
}

func intOr(n *int, fallback int) int {
	if n != nil {
		return *n
	}
	return fallback
}
