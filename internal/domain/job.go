package domain

import "errors"

var (
	ErrInvalidURL  = errors.New("invalid URL")
	ErrJobNotFound = errors.New("job not found")
)

// Status represents the lifecycle state of a download job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true once no further state transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive returns true while the job occupies or waits for a worker slot.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusQueued || s == StatusRunning
}

// Kind selects the download output type.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Job is one tracked download request. Descriptive metadata is set once at
// creation; request parameters are stamped at enqueue time and immutable
// during execution; telemetry is written only by the owning worker task.
type Job struct {
	VideoID        string
	URL            string
	Title          string
	Channel        string
	DurationSec    int
	ThumbnailURL   string
	FilesizeApprox int64

	Kind            Kind
	Format          string
	Quality         string
	Codec           string
	FrameRate       int
	SubtitleEnabled bool
	SubtitleLang    string
	AudioTrack      string

	Status         Status
	Progress       float64 // percent; -1 while total size is unknown
	SpeedBps       float64
	ETASec         int
	DownloadedPath string
	ErrorMessage   string

	// Seq orders jobs by insertion for stable listing and FIFO promotion.
	Seq uint64

	IsPlaylist    bool
	PlaylistTitle string
	PlaylistIndex int
	PlaylistCount int
}

// View is the read-only snapshot of a job served to bridge clients.
type View struct {
	VideoID        string  `json:"video_id"`
	Title          string  `json:"title"`
	Channel        string  `json:"channel"`
	URL            string  `json:"url"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	Speed          float64 `json:"speed"`
	ETA            int     `json:"eta"`
	FilesizeApprox int64   `json:"filesize_approx"`
	DownloadType   string  `json:"download_type"`
	Format         string  `json:"format"`
	Quality        string  `json:"quality"`
	DownloadedPath string  `json:"downloaded_path"`
	ErrorMessage   string  `json:"error_message"`
}

// Snapshot copies the job into its wire representation.
func (j *Job) Snapshot() View {
	return View{
		VideoID:        j.VideoID,
		Title:          j.Title,
		Channel:        j.Channel,
		URL:            j.URL,
		Status:         string(j.Status),
		Progress:       j.Progress,
		Speed:          j.SpeedBps,
		ETA:            j.ETASec,
		FilesizeApprox: j.FilesizeApprox,
		DownloadType:   string(j.Kind),
		Format:         j.Format,
		Quality:        j.Quality,
		DownloadedPath: j.DownloadedPath,
		ErrorMessage:   j.ErrorMessage,
	}
}
