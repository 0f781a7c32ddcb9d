package domain

import (
	"context"
	"time"
)

// Extractor is the driven port for metadata retrieval. Fetch returns one job
// per video; playlist URLs expand to multiple jobs in source-reported order.
type Extractor interface {
	Fetch(ctx context.Context, url string) ([]*Job, error)
}

// Telemetry is a single progress sample emitted during a transfer.
type Telemetry struct {
	Progress        float64 // percent; -1 when total size is unknown
	DownloadedBytes int64
	TotalBytes      int64
	SpeedBps        float64
	ETASec          int // -1 when unknown
}

// TransferRequest carries a job plus the settings snapshot frozen at worker
// launch. Settings changes after launch never affect an in-flight transfer.
type TransferRequest struct {
	Job                 Job
	SaveDir             string
	SpeedLimitKBps      int
	ConcurrentFragments int
	ProxyURL            string
	CookieBrowser       string
}

// Transferrer is the driven port for download execution. Run blocks until the
// transfer ends, reporting throttled progress through onProgress, and honors
// ctx cancellation by aborting the transfer and returning ctx.Err().
type Transferrer interface {
	Run(ctx context.Context, req TransferRequest, onProgress func(Telemetry)) (string, error)
}

// HistoryRecord is one row of the completed-download ledger.
type HistoryRecord struct {
	ID           int64
	URL          string
	VideoID      string
	Title        string
	Channel      string
	ThumbnailURL string
	FilePath     string
	Format       string
	Quality      string
	Filesize     int64
	DurationSec  int
	DownloadType string
	CreatedAt    time.Time
}

// HistoryStore is the driven port for download history persistence.
type HistoryStore interface {
	Append(ctx context.Context, rec HistoryRecord) error
	List(ctx context.Context, limit int) ([]HistoryRecord, error)
	Clear(ctx context.Context) error
}
