package scheduler

import (
	"context"
	"log"
	"sort"

	"github.com/LittleDevMars/sva/internal/config"
	"github.com/LittleDevMars/sva/internal/domain"
)

// Scheduler owns the tracked job set and the pending queue. All state lives
// behind a single control goroutine; public methods and worker callbacks are
// funneled through one command channel, so no mutation ever races another.
type Scheduler struct {
	extractor domain.Extractor
	transfer  domain.Transferrer
	history   domain.HistoryStore
	settings  *config.Store

	cmds chan func()
	done chan struct{}

	// Owned by the control goroutine; never touched elsewhere.
	runCtx  context.Context
	jobs    map[string]*domain.Job
	queue   []string // video IDs in queued state, FIFO by Seq
	active  map[string]*workerHandle
	nextSeq uint64
}

// workerHandle tracks one in-flight worker task.
type workerHandle struct {
	cancel context.CancelFunc
	// pause marks a cancellation issued by PauseAll, so the terminal state
	// becomes paused instead of cancelled.
	pause bool
}

// New creates a scheduler. The concurrency limit is re-read from the settings
// snapshot at every admission evaluation.
func New(extractor domain.Extractor, transfer domain.Transferrer, history domain.HistoryStore, settings *config.Store) *Scheduler {
	return &Scheduler{
		extractor: extractor,
		transfer:  transfer,
		history:   history,
		settings:  settings,
		cmds:      make(chan func(), 256),
		done:      make(chan struct{}),
		jobs:      make(map[string]*domain.Job),
		active:    make(map[string]*workerHandle),
	}
}

// Run processes commands and worker events until ctx is cancelled. It must be
// running before any other method makes observable progress.
func (s *Scheduler) Run(ctx context.Context) {
	s.runCtx = ctx
	defer close(s.done)

	log.Printf("scheduler started, concurrency limit %d", s.limit())
	for {
		select {
		case <-ctx.Done():
			for id, h := range s.active {
				log.Printf("job %s: cancelling on shutdown", id)
				h.cancel()
			}
			log.Println("scheduler shutting down")
			return
		case fn := <-s.cmds:
			fn()
		}
	}
}

// do runs fn on the control goroutine and waits for it to complete.
func (s *Scheduler) do(fn func()) {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
	case <-s.done:
		return
	}
	select {
	case <-ran:
	case <-s.done:
	}
}

// post queues fn on the control goroutine without waiting.
func (s *Scheduler) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// Submit validates the URL and starts an asynchronous metadata fetch. Jobs
// appear in the tracked set once the fetch succeeds.
func (s *Scheduler) Submit(url string) error {
	if !IsSupportedURL(url) {
		return domain.ErrInvalidURL
	}
	s.post(func() {
		go s.fetchInfo(s.runCtx, url)
	})
	return nil
}

func (s *Scheduler) fetchInfo(ctx context.Context, url string) {
	jobs, err := s.extractor.Fetch(ctx, url)
	if err != nil {
		log.Printf("info fetch failed for %s: %v", url, err)
		return
	}
	s.post(func() {
		snap := s.settings.Read()
		for _, job := range jobs {
			s.admit(job, snap)
		}
	})
}

// admit stamps request parameters from the settings snapshot and enqueues the
// job. A duplicate of a still-active video ID is rejected; a terminal record
// for the same ID is replaced.
func (s *Scheduler) admit(job *domain.Job, snap config.Settings) {
	if existing, ok := s.jobs[job.VideoID]; ok && !existing.Status.IsTerminal() {
		log.Printf("job %s: already tracked (%s), ignoring duplicate", job.VideoID, existing.Status)
		return
	}

	job.Kind = domain.Kind(snap.DownloadType)
	job.Format = snap.Format
	job.Quality = snap.Quality
	job.Codec = snap.Codec
	job.FrameRate = snap.FrameRate
	job.SubtitleEnabled = snap.SubtitleEnabled
	job.SubtitleLang = snap.SubtitleLang
	job.AudioTrack = snap.AudioTrack

	job.Status = domain.StatusPending
	job.Progress = -1
	job.ETASec = -1
	s.nextSeq++
	job.Seq = s.nextSeq
	s.jobs[job.VideoID] = job

	s.enqueue(job)
}

// limit returns the parallelism bound from the current settings snapshot.
func (s *Scheduler) limit() int {
	n := s.settings.Read().ConcurrentDownloads
	if n < 1 {
		n = 1
	}
	return n
}

// enqueue appends the job to the FIFO queue and re-evaluates admission, so a
// free slot starts it within the same control cycle. Going through the queue
// keeps admission strictly FIFO even when the limit was just raised.
func (s *Scheduler) enqueue(job *domain.Job) {
	job.Status = domain.StatusQueued
	s.queue = append(s.queue, job.VideoID)
	s.promote()
	if job.Status == domain.StatusQueued {
		log.Printf("job %s: queued (%d active, %d waiting)", job.VideoID, len(s.active), len(s.queue))
	}
}

// startWorker launches the worker task goroutine for a job.
func (s *Scheduler) startWorker(job *domain.Job) {
	job.Status = domain.StatusRunning
	job.ErrorMessage = ""

	ctx, cancel := context.WithCancel(s.runCtx)
	s.active[job.VideoID] = &workerHandle{cancel: cancel}

	snap := s.settings.Read()
	req := domain.TransferRequest{
		Job:                 *job,
		SaveDir:             snap.SavePath,
		SpeedLimitKBps:      snap.SpeedLimitKBps,
		ConcurrentFragments: snap.DownloadThreads,
		ProxyURL:            snap.ProxyURL,
		CookieBrowser:       snap.CookieBrowser,
	}

	log.Printf("job %s: starting download of %q", job.VideoID, job.Title)
	go s.runWorker(ctx, req)
}

// runWorker executes the transfer off the control path and reports back.
func (s *Scheduler) runWorker(ctx context.Context, req domain.TransferRequest) {
	id := req.Job.VideoID

	path, err := s.transfer.Run(ctx, req, func(t domain.Telemetry) {
		s.post(func() { s.applyProgress(id, t) })
	})

	// A cancelled context takes precedence over whatever error the transfer
	// manufactured to unwind its I/O.
	cancelled := err != nil && ctx.Err() != nil

	s.post(func() { s.finish(id, path, err, cancelled) })
}

// applyProgress updates job telemetry in emission order.
func (s *Scheduler) applyProgress(id string, t domain.Telemetry) {
	job, ok := s.jobs[id]
	if !ok {
		log.Printf("job %s: progress for untracked job, ignoring", id)
		return
	}
	if job.Status != domain.StatusRunning {
		// Late samples after a terminal transition are dropped.
		return
	}
	job.Progress = t.Progress
	job.SpeedBps = t.SpeedBps
	job.ETASec = t.ETASec
}

// finish applies a worker's terminal outcome and re-evaluates the queue.
func (s *Scheduler) finish(id, path string, err error, cancelled bool) {
	h := s.active[id]
	delete(s.active, id)
	defer s.promote()

	job, ok := s.jobs[id]
	if !ok {
		// Removed while in flight; the slot is all that needed freeing.
		return
	}

	job.SpeedBps = 0
	job.ETASec = -1

	switch {
	case cancelled:
		if h != nil && h.pause {
			job.Status = domain.StatusPaused
			log.Printf("job %s: paused", id)
		} else {
			job.Status = domain.StatusCancelled
			log.Printf("job %s: cancelled", id)
		}
	case err != nil:
		job.Status = domain.StatusFailed
		job.ErrorMessage = err.Error()
		log.Printf("job %s: failed: %v", id, err)
	default:
		job.Status = domain.StatusCompleted
		job.Progress = 100
		job.DownloadedPath = path
		log.Printf("job %s: completed, saved to %s", id, path)
		s.recordHistory(job)
	}
}

func (s *Scheduler) recordHistory(job *domain.Job) {
	rec := domain.HistoryRecord{
		URL:          job.URL,
		VideoID:      job.VideoID,
		Title:        job.Title,
		Channel:      job.Channel,
		ThumbnailURL: job.ThumbnailURL,
		FilePath:     job.DownloadedPath,
		Format:       job.Format,
		Quality:      job.Quality,
		Filesize:     job.FilesizeApprox,
		DurationSec:  job.DurationSec,
		DownloadType: string(job.Kind),
	}
	if err := s.history.Append(s.runCtx, rec); err != nil {
		log.Printf("job %s: history write failed: %v", job.VideoID, err)
	}
}

// promote moves queued jobs into free worker slots, oldest first. The limit
// is sampled here, so settings changes apply at the next evaluation and never
// preempt running jobs.
func (s *Scheduler) promote() {
	for len(s.queue) > 0 && len(s.active) < s.limit() {
		id := s.queue[0]
		s.queue = s.queue[1:]
		job, ok := s.jobs[id]
		if !ok || job.Status != domain.StatusQueued {
			continue
		}
		s.startWorker(job)
	}
}

// Cancel requests cancellation of a job. Running jobs are cancelled
// cooperatively; queued jobs transition to cancelled synchronously; terminal
// jobs are a no-op.
func (s *Scheduler) Cancel(id string) error {
	var err error
	s.do(func() {
		job, ok := s.jobs[id]
		if !ok {
			err = domain.ErrJobNotFound
			return
		}
		switch job.Status {
		case domain.StatusRunning:
			h := s.active[id]
			if h != nil {
				h.pause = false
				h.cancel()
			}
		case domain.StatusQueued, domain.StatusPending:
			s.dropFromQueue(id)
			job.Status = domain.StatusCancelled
			log.Printf("job %s: cancelled before start", id)
		case domain.StatusPaused:
			job.Status = domain.StatusCancelled
		}
	})
	return err
}

// PauseAll cancels every running job with pause intent; each reports back as
// paused. Resuming restarts the transfer from scratch.
func (s *Scheduler) PauseAll() {
	s.do(func() {
		for id, h := range s.active {
			h.pause = true
			h.cancel()
			log.Printf("job %s: pause requested", id)
		}
	})
}

// ResumeAll re-enqueues every paused job in insertion order.
func (s *Scheduler) ResumeAll() {
	s.do(func() {
		for _, job := range s.jobsBySeq() {
			if job.Status == domain.StatusPaused {
				s.enqueue(job)
			}
		}
	})
}

// Remove drops a job from the tracked set, cancelling it first if needed.
func (s *Scheduler) Remove(id string) error {
	var err error
	s.do(func() {
		job, ok := s.jobs[id]
		if !ok {
			err = domain.ErrJobNotFound
			return
		}
		if job.Status == domain.StatusRunning {
			if h := s.active[id]; h != nil {
				h.cancel()
			}
		}
		s.dropFromQueue(id)
		delete(s.jobs, id)
		log.Printf("job %s: removed", id)
	})
	return err
}

// List returns snapshots of all tracked jobs in insertion order.
func (s *Scheduler) List() []domain.View {
	views := []domain.View{}
	s.do(func() {
		for _, job := range s.jobsBySeq() {
			views = append(views, job.Snapshot())
		}
	})
	return views
}

// Get returns the snapshot for one video ID.
func (s *Scheduler) Get(id string) (domain.View, error) {
	var view domain.View
	err := domain.ErrJobNotFound
	s.do(func() {
		if job, ok := s.jobs[id]; ok {
			view = job.Snapshot()
			err = nil
		}
	})
	return view, err
}

func (s *Scheduler) dropFromQueue(id string) {
	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) jobsBySeq() []*domain.Job {
	jobs := make([]*domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
	return jobs
}
