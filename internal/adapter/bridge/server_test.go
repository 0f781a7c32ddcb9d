package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/LittleDevMars/sva/internal/config"
	"github.com/LittleDevMars/sva/internal/domain"
	"github.com/LittleDevMars/sva/internal/scheduler"
)

type fakeExtractor struct {
	mu   sync.Mutex
	jobs map[string][]*domain.Job
}

func (f *fakeExtractor) add(url string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.jobs[url] = append(f.jobs[url], &domain.Job{
			VideoID: id,
			URL:     url,
			Title:   "video " + id,
			Channel: "channel",
		})
	}
}

func (f *fakeExtractor) Fetch(ctx context.Context, url string) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Job, 0, len(f.jobs[url]))
	for _, job := range f.jobs[url] {
		copy := *job
		out = append(out, &copy)
	}
	return out, nil
}

// fakeTransfer blocks each download until released or cancelled.
type fakeTransfer struct {
	mu      sync.Mutex
	release map[string]chan struct{}
}

func (f *fakeTransfer) ch(id string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.release[id]
	if !ok {
		ch = make(chan struct{}, 1)
		f.release[id] = ch
	}
	return ch
}

func (f *fakeTransfer) Run(ctx context.Context, req domain.TransferRequest, onProgress func(domain.Telemetry)) (string, error) {
	select {
	case <-f.ch(req.Job.VideoID):
		return "/videos/" + req.Job.VideoID + ".mp4", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fakeHistory struct {
	mu      sync.Mutex
	records []domain.HistoryRecord
}

func (f *fakeHistory) Append(ctx context.Context, rec domain.HistoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeHistory) List(ctx context.Context, limit int) ([]domain.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.HistoryRecord(nil), f.records...), nil
}

func (f *fakeHistory) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = nil
	return nil
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

// call sends one raw request line and decodes the single response line.
func (c *testClient) call(raw string) map[string]any {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(raw + "\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		c.t.Fatalf("response not JSON: %v (%q)", err, line)
	}
	return resp
}

func (c *testClient) errorCode(resp map[string]any) int {
	c.t.Helper()
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		c.t.Fatalf("response has no error object: %v", resp)
	}
	return int(errObj["code"].(float64))
}

type testEnv struct {
	server  *Server
	client  *testClient
	ext     *fakeExtractor
	tr      *fakeTransfer
	hist    *fakeHistory
	sched   *scheduler.Scheduler
	store   *config.Store
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore(filepath.Join(t.TempDir(), "settings.toml"))
	if err != nil {
		t.Fatal(err)
	}

	ext := &fakeExtractor{jobs: make(map[string][]*domain.Job)}
	tr := &fakeTransfer{release: make(map[string]chan struct{})}
	hist := &fakeHistory{}

	sched := scheduler.New(ext, tr, hist, store)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)

	srv := NewServer(sched, store, hist, 0)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	})

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &testEnv{
		server: srv,
		client: &testClient{t: t, conn: conn, rd: bufio.NewReader(conn)},
		ext:    ext,
		tr:     tr,
		hist:   hist,
		sched:  sched,
		store:  store,
	}
}

func waitForStatus(t *testing.T, c *testClient, videoID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp := c.call(`{"jsonrpc":"2.0","id":1,"method":"get_download_status","params":{"video_id":"` + videoID + `"}}`)
		if result, ok := resp["result"].(map[string]any); ok {
			if result["status"] == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach %q", videoID, want)
}

func TestServer_EchoesRequestID(t *testing.T) {
	env := setupServer(t)

	resp := env.client.call(`{"jsonrpc":"2.0","id":42,"method":"get_settings"}`)
	if resp["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", resp["jsonrpc"])
	}
	if resp["id"] != float64(42) {
		t.Errorf("id = %v, want 42", resp["id"])
	}

	// String IDs are echoed unchanged too.
	resp = env.client.call(`{"jsonrpc":"2.0","id":"req-7","method":"get_settings"}`)
	if resp["id"] != "req-7" {
		t.Errorf("id = %v, want req-7", resp["id"])
	}
}

func TestServer_GetSettings(t *testing.T) {
	env := setupServer(t)

	resp := env.client.call(`{"jsonrpc":"2.0","id":1,"method":"get_settings"}`)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("result missing: %v", resp)
	}
	if result["download_type"] != "video" {
		t.Errorf("download_type = %v, want video", result["download_type"])
	}
	if result["format"] != "mp4" {
		t.Errorf("format = %v, want mp4", result["format"])
	}
	if _, ok := result["save_path"]; !ok {
		t.Error("save_path missing from settings")
	}
}

func TestServer_ParseErrorKeepsConnection(t *testing.T) {
	env := setupServer(t)

	resp := env.client.call(`{not json`)
	if resp["id"] != nil {
		t.Errorf("id = %v, want null", resp["id"])
	}
	if code := env.client.errorCode(resp); code != codeParseError {
		t.Errorf("code = %d, want %d", code, codeParseError)
	}

	// The connection survives the malformed line.
	resp = env.client.call(`{"jsonrpc":"2.0","id":2,"method":"get_settings"}`)
	if _, ok := resp["result"]; !ok {
		t.Errorf("follow-up request failed: %v", resp)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	env := setupServer(t)

	resp := env.client.call(`{"jsonrpc":"2.0","id":1,"method":"reticulate_splines"}`)
	if code := env.client.errorCode(resp); code != codeMethodNotFound {
		t.Errorf("code = %d, want %d", code, codeMethodNotFound)
	}
}

func TestServer_AddDownloadValidation(t *testing.T) {
	env := setupServer(t)

	resp := env.client.call(`{"jsonrpc":"2.0","id":1,"method":"add_download"}`)
	if code := env.client.errorCode(resp); code != codeInvalidParams {
		t.Errorf("missing url: code = %d, want %d", code, codeInvalidParams)
	}

	resp = env.client.call(`{"jsonrpc":"2.0","id":2,"method":"add_download","params":{"url":"https://vimeo.com/1"}}`)
	if code := env.client.errorCode(resp); code != codeInvalidParams {
		t.Errorf("unsupported url: code = %d, want %d", code, codeInvalidParams)
	}
}

func TestServer_DownloadLifecycle(t *testing.T) {
	env := setupServer(t)
	env.ext.add("https://youtube.com/watch?v=A", "A")

	resp := env.client.call(`{"jsonrpc":"2.0","id":1,"method":"add_download","params":{"url":"https://youtube.com/watch?v=A"}}`)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("add_download failed: %v", resp)
	}
	if result["status"] != "info_fetch_started" {
		t.Errorf("status = %v, want info_fetch_started", result["status"])
	}

	waitForStatus(t, env.client, "A", "running")

	resp = env.client.call(`{"jsonrpc":"2.0","id":2,"method":"get_downloads"}`)
	list, ok := resp["result"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("get_downloads = %v, want one entry", resp["result"])
	}
	entry := list[0].(map[string]any)
	if entry["video_id"] != "A" {
		t.Errorf("video_id = %v, want A", entry["video_id"])
	}
	if entry["title"] != "video A" {
		t.Errorf("title = %v, want %q", entry["title"], "video A")
	}

	env.tr.ch("A") <- struct{}{}
	waitForStatus(t, env.client, "A", "completed")

	resp = env.client.call(`{"jsonrpc":"2.0","id":3,"method":"get_download_status","params":{"video_id":"A"}}`)
	result = resp["result"].(map[string]any)
	if result["downloaded_path"] != "/videos/A.mp4" {
		t.Errorf("downloaded_path = %v, want /videos/A.mp4", result["downloaded_path"])
	}
	if result["progress"] != float64(100) {
		t.Errorf("progress = %v, want 100", result["progress"])
	}
}

func TestServer_CancelDownload(t *testing.T) {
	env := setupServer(t)
	env.ext.add("https://youtube.com/watch?v=A", "A")

	env.client.call(`{"jsonrpc":"2.0","id":1,"method":"add_download","params":{"url":"https://youtube.com/watch?v=A"}}`)
	waitForStatus(t, env.client, "A", "running")

	resp := env.client.call(`{"jsonrpc":"2.0","id":2,"method":"cancel_download","params":{"video_id":"A"}}`)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("cancel_download failed: %v", resp)
	}
	if result["status"] != "cancel_requested" {
		t.Errorf("status = %v, want cancel_requested", result["status"])
	}

	waitForStatus(t, env.client, "A", "cancelled")

	// Unknown IDs surface as a handler error.
	resp = env.client.call(`{"jsonrpc":"2.0","id":3,"method":"cancel_download","params":{"video_id":"nope"}}`)
	if code := env.client.errorCode(resp); code != codeHandlerError {
		t.Errorf("code = %d, want %d", code, codeHandlerError)
	}
}

func TestServer_UpdateSettings(t *testing.T) {
	env := setupServer(t)

	resp := env.client.call(`{"jsonrpc":"2.0","id":1,"method":"update_settings","params":{"format":"mkv","quality":"720p","bogus":"x"}}`)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("update_settings failed: %v", resp)
	}
	updated, ok := result["updated"].([]any)
	if !ok || len(updated) != 2 {
		t.Fatalf("updated = %v, want two fields", result["updated"])
	}

	resp = env.client.call(`{"jsonrpc":"2.0","id":2,"method":"get_settings"}`)
	settings := resp["result"].(map[string]any)
	if settings["format"] != "mkv" {
		t.Errorf("format = %v, want mkv", settings["format"])
	}
	if settings["quality"] != "720p" {
		t.Errorf("quality = %v, want 720p", settings["quality"])
	}
}

func TestServer_GetHistory(t *testing.T) {
	env := setupServer(t)
	env.hist.Append(context.Background(), domain.HistoryRecord{
		VideoID:      "old1",
		URL:          "https://youtube.com/watch?v=old1",
		Title:        "archived",
		FilePath:     "/videos/old1.mp4",
		Filesize:     2048,
		DurationSec:  90,
		DownloadType: "video",
	})

	resp := env.client.call(`{"jsonrpc":"2.0","id":1,"method":"get_history"}`)
	list, ok := resp["result"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("get_history = %v, want one entry", resp["result"])
	}
	rec := list[0].(map[string]any)
	if rec["video_id"] != "old1" {
		t.Errorf("video_id = %v, want old1", rec["video_id"])
	}
	if rec["file_path"] != "/videos/old1.mp4" {
		t.Errorf("file_path = %v, want /videos/old1.mp4", rec["file_path"])
	}
	if rec["duration"] != float64(90) {
		t.Errorf("duration = %v, want 90", rec["duration"])
	}
}

func TestServer_PauseResume(t *testing.T) {
	env := setupServer(t)
	env.ext.add("https://youtube.com/watch?v=A", "A")

	env.client.call(`{"jsonrpc":"2.0","id":1,"method":"add_download","params":{"url":"https://youtube.com/watch?v=A"}}`)
	waitForStatus(t, env.client, "A", "running")

	resp := env.client.call(`{"jsonrpc":"2.0","id":2,"method":"pause_all"}`)
	if result := resp["result"].(map[string]any); result["status"] != "paused" {
		t.Errorf("status = %v, want paused", result["status"])
	}
	waitForStatus(t, env.client, "A", "paused")

	resp = env.client.call(`{"jsonrpc":"2.0","id":3,"method":"resume_all"}`)
	if result := resp["result"].(map[string]any); result["status"] != "resumed" {
		t.Errorf("status = %v, want resumed", result["status"])
	}
	waitForStatus(t, env.client, "A", "running")
}
