// Package bridge exposes the daemon's control surface as a newline-delimited
// JSON-RPC 2.0 server on the loopback interface.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/LittleDevMars/sva/internal/config"
	"github.com/LittleDevMars/sva/internal/domain"
	"github.com/LittleDevMars/sva/internal/scheduler"
)

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeHandlerError   = -1
)

// Server accepts loopback TCP connections and serves one JSON-RPC request
// per line. Responses to a connection are written in request order.
type Server struct {
	sched    *scheduler.Scheduler
	settings *config.Store
	history  domain.HistoryStore

	addr string
	ln   net.Listener

	mu    sync.Mutex
	conns map[string]net.Conn
	wg    sync.WaitGroup
}

// NewServer creates a bridge server bound to 127.0.0.1 on the given port.
func NewServer(sched *scheduler.Scheduler, settings *config.Store, history domain.HistoryStore, port int) *Server {
	return &Server{
		sched:    sched,
		settings: settings,
		history:  history,
		addr:     fmt.Sprintf("127.0.0.1:%d", port),
		conns:    make(map[string]net.Conn),
	}
}

// Listen binds the TCP socket without accepting yet.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	log.Printf("bridge listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		id := uuid.NewString()
		s.mu.Lock()
		s.conns[id] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(id, conn)
		}()
	}
}

// ListenAndServe binds and serves in one call.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting, closes all live connections and waits for their
// handlers to drain, or gives up when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln != nil {
		s.ln.Close()
	}

	s.mu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(id string, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		conn.Close()
		log.Printf("bridge conn %s: closed", id)
	}()

	log.Printf("bridge conn %s: accepted from %s", id, conn.RemoteAddr())

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		s.handleLine(conn, line)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("bridge conn %s: read error: %v", id, err)
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type successResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcError        `json:"error"`
}

// handleLine processes one request line. Malformed input produces an error
// response; the connection always stays open.
func (s *Server) handleLine(conn net.Conn, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		// Per spec an unparseable request gets a null id.
		s.writeError(conn, nil, codeParseError, "parse error: "+err.Error())
		return
	}

	result, rpcErr := s.dispatch(req.Method, req.Params)
	if rpcErr != nil {
		s.writeError(conn, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	s.write(conn, successResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) writeError(conn net.Conn, id json.RawMessage, code int, message string) {
	s.write(conn, errorResponse{JSONRPC: "2.0", ID: id, Error: rpcError{Code: code, Message: message}})
}

func (s *Server) write(conn net.Conn, resp any) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Printf("bridge: response marshal failed: %v", err)
		return
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		log.Printf("bridge: write failed: %v", err)
	}
}

// dispatch routes a method to its handler. A handler panic is reported as a
// handler error instead of tearing down the connection.
func (s *Server) dispatch(method string, params json.RawMessage) (result any, rpcErr *rpcError) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bridge: %s handler panic: %v", method, r)
			result = nil
			rpcErr = &rpcError{Code: codeHandlerError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	switch method {
	case "add_download":
		return s.addDownload(params)
	case "get_downloads":
		return s.sched.List(), nil
	case "get_download_status":
		return s.downloadStatus(params)
	case "cancel_download":
		return s.cancelDownload(params)
	case "get_settings":
		return s.getSettings(), nil
	case "update_settings":
		return s.updateSettings(params)
	case "get_history":
		return s.getHistory()
	case "pause_all":
		s.sched.PauseAll()
		return map[string]string{"status": "paused"}, nil
	case "resume_all":
		s.sched.ResumeAll()
		return map[string]string{"status": "resumed"}, nil
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "unknown method: " + method}
	}
}

func (s *Server) addDownload(params json.RawMessage) (any, *rpcError) {
	var p struct {
		URL string `json:"url"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "url is required"}
	}

	if err := s.sched.Submit(p.URL); err != nil {
		if errors.Is(err, domain.ErrInvalidURL) {
			return nil, &rpcError{Code: codeInvalidParams, Message: "unsupported URL: " + p.URL}
		}
		return nil, &rpcError{Code: codeHandlerError, Message: err.Error()}
	}
	return map[string]string{"status": "info_fetch_started", "url": p.URL}, nil
}

func (s *Server) downloadStatus(params json.RawMessage) (any, *rpcError) {
	id, rpcErr := videoIDParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	view, err := s.sched.Get(id)
	if err != nil {
		return nil, &rpcError{Code: codeHandlerError, Message: "download not found: " + id}
	}
	return view, nil
}

func (s *Server) cancelDownload(params json.RawMessage) (any, *rpcError) {
	id, rpcErr := videoIDParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.sched.Cancel(id); err != nil {
		return nil, &rpcError{Code: codeHandlerError, Message: "download not found: " + id}
	}
	return map[string]string{"status": "cancel_requested", "video_id": id}, nil
}

func (s *Server) getSettings() map[string]any {
	snap := s.settings.Read()
	return map[string]any{
		"download_type":    snap.DownloadType,
		"format":           snap.Format,
		"quality":          snap.Quality,
		"codec":            snap.Codec,
		"frame_rate":       snap.FrameRate,
		"subtitle_enabled": snap.SubtitleEnabled,
		"subtitle_lang":    snap.SubtitleLang,
		"audio_track":      snap.AudioTrack,
		"save_path":        snap.SavePath,
	}
}

func (s *Server) updateSettings(params json.RawMessage) (any, *rpcError) {
	var fields map[string]any
	if err := decodeParams(params, &fields); err != nil {
		return nil, err
	}
	applied, err := s.settings.Write(fields)
	if err != nil {
		return nil, &rpcError{Code: codeHandlerError, Message: err.Error()}
	}
	if applied == nil {
		applied = []string{}
	}
	return map[string]any{"updated": applied}, nil
}

func (s *Server) getHistory() (any, *rpcError) {
	records, err := s.history.List(context.Background(), 0)
	if err != nil {
		return nil, &rpcError{Code: codeHandlerError, Message: err.Error()}
	}

	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]any{
			"video_id":      r.VideoID,
			"title":         r.Title,
			"channel":       r.Channel,
			"url":           r.URL,
			"file_path":     r.FilePath,
			"format":        r.Format,
			"quality":       r.Quality,
			"filesize":      r.Filesize,
			"duration":      r.DurationSec,
			"download_type": r.DownloadType,
		})
	}
	return out, nil
}

func videoIDParam(params json.RawMessage) (string, *rpcError) {
	var p struct {
		VideoID string `json:"video_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.VideoID == "" {
		return "", &rpcError{Code: codeInvalidParams, Message: "video_id is required"}
	}
	return p.VideoID, nil
}

func decodeParams(params json.RawMessage, dst any) *rpcError {
	if len(params) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}
