package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// Settings is the user-tunable download configuration. A value copy acts as
// the immutable snapshot handed to each consumer.
type Settings struct {
	DownloadType    string `toml:"download_type"`
	Format          string `toml:"format"`
	Quality         string `toml:"quality"`
	Codec           string `toml:"codec"`
	FrameRate       int    `toml:"frame_rate"`
	SubtitleEnabled bool   `toml:"subtitle_enabled"`
	SubtitleLang    string `toml:"subtitle_lang"`
	AudioTrack      string `toml:"audio_track"`
	SavePath        string `toml:"save_path"`

	ConcurrentDownloads int    `toml:"concurrent_downloads"`
	DownloadThreads     int    `toml:"download_threads"`
	SpeedLimitKBps      int    `toml:"speed_limit_kbps"`
	ProxyURL            string `toml:"proxy_url"`
	CookieBrowser       string `toml:"cookie_browser"`
}

// DefaultSettings returns the baseline configuration.
func DefaultSettings() Settings {
	return Settings{
		DownloadType:        "video",
		Format:              "mp4",
		Quality:             "best",
		Codec:               "h264",
		FrameRate:           0, // 0 = highest available
		SubtitleEnabled:     false,
		SubtitleLang:        "en",
		AudioTrack:          "default",
		SavePath:            DefaultSaveDir(),
		ConcurrentDownloads: 3,
		DownloadThreads:     4,
		SpeedLimitKBps:      0, // 0 = unlimited
	}
}

// Store persists Settings to a TOML file. Reads return value copies; writes
// apply a partial update and rewrite the file atomically.
type Store struct {
	mu      sync.Mutex
	path    string
	current Settings
}

// NewStore loads settings from path, falling back to defaults when the file
// does not exist yet.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, current: DefaultSettings()}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &s.current); err != nil {
			return nil, fmt.Errorf("decode settings %s: %w", path, err)
		}
	}
	if s.current.ConcurrentDownloads < 1 {
		s.current.ConcurrentDownloads = 1
	}
	return s, nil
}

// Read returns the current settings snapshot.
func (s *Store) Read() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Write applies the recognized fields of a partial update, persists the
// result, and returns the names of the fields actually applied. Unknown keys
// and ill-typed values are skipped rather than rejected.
func (s *Store) Write(partial map[string]any) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	applied := []string{}

	if v, ok := asString(partial["download_type"]); ok && (v == "video" || v == "audio") {
		next.DownloadType = v
		applied = append(applied, "download_type")
	}
	if v, ok := asString(partial["format"]); ok && v != "" {
		next.Format = v
		applied = append(applied, "format")
	}
	if v, ok := asString(partial["quality"]); ok && v != "" {
		next.Quality = v
		applied = append(applied, "quality")
	}
	if v, ok := asString(partial["codec"]); ok && v != "" {
		next.Codec = v
		applied = append(applied, "codec")
	}
	if v, ok := asInt(partial["frame_rate"]); ok && v >= 0 {
		next.FrameRate = v
		applied = append(applied, "frame_rate")
	}
	if v, ok := partial["subtitle_enabled"].(bool); ok {
		next.SubtitleEnabled = v
		applied = append(applied, "subtitle_enabled")
	}
	if v, ok := asString(partial["subtitle_lang"]); ok && v != "" {
		next.SubtitleLang = v
		applied = append(applied, "subtitle_lang")
	}
	if v, ok := asString(partial["audio_track"]); ok && v != "" {
		next.AudioTrack = v
		applied = append(applied, "audio_track")
	}

	if len(applied) == 0 {
		return applied, nil
	}
	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.current = next
	return applied, nil
}

// SetConcurrentDownloads updates the parallel download limit and persists it.
// Values below 1 are clamped.
func (s *Store) SetConcurrentDownloads(n int) error {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	next.ConcurrentDownloads = n
	if err := s.persist(next); err != nil {
		return err
	}
	s.current = next
	return nil
}

// persist writes settings to a temp file and renames it over the target.
func (s *Store) persist(settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "settings-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(settings); err != nil {
		tmp.Close()
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func asString(v any) (string, bool) {
	str, ok := v.(string)
	return str, ok
}

// asInt accepts the numeric types JSON and TOML decoding produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
