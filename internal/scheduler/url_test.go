package scheduler

import "testing"

func TestIsSupportedURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://youtube.com/watch?v=abc123", true},
		{"https://www.youtube.com/watch?v=abc123", true},
		{"http://youtube.com/watch?v=abc123", true},
		{"https://youtu.be/abc123", true},
		{"https://youtube.com/shorts/abc123", true},
		{"https://www.youtube.com/playlist?list=PLxyz", true},
		{"https://youtube.com/@somechannel", true},
		{"https://youtube.com/channel/UCxyz", true},

		{"https://vimeo.com/123456", false},
		{"https://example.com/video", false},
		{"https://notyoutube.com/watch?v=abc", false},
		{"youtube.com/watch?v=abc", false}, // missing protocol
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsSupportedURL(tt.url); got != tt.want {
				t.Errorf("IsSupportedURL(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}
