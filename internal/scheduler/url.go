package scheduler

import "regexp"

var supportedURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https?://(www\.)?youtube\.com/watch\?v=`),
	regexp.MustCompile(`^https?://(www\.)?youtube\.com/playlist\?list=`),
	regexp.MustCompile(`^https?://(www\.)?youtube\.com/shorts/`),
	regexp.MustCompile(`^https?://youtu\.be/`),
	regexp.MustCompile(`^https?://(www\.)?youtube\.com/@[\w-]+`),
	regexp.MustCompile(`^https?://(www\.)?youtube\.com/channel/`),
}

// IsSupportedURL reports whether the URL points at downloadable content.
func IsSupportedURL(url string) bool {
	for _, p := range supportedURLPatterns {
		if p.MatchString(url) {
			return true
		}
	}
	return false
}
