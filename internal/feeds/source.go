package feeds

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/matthewjhunter/courier/internal/storage"
)

var ErrMissingChannelID = errors.New("youtube source requires a channel_id query parameter")

const youtubeFeedBase = "https://www.youtube.com/feeds/videos.xml"

func isYouTubeHost(host string) bool {
	host = strings.ToLower(host)
	return host == "youtube.com" || strings.HasSuffix(host, ".youtube.com")
}

// YouTubeFeedURL returns the channel feed url for a YouTube source url. The
// channel_id query parameter is required; YouTube hosts are rewritten to the
// canonical feed endpoint.
func YouTubeFeedURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	id := u.Query().Get("channel_id")
	if id == "" {
		return "", ErrMissingChannelID
	}
	if !isYouTubeHost(u.Hostname()) {
		return raw, nil
	}
	return youtubeFeedBase + "?channel_id=" + url.QueryEscape(id), nil
}

// NormalizeSource validates a user-supplied source and rewrites its url to
// the form that is fetched and stored.
func NormalizeSource(src *storage.Source) error {
	src.URL = strings.TrimSpace(src.URL)
	u, err := url.Parse(src.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid source url %q", src.URL)
	}
	if src.Type == "" {
		src.Type = storage.SourceRSS
		if isYouTubeHost(u.Hostname()) {
			src.Type = storage.SourceYouTube
		}
	}
	if !src.Type.Valid() {
		return fmt.Errorf("invalid source type %q", src.Type)
	}
	if src.Type == storage.SourceYouTube {
		feedURL, err := YouTubeFeedURL(src.URL)
		if err != nil {
			return err
		}
		src.URL = feedURL
	}
	if src.Name == "" {
		src.Name = u.Hostname()
	}
	return nil
}
