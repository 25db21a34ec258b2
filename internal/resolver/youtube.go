package resolver

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// YouTubeUpstream resolves an @handle to a channel id by fetching the
// handle's channel page and extracting the canonical id. client may be nil.
func YouTubeUpstream(client *http.Client) Upstream {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return UpstreamFunc(func(ctx context.Context, handle string) (string, error) {
		url := "https://www.youtube.com/@" + handle
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; streambridge/1.0)")

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", errors.Errorf("youtube: handle page status %s", resp.Status)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
		if err != nil {
			return "", err
		}

		id := extractChannelID(string(body))
		if id == "" {
			return "", errors.Errorf("youtube: no channel id for handle %q", handle)
		}
		return id, nil
	})
}

// extractChannelID finds the canonical channel id in a channel page.
func extractChannelID(text string) string {
	for _, marker := range []string{`"channelId":"`, `"externalId":"`, `channel/`} {
		idx := strings.Index(text, marker)
		if idx == -1 {
			continue
		}
		start := idx + len(marker)
		end := start
		for end < len(text) && isChannelIDByte(text[end]) {
			end++
		}
		id := text[start:end]
		if strings.HasPrefix(id, "UC") && len(id) >= 20 {
			return id
		}
	}
	return ""
}

func isChannelIDByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_' || b == '-'
}
