package messaging

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// mediaURLPattern matches image links the backend embeds in its answers.
var mediaURLPattern = regexp.MustCompile(`(?i)https?://\S+\.jpe?g\b`)

// mediaCheckTimeout bounds each HEAD pre-validation.
const mediaCheckTimeout = 5 * time.Second

// ExtractMediaURLs pulls image URLs out of an answer text.
func ExtractMediaURLs(text string) []string {
	return mediaURLPattern.FindAllString(text, -1)
}

// StripMediaURLs removes the image URLs from the text so the caption is not
// repeated as a bare link.
func StripMediaURLs(text string) string {
	return mediaURLPattern.ReplaceAllString(text, "")
}

// MediaValidator filters candidate media URLs down to the ones the
// transport will be able to fetch.
type MediaValidator struct {
	httpClient *http.Client
	logger     *logging.Logger
}

// NewMediaValidator builds a validator with its own short-timeout client.
func NewMediaValidator(logger *logging.Logger) *MediaValidator {
	if logger == nil {
		logger = logging.Default()
	}
	return &MediaValidator{
		httpClient: &http.Client{Timeout: mediaCheckTimeout},
		logger:     logger,
	}
}

// Validate HEAD-checks each URL and returns the reachable subset in input
// order. Unreachable URLs are dropped, never fatal.
func (v *MediaValidator) Validate(ctx context.Context, urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	valid := make([]string, 0, len(urls))
	for _, rawURL := range urls {
		checkCtx, cancel := context.WithTimeout(ctx, mediaCheckTimeout)
		req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, rawURL, nil)
		if err != nil {
			cancel()
			v.logger.Warn("media url rejected", "url", rawURL, "error", err)
			continue
		}
		resp, err := v.httpClient.Do(req)
		if err != nil {
			cancel()
			v.logger.Warn("media url unreachable", "url", rawURL, "error", err)
			continue
		}
		_ = resp.Body.Close()
		cancel()
		if resp.StatusCode >= 400 {
			v.logger.Warn("media url rejected", "url", rawURL, "status", resp.StatusCode)
			continue
		}
		valid = append(valid, rawURL)
	}
	return valid
}
