package youtube

import "strings"

// ShortsConfig controls short-form classification. The duration threshold and
// the denylist are product-tuned values, kept configurable rather than
// hardcoded.
type ShortsConfig struct {
	// MaxDurationSeconds is the duration at or under which an item counts as
	// short-form, absent other signals.
	MaxDurationSeconds int
	// TitleDenylist lists lowercase substrings that mark an item as long-form
	// regardless of duration (teasers and trailers are short but not Shorts).
	TitleDenylist []string
}

// DefaultShortsConfig returns the stock classification rules.
func DefaultShortsConfig() ShortsConfig {
	return ShortsConfig{
		MaxDurationSeconds: 180,
		TitleDenylist:      []string{"teaser", "trailer", "preview"},
	}
}

// IsShort classifies an item as short-form. An item is short-form when its
// title carries a "#shorts" tag, or when its duration is at or under the
// threshold and the title does not match the denylist.
func (c ShortsConfig) IsShort(title string, durationSeconds int) bool {
	lower := strings.ToLower(title)
	if strings.Contains(lower, "#shorts") {
		return true
	}
	if durationSeconds <= 0 || durationSeconds > c.MaxDurationSeconds {
		return false
	}
	for _, pattern := range c.TitleDenylist {
		if pattern != "" && strings.Contains(lower, pattern) {
			return false
		}
	}
	return true
}
