package youtube

import "testing"

func TestShortsConfig_IsShort(t *testing.T) {
	cfg := DefaultShortsConfig()

	tests := []struct {
		name     string
		title    string
		duration int
		want     bool
	}{
		{"shorts tag", "quick tip #shorts", 600, true},
		{"shorts tag mixed case", "Quick Tip #SHORTS", 600, true},
		{"under threshold", "one minute recap", 60, true},
		{"at threshold", "three minute recap", 180, true},
		{"over threshold", "full episode", 181, false},
		{"teaser denylisted", "Season 2 Teaser", 45, false},
		{"trailer denylisted", "Official Trailer", 90, false},
		{"preview denylisted", "Episode preview", 30, false},
		{"zero duration live", "live stream", 0, false},
		{"teaser with shorts tag", "teaser #shorts", 45, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.IsShort(tt.title, tt.duration); got != tt.want {
				t.Errorf("IsShort(%q, %d) = %v, want %v", tt.title, tt.duration, got, tt.want)
			}
		})
	}
}

func TestShortsConfig_CustomThreshold(t *testing.T) {
	cfg := ShortsConfig{MaxDurationSeconds: 60}

	if cfg.IsShort("clip", 90) {
		t.Errorf("90s item classified short with a 60s threshold")
	}
	if !cfg.IsShort("clip", 59) {
		t.Errorf("59s item not classified short with a 60s threshold")
	}
	// No denylist configured: teaser titles classify by duration alone.
	if !cfg.IsShort("teaser", 30) {
		t.Errorf("denylist applied despite being empty")
	}
}
