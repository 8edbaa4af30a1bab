package youtube

import (
	"fmt"
	"regexp"
	"strconv"
)

// iso8601Duration matches the API's PT#H#M#S duration encoding.
var iso8601Duration = regexp.MustCompile(`^P(?:(\d+)D)?T?(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// ParseISODuration converts an ISO 8601 duration ("PT1H2M3S") to seconds.
// Returns 0 for empty or unparseable input; the detail endpoint reports
// empty durations for live content.
func ParseISODuration(s string) int {
	if s == "" {
		return 0
	}
	m := iso8601Duration.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	days := atoi(m[1])
	hours := atoi(m[2])
	minutes := atoi(m[3])
	seconds := atoi(m[4])
	return days*86400 + hours*3600 + minutes*60 + seconds
}

// FormatDuration renders seconds as "M:SS" or "H:MM:SS".
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
