package state

import (
	"strconv"
	"strings"
)

// ParseLapTime converts a feed-formatted time string to seconds. The feed
// uses three forms: "1:32.456" (minutes), "32.456" (seconds.millis) and bare
// seconds ("32"). Unparsable or non-positive input returns ok=false so
// callers never do arithmetic on a sentinel.
func ParseLapTime(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, false
	}
	var total float64
	if i := strings.IndexByte(s, ':'); i >= 0 {
		mins, err := strconv.Atoi(s[:i])
		if err != nil || mins < 0 {
			return 0, false
		}
		secs, err := strconv.ParseFloat(s[i+1:], 64)
		if err != nil || secs < 0 {
			return 0, false
		}
		total = float64(mins)*60 + secs
	} else {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		total = secs
	}
	if total <= 0 {
		return 0, false
	}
	return total, true
}

// ParseClock converts "H:MM:SS" or "MM:SS" countdown strings (extrapolated
// clock, scheduled durations) to seconds.
func ParseClock(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0.0
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return 0, false
		}
		total = total*60 + v
	}
	return total, true
}
