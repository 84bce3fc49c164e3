package assign

import (
	"strconv"
	"strings"
	"time"

	"crm-worker/internal/models"
)

// withinWorkingHours reports whether now (already in the tenant's timezone)
// falls inside the enabled window for today's weekday. A missing or disabled
// window, or a malformed time string, counts as outside.
func withinWorkingHours(hours map[string]models.DayWindow, now time.Time) bool {
	win, ok := hours[strings.ToLower(now.Weekday().String())]
	if !ok || !win.Enabled {
		return false
	}
	start, ok := parseClock(win.Start)
	if !ok {
		return false
	}
	end, ok := parseClock(win.End)
	if !ok {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	return minute >= start && minute < end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	hours, err := strconv.Atoi(h)
	if err != nil || hours < 0 || hours > 23 {
		return 0, false
	}
	mins, err := strconv.Atoi(m)
	if err != nil || mins < 0 || mins > 59 {
		return 0, false
	}
	return hours*60 + mins, true
}
