package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Day numbering follows the entry model: 0 = Monday through 6 = Sunday.
var dayNames = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

var dayNumbers = map[string]int{
	"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6,
}

// DayNumber maps a lowercase three-letter day name to its number.
func DayNumber(name string) (int, bool) {
	n, ok := dayNumbers[strings.ToLower(strings.TrimSpace(name))]
	return n, ok
}

// DayName maps a day number back to its three-letter name.
func DayName(day int) string {
	if day < 0 || day >= len(dayNames) {
		return ""
	}
	return dayNames[day]
}

// MinutesFromClock parses a "HH:MM" clock string into minutes from
// midnight. Malformed strings are rejected rather than coerced.
func MinutesFromClock(clock string) (int, error) {
	parts := strings.Split(clock, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock string %q", clock)
	}
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, fmt.Errorf("invalid clock string %q", clock)
	}
	minute, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, fmt.Errorf("invalid clock string %q", clock)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("clock %q out of range", clock)
	}
	return hour*60 + minute, nil
}

// ClockFromMinutes renders minutes from midnight as "HH:MM". Out-of-range
// values wrap into a single day so stored rows always render.
func ClockFromMinutes(minutes int) string {
	minutes %= 24 * 60
	if minutes < 0 {
		minutes += 24 * 60
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
