package checkin

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// BeijingZone is UTC+8 with no daylight saving, so a fixed zone is exact
// and does not depend on the host's tzdata.
var BeijingZone = time.FixedZone("Asia/Shanghai", 8*60*60)

// ErrInvalidTime is returned for a schedule time that is not HH:MM.
var ErrInvalidTime = errors.New("invalid check-in time")

var clockPattern = regexp.MustCompile(`^\d{2}:\d{2}$`)

// Clock is a time of day in Beijing.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClock parses "HH:MM" with 00 <= HH <= 23 and 00 <= MM <= 59.
func ParseClock(s string) (Clock, error) {
	if !clockPattern.MatchString(s) {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, _ := strconv.Atoi(s[:2])
	m, _ := strconv.Atoi(s[3:])
	if h > 23 || m > 59 {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// BeijingDate is the Beijing calendar date of t as YYYY-MM-DD.
func BeijingDate(t time.Time) string {
	return t.In(BeijingZone).Format(time.DateOnly)
}

// ScheduleInstant is the instant the clock time falls on during now's
// Beijing calendar day.
func ScheduleInstant(now time.Time, at Clock) time.Time {
	b := now.In(BeijingZone)
	return time.Date(b.Year(), b.Month(), b.Day(), at.Hour, at.Minute, 0, 0, BeijingZone)
}

// NextRun is the next occurrence of at: today if still ahead, otherwise
// tomorrow.
func NextRun(now time.Time, at Clock) time.Time {
	scheduled := ScheduleInstant(now, at)
	if now.Before(scheduled) {
		return scheduled
	}
	return scheduled.AddDate(0, 0, 1)
}

// NextAlarm is NextRun, except that after a reset a time already passed
// today fires one second from now instead of waiting a day.
func NextAlarm(now time.Time, at Clock, reset bool) time.Time {
	if !reset {
		return NextRun(now, at)
	}
	scheduled := ScheduleInstant(now, at)
	if !now.Before(scheduled) {
		return now.Add(time.Second)
	}
	return scheduled
}

// ShouldRun reports whether a sweep is due: not yet run today and the
// scheduled time has passed.
func ShouldRun(now time.Time, at Clock, lastRunDate string) bool {
	if lastRunDate != "" && lastRunDate == BeijingDate(now) {
		return false
	}
	return !now.Before(ScheduleInstant(now, at))
}
