package ratelimit

import (
	"fmt"
	"strconv"
	"time"

	hub "github.com/relaymesh/cch/internal"
)

// Rolling window lengths.
const (
	window5h  = 5 * time.Hour
	windowDay = 24 * time.Hour
	windowRPM = time.Minute
)

// ResetConfig selects the daily window shape for one subject. The zero value
// is a fixed window resetting at local midnight, which is what keys and
// providers use; users may configure their own boundary or a rolling day.
type ResetConfig struct {
	Mode string // hub.DailyResetFixed or hub.DailyResetRolling
	Time string // "HH:MM" local boundary for fixed mode
}

func (r ResetConfig) rolling() bool { return r.Mode == hub.DailyResetRolling }

// clock returns the fixed-mode boundary as hour and minute, defaulting to
// midnight on any malformed value.
func (r ResetConfig) clock() (hour, min int) {
	s := r.Time
	if len(s) != 5 || s[2] != ':' {
		return 0, 0
	}
	h, err1 := strconv.Atoi(s[:2])
	m, err2 := strconv.Atoi(s[3:])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0
	}
	return h, m
}

func fixedKey(subject, id, scope, suffix string) string {
	return fmt.Sprintf("%s:%s:cost_%s_%s", subject, id, scope, suffix)
}

func rollingKey(subject, id, scope string) string {
	return fmt.Sprintf("%s:%s:cost_%s_rolling", subject, id, scope)
}

func rpmKey(subject, id string) string { return subject + ":" + id + ":rpm" }

func sessionsKey(subject, id string) string { return subject + ":" + id + ":sessions" }

// clockSuffix renders the window-key HHMM segment.
func clockSuffix(hour, min int) string { return fmt.Sprintf("%02d%02d", hour, min) }

// nextDailyBoundary returns the next occurrence of hour:min in now's
// location. DST days shorter or longer than 24 h follow wall-clock time.
func nextDailyBoundary(now time.Time, hour, min int) time.Time {
	b := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
	if !b.After(now) {
		b = b.AddDate(0, 0, 1)
	}
	return b
}

// nextWeeklyBoundary returns the next Monday 00:00 in now's location.
func nextWeeklyBoundary(now time.Time) time.Time {
	days := (int(time.Monday) - int(now.Weekday()) + 7) % 7
	b := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, days)
	if !b.After(now) {
		b = b.AddDate(0, 0, 7)
	}
	return b
}

// nextMonthlyBoundary returns the first of the next month 00:00 in now's
// location.
func nextMonthlyBoundary(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
}

// fixedWindow returns the key suffix and remaining TTL for a fixed window.
func fixedWindow(scope string, now time.Time, reset ResetConfig) (suffix string, ttl time.Duration) {
	switch scope {
	case hub.ScopeDaily:
		h, m := reset.clock()
		return clockSuffix(h, m), nextDailyBoundary(now, h, m).Sub(now)
	case hub.ScopeWeekly:
		return clockSuffix(0, 0), nextWeeklyBoundary(now).Sub(now)
	case hub.ScopeMonthly:
		return clockSuffix(0, 0), nextMonthlyBoundary(now).Sub(now)
	default:
		panic("ratelimit: not a fixed-window scope: " + scope)
	}
}
