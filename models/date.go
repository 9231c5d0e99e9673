package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical calendar-date format used everywhere a Date is
// stored or compared.
const DateLayout = "2006-01-02"

// Date is a calendar date in canonical YYYY-MM-DD form. The zero value ("")
// means unknown. Lexicographic order equals chronological order.
type Date string

var (
	netDateRegexp  = regexp.MustCompile(`/Date\((-?\d+)`)
	netTicksRegexp = regexp.MustCompile(`^\d{17,}$`)

	// ticks between 0001-01-01 and the Unix epoch
	ticksToUnixEpoch int64 = 621355968000000000
)

// DateOf truncates t to its calendar date in loc. A nil loc keeps t's own location.
func DateOf(t time.Time, loc *time.Location) Date {
	if t.IsZero() {
		return ""
	}
	if loc != nil {
		t = t.In(loc)
	}
	return Date(t.Format(DateLayout))
}

// Today returns the calendar date of now in loc.
func Today(loc *time.Location) Date {
	return DateOf(time.Now(), loc)
}

// ParseDate normalises the date formats seen in the wild into a Date.
// Accepted: YYYY-MM-DD, YYYY/MM/DD, RFC3339 timestamps, .NET tick counts and
// /Date(ms)/ literals. Anything else yields the zero Date.
func ParseDate(s string) Date {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if netTicksRegexp.MatchString(s) {
		ticks, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return ""
		}
		return DateOf(time.UnixMilli((ticks-ticksToUnixEpoch)/10000).UTC(), time.UTC)
	}

	if m := netDateRegexp.FindStringSubmatch(s); len(m) == 2 {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return ""
		}
		return DateOf(time.UnixMilli(ms).UTC(), time.UTC)
	}

	for _, layout := range []string{DateLayout, "2006/01/02", time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Date(t.Format(DateLayout))
		}
	}

	// Spreadsheet cells sometimes carry a time suffix after a 'T' or space.
	if len(s) > len(DateLayout) {
		if t, err := time.Parse(DateLayout, s[:len(DateLayout)]); err == nil {
			return Date(t.Format(DateLayout))
		}
	}
	return ""
}

// IsZero reports whether the date is unknown.
func (d Date) IsZero() bool { return d == "" }

// String implements fmt.Stringer.
func (d Date) String() string { return string(d) }

// Time returns midnight UTC of the date, or the zero time if d is unknown.
func (d Date) Time() time.Time {
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddDays shifts the date by n calendar days.
func (d Date) AddDays(n int) Date {
	t := d.Time()
	if t.IsZero() {
		return ""
	}
	return Date(t.AddDate(0, 0, n).Format(DateLayout))
}

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool { return d < o }

// After reports whether d is strictly later than o.
func (d Date) After(o Date) bool { return d > o }
