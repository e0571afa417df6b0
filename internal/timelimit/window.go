package timelimit

import (
	"fmt"
	"strconv"
	"time"
)

// DateTimeLayout renders a window start with millisecond precision in UTC.
const DateTimeLayout = "2006-01-02 15:04:05.000"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	now time.Time
}

// NewFakeClock creates a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	return f.now
}

// Advance moves the clock forward by d.
func (f *FakeClock) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// Window is a fixed time bucket: every hit between Start and Start+Size shares one counter.
// Start and Size are epoch seconds.
type Window struct {
	Start int64
	Size  int64
}

// CurrentWindow returns the bucket of size seconds that contains now.
func CurrentWindow(size int64, now time.Time) Window {
	ts := now.Unix()
	offset := ts % size

	if offset < 0 {
		offset += size
	}

	return Window{Start: ts - offset, Size: size}
}

// Unix returns the window start as epoch seconds.
func (w Window) Unix() int64 {
	return w.Start
}

// Time returns the window start in UTC.
func (w Window) Time() time.Time {
	return time.Unix(w.Start, 0).UTC()
}

// End returns the first instant that belongs to the next window.
func (w Window) End() time.Time {
	return time.Unix(w.Start+w.Size, 0).UTC()
}

// TTL is how long a native-expiry backend keeps the counter alive.
func (w Window) TTL() time.Duration {
	return time.Duration(w.Size) * time.Second
}

// DateTime renders the window start with DateTimeLayout.
func (w Window) DateTime() string {
	return FormatDateTime(w.Time())
}

func (w Window) String() string {
	return strconv.FormatInt(w.Start, 10)
}

// FormatDateTime renders t in UTC with DateTimeLayout.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format(DateTimeLayout)
}

// ParseDateTime parses a value produced by FormatDateTime.
func ParseDateTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse window datetime %q: %w", s, err)
	}

	return t, nil
}

// ParseCutoff accepts epoch seconds, RFC 3339 or DateTimeLayout.
func ParseCutoff(s string) (time.Time, error) {
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}

	return ParseDateTime(s)
}
