// Package picotime implements the picosecond resolution timestamp carried by
// every capture header.
package picotime

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

// PicosPerSecond is the number of picoseconds in one second.
const PicosPerSecond uint64 = 1_000_000_000_000

const (
	picosPerMicro = 1_000_000
	picosPerNano  = 1_000
	maxFracDigits = 12
)

// Time is a timestamp with picosecond resolution. Psec is always below
// PicosPerSecond.
type Time struct {
	Sec  uint32
	Psec uint64
}

// parse layouts, tried in order; all are interpreted in local time
var layouts = []string{
	"2006-01-02 15:04:05",
	"20060102 15:04:05",
	"060102 15:04:05",
}

// FromTimeval converts a seconds/microseconds pair. A negative or oversized
// usec borrows from or carries into sec.
func FromTimeval(sec, usec int64) Time {
	sec += usec / 1_000_000
	usec %= 1_000_000
	if usec < 0 {
		usec += 1_000_000
		sec--
	}
	return Time{Sec: uint32(sec), Psec: uint64(usec) * picosPerMicro}
}

// FromTimespec converts a seconds/nanoseconds pair.
func FromTimespec(sec, nsec int64) Time {
	sec += nsec / 1_000_000_000
	nsec %= 1_000_000_000
	if nsec < 0 {
		nsec += 1_000_000_000
		sec--
	}
	return Time{Sec: uint32(sec), Psec: uint64(nsec) * picosPerNano}
}

// FromTime converts a time.Time, keeping its full nanosecond precision.
func FromTime(t time.Time) Time {
	return FromTimespec(t.Unix(), int64(t.Nanosecond()))
}

// Now returns the current wall clock time.
func Now() Time {
	return FromTime(time.Now())
}

// Time returns the timestamp as time.Time, truncated to nanoseconds.
func (t Time) Time() time.Time {
	return time.Unix(int64(t.Sec), int64(t.Psec/picosPerNano))
}

// Timeval returns the timestamp as seconds and microseconds, truncating.
func (t Time) Timeval() (sec, usec int64) {
	return int64(t.Sec), int64(t.Psec / picosPerMicro)
}

func (t Time) IsZero() bool {
	return t.Sec == 0 && t.Psec == 0
}

// Compare returns -1, 0 or +1 depending on whether t is before, equal to or
// after o.
func (t Time) Compare(o Time) int {
	switch {
	case t.Sec < o.Sec:
		return -1
	case t.Sec > o.Sec:
		return 1
	case t.Psec < o.Psec:
		return -1
	case t.Psec > o.Psec:
		return 1
	}
	return 0
}

func (t Time) Before(o Time) bool { return t.Compare(o) < 0 }

func (t Time) After(o Time) bool { return t.Compare(o) > 0 }

// Sub returns t-o. The result is zero when o is after t.
func (t Time) Sub(o Time) Time {
	if t.Before(o) {
		return Time{}
	}
	sec := t.Sec - o.Sec
	if t.Psec < o.Psec {
		return Time{Sec: sec - 1, Psec: t.Psec + PicosPerSecond - o.Psec}
	}
	return Time{Sec: sec, Psec: t.Psec - o.Psec}
}

// Add returns t+o.
func (t Time) Add(o Time) Time {
	r := Time{Sec: t.Sec + o.Sec, Psec: t.Psec + o.Psec}
	if r.Psec >= PicosPerSecond {
		r.Sec++
		r.Psec -= PicosPerSecond
	}
	return r
}

// String formats the timestamp as seconds with twelve fractional digits.
func (t Time) String() string {
	return fmt.Sprintf("%d.%012d", t.Sec, t.Psec)
}

// Format renders the seconds part in UTC using a time.Format layout and
// appends the picosecond fraction.
func (t Time) Format(layout string) string {
	return time.Unix(int64(t.Sec), 0).UTC().Format(layout) + fmt.Sprintf(".%012d", t.Psec)
}

// Parse reads a timestamp as a local date ("2006-01-02 15:04:05",
// "20060102 15:04:05" or "060102 15:04:05") or as epoch seconds, each
// optionally followed by a fraction of up to twelve digits.
func Parse(s string) (Time, error) {
	s = strings.TrimSpace(s)
	whole, frac, hasFrac := strings.Cut(s, ".")

	var psec uint64
	if hasFrac {
		var err error
		if psec, err = parseFraction(frac); err != nil {
			return Time{}, fmt.Errorf("%w: timestamp %q: %v", caperr.ErrInvalidArgument, s, err)
		}
	}

	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, whole, time.Local); err == nil {
			if ts.Unix() < 0 {
				break
			}
			return Time{Sec: uint32(ts.Unix()), Psec: psec}, nil
		}
	}

	sec, err := strconv.ParseUint(whole, 10, 32)
	if err != nil {
		return Time{}, fmt.Errorf("%w: timestamp %q", caperr.ErrInvalidArgument, s)
	}
	return Time{Sec: uint32(sec), Psec: psec}, nil
}

// parseFraction scales a decimal fraction to picoseconds without going
// through floating point.
func parseFraction(frac string) (uint64, error) {
	if frac == "" || len(frac) > maxFracDigits {
		return 0, fmt.Errorf("fraction must have 1-%d digits", maxFracDigits)
	}
	for _, c := range frac {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid digit %q", c)
		}
	}
	frac += strings.Repeat("0", maxFracDigits-len(frac))
	return strconv.ParseUint(frac, 10, 64)
}
