// Package timerange implements the half-open interval strings used to
// address media segments. A range is written as `[start_end)` where the
// endpoints are `seconds:nanoseconds` counters or ISO-8601 timestamps,
// brackets select endpoint inclusivity, and either endpoint may be
// omitted for an open-ended range. The string form is persisted, so
// parsing and serialization round-trip exactly.
package timerange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const nanosPerSecond = 1_000_000_000

// ParseError describes a malformed timerange or timestamp string.
type ParseError struct {
	Input  string
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("invalid timerange %q: token %q: %s", e.Input, e.Token, e.Reason)
	}
	return fmt.Sprintf("invalid timerange %q: %s", e.Input, e.Reason)
}

// IsParseError checks if an error is a timerange parse error.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Timestamp is a point on the media timeline with nanosecond precision.
// The value is Sec whole seconds plus Nsec nanoseconds; Nsec is always
// in [0, 1e9), so a timestamp of -0.5s normalizes to {Sec: -1, Nsec:
// 500000000}. Normalized timestamps compare correctly with ==.
type Timestamp struct {
	Sec  int64
	Nsec uint32
}

// NewTimestamp returns a normalized timestamp from seconds and
// nanoseconds. Nanoseconds may exceed one second; the carry is folded
// into Sec.
func NewTimestamp(sec int64, nsec int64) Timestamp {
	sec += nsec / nanosPerSecond
	nsec %= nanosPerSecond
	if nsec < 0 {
		sec--
		nsec += nanosPerSecond
	}
	return Timestamp{Sec: sec, Nsec: uint32(nsec)}
}

// FromTime converts a wall-clock time to a timestamp.
func FromTime(t time.Time) Timestamp {
	return NewTimestamp(t.Unix(), int64(t.Nanosecond()))
}

// Time converts the timestamp to a wall-clock time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Sec, int64(t.Nsec)).UTC()
}

// Compare returns -1, 0 or +1 ordering t against other.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Sec < other.Sec:
		return -1
	case t.Sec > other.Sec:
		return 1
	case t.Nsec < other.Nsec:
		return -1
	case t.Nsec > other.Nsec:
		return 1
	default:
		return 0
	}
}

// Before reports whether t is strictly earlier than other.
func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }

// After reports whether t is strictly later than other.
func (t Timestamp) After(other Timestamp) bool { return t.Compare(other) > 0 }

// Equal reports whether t and other are the same instant.
func (t Timestamp) Equal(other Timestamp) bool { return t == other }

// String renders the canonical `seconds:nanoseconds` form. Negative
// values render sign-magnitude, so -0.5s is "-0:500000000".
func (t Timestamp) String() string {
	sec, nsec := t.Sec, int64(t.Nsec)
	if sec < 0 && nsec > 0 {
		// Sign-magnitude rendering of the normalized value.
		sec++
		nsec = nanosPerSecond - nsec
		if sec == 0 {
			return fmt.Sprintf("-0:%d", nsec)
		}
	}
	return fmt.Sprintf("%d:%d", sec, nsec)
}

// ParseTimestamp parses a `seconds:nanoseconds` counter or an ISO-8601
// timestamp.
func ParseTimestamp(s string) (Timestamp, error) {
	ts, err := parseTimestampToken(s, s)
	return ts, err
}

func parseTimestampToken(input, token string) (Timestamp, error) {
	if token == "" {
		return Timestamp{}, &ParseError{Input: input, Token: token, Reason: "empty timestamp"}
	}

	// ISO-8601 timestamps always carry a date separator 'T'.
	if strings.ContainsRune(token, 'T') {
		t, err := time.Parse(time.RFC3339Nano, token)
		if err != nil {
			return Timestamp{}, &ParseError{Input: input, Token: token, Reason: "not a valid ISO-8601 timestamp"}
		}
		return FromTime(t), nil
	}

	secPart := token
	nsecPart := ""
	if idx := strings.IndexByte(token, ':'); idx >= 0 {
		secPart, nsecPart = token[:idx], token[idx+1:]
	}

	neg := strings.HasPrefix(secPart, "-")
	sec, err := strconv.ParseInt(strings.TrimPrefix(secPart, "-"), 10, 64)
	if err != nil {
		return Timestamp{}, &ParseError{Input: input, Token: token, Reason: "seconds must be an integer"}
	}

	var nsec int64
	if nsecPart != "" {
		nsec, err = strconv.ParseInt(nsecPart, 10, 64)
		if err != nil || nsec < 0 || nsec >= nanosPerSecond {
			return Timestamp{}, &ParseError{Input: input, Token: token, Reason: "nanoseconds must be in [0, 1e9)"}
		}
	}

	if neg {
		return NewTimestamp(-sec, -nsec), nil
	}
	return NewTimestamp(sec, nsec), nil
}

// TimeRange is a possibly open-ended interval over the media timeline.
// The zero value is the eternal range (no bounds). Start defaults to
// inclusive and end to exclusive, matching the written form `[s_e)`.
type TimeRange struct {
	Start     Timestamp
	End       Timestamp
	HasStart  bool
	HasEnd    bool
	ExclStart bool // '(' instead of '['
	InclEnd   bool // ']' instead of ')'
}

// New returns the closed-start, open-end range [start, end).
func New(start, end Timestamp) TimeRange {
	return TimeRange{Start: start, End: end, HasStart: true, HasEnd: true}
}

// Eternity returns the range with no bounds.
func Eternity() TimeRange {
	return TimeRange{}
}

// Parse reads a timerange string such as "[0:0_10:0)", "_10:0)",
// "[1:500000000_" or "_". Missing brackets default to inclusive start
// and exclusive end.
func Parse(s string) (TimeRange, error) {
	if s == "" {
		return TimeRange{}, &ParseError{Input: s, Reason: "empty timerange"}
	}

	var tr TimeRange
	body := s

	switch body[0] {
	case '[':
		body = body[1:]
	case '(':
		tr.ExclStart = true
		body = body[1:]
	}
	if n := len(body); n > 0 {
		switch body[n-1] {
		case ')':
			body = body[:n-1]
		case ']':
			tr.InclEnd = true
			body = body[:n-1]
		}
	}

	idx := strings.IndexByte(body, '_')
	if idx < 0 {
		return TimeRange{}, &ParseError{Input: s, Token: body, Reason: "missing '_' separator"}
	}
	startTok, endTok := body[:idx], body[idx+1:]
	if strings.IndexByte(endTok, '_') >= 0 {
		return TimeRange{}, &ParseError{Input: s, Token: endTok, Reason: "multiple '_' separators"}
	}

	if startTok != "" {
		ts, err := parseTimestampToken(s, startTok)
		if err != nil {
			return TimeRange{}, err
		}
		tr.Start = ts
		tr.HasStart = true
	}
	if endTok != "" {
		ts, err := parseTimestampToken(s, endTok)
		if err != nil {
			return TimeRange{}, err
		}
		tr.End = ts
		tr.HasEnd = true
	}

	if tr.HasStart && tr.HasEnd {
		if c := tr.Start.Compare(tr.End); c > 0 {
			return TimeRange{}, &ParseError{Input: s, Reason: "start is after end"}
		} else if c == 0 && (tr.ExclStart || !tr.InclEnd) {
			return TimeRange{}, &ParseError{Input: s, Reason: "empty interval"}
		}
	}

	// Inclusivity on an absent endpoint has no meaning; normalize it
	// away so equality holds after a round trip.
	if !tr.HasStart {
		tr.ExclStart = false
	}
	if !tr.HasEnd {
		tr.InclEnd = false
	}

	return tr, nil
}

// MustParse is Parse for static range literals; it panics on error.
func MustParse(s string) TimeRange {
	tr, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return tr
}

// String renders the canonical form. Parse(tr.String()) always equals
// tr for ranges produced by Parse.
func (tr TimeRange) String() string {
	var b strings.Builder
	if tr.HasStart {
		if tr.ExclStart {
			b.WriteByte('(')
		} else {
			b.WriteByte('[')
		}
		b.WriteString(tr.Start.String())
	}
	b.WriteByte('_')
	if tr.HasEnd {
		b.WriteString(tr.End.String())
		if tr.InclEnd {
			b.WriteByte(']')
		} else {
			b.WriteByte(')')
		}
	}
	return b.String()
}

// Contains reports whether the timestamp lies inside the range.
func (tr TimeRange) Contains(ts Timestamp) bool {
	if tr.HasStart {
		c := ts.Compare(tr.Start)
		if c < 0 || (c == 0 && tr.ExclStart) {
			return false
		}
	}
	if tr.HasEnd {
		c := ts.Compare(tr.End)
		if c > 0 || (c == 0 && !tr.InclEnd) {
			return false
		}
	}
	return true
}

// Overlaps reports whether the two ranges share at least one instant.
func (tr TimeRange) Overlaps(other TimeRange) bool {
	_, ok := tr.Intersect(other)
	return ok
}

// Intersect returns the overlapping portion of the two ranges. The
// boolean is false when they do not overlap.
func (tr TimeRange) Intersect(other TimeRange) (TimeRange, bool) {
	out := TimeRange{}

	// Later of the two starts.
	switch {
	case !tr.HasStart:
		out.Start, out.HasStart, out.ExclStart = other.Start, other.HasStart, other.ExclStart
	case !other.HasStart:
		out.Start, out.HasStart, out.ExclStart = tr.Start, tr.HasStart, tr.ExclStart
	default:
		out.HasStart = true
		switch c := tr.Start.Compare(other.Start); {
		case c > 0:
			out.Start, out.ExclStart = tr.Start, tr.ExclStart
		case c < 0:
			out.Start, out.ExclStart = other.Start, other.ExclStart
		default:
			out.Start, out.ExclStart = tr.Start, tr.ExclStart || other.ExclStart
		}
	}

	// Earlier of the two ends.
	switch {
	case !tr.HasEnd:
		out.End, out.HasEnd, out.InclEnd = other.End, other.HasEnd, other.InclEnd
	case !other.HasEnd:
		out.End, out.HasEnd, out.InclEnd = tr.End, tr.HasEnd, tr.InclEnd
	default:
		out.HasEnd = true
		switch c := tr.End.Compare(other.End); {
		case c < 0:
			out.End, out.InclEnd = tr.End, tr.InclEnd
		case c > 0:
			out.End, out.InclEnd = other.End, other.InclEnd
		default:
			out.End, out.InclEnd = tr.End, tr.InclEnd && other.InclEnd
		}
	}

	if out.HasStart && out.HasEnd {
		switch c := out.Start.Compare(out.End); {
		case c > 0:
			return TimeRange{}, false
		case c == 0:
			if out.ExclStart || !out.InclEnd {
				return TimeRange{}, false
			}
		}
	}
	return out, true
}

// Compare orders ranges by start, then by end. An open start sorts
// before every bounded start; an open end sorts after every bounded
// end. At equal instants an inclusive start precedes an exclusive one
// and an exclusive end precedes an inclusive one.
func (tr TimeRange) Compare(other TimeRange) int {
	switch {
	case !tr.HasStart && other.HasStart:
		return -1
	case tr.HasStart && !other.HasStart:
		return 1
	case tr.HasStart && other.HasStart:
		if c := tr.Start.Compare(other.Start); c != 0 {
			return c
		}
		if tr.ExclStart != other.ExclStart {
			if other.ExclStart {
				return -1
			}
			return 1
		}
	}

	switch {
	case !tr.HasEnd && other.HasEnd:
		return 1
	case tr.HasEnd && !other.HasEnd:
		return -1
	case tr.HasEnd && other.HasEnd:
		if c := tr.End.Compare(other.End); c != 0 {
			return c
		}
		if tr.InclEnd != other.InclEnd {
			if other.InclEnd {
				return -1
			}
			return 1
		}
	}
	return 0
}

// MarshalJSON encodes the range as its string form.
func (tr TimeRange) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(tr.String())), nil
}

// UnmarshalJSON decodes the range from its string form.
func (tr *TimeRange) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("timerange must be a JSON string: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*tr = parsed
	return nil
}
