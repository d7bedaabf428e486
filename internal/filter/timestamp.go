package filter

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultTimestamp is used when a request carries no timestamp.
const DefaultTimestamp = "1970-01-01T00:00:00"

var (
	// ErrInvalidTimestamp means the timestamp matched none of the accepted formats.
	ErrInvalidTimestamp = errors.New("timestamp is not in RFC3339 or YYYY-MM-DDTHH:MM:SS[.f][±hhmm] format")
	// ErrInvalidBuffer means the buffer is not a non-negative number of seconds.
	ErrInvalidBuffer = errors.New("buffer must be a non-negative number of seconds")
)

// Fallback layouts, tried in order after RFC 3339. Go accepts a fractional
// second after the seconds field even when the layout omits it.
var fallbackLayouts = []string{
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05-07",
	"2006-01-02T15:04:05", // no offset means UTC
}

// ParseTimestamp converts caller supplied text into an instant.
func ParseTimestamp(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return t, nil
	}
	for _, layout := range fallbackLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, text)
}

// ParseBuffer converts the buffer text into a duration. Plain numbers are
// seconds and may be fractional; Go duration strings such as "90s" are also
// accepted. Empty text is a zero buffer.
func ParseBuffer(text string) (time.Duration, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(text, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidBuffer, text)
		}
		if secs >= math.MaxInt64/float64(time.Second) {
			return 0, fmt.Errorf("%w: %q is too large", ErrInvalidBuffer, text)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(text)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBuffer, text)
	}
	return d, nil
}
