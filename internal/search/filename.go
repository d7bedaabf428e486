package search

import (
	"regexp"
	"strconv"
	"time"
)

// nameSlack widens a file name time that carries no zone. Rotating capture
// tools usually stamp names in local time, and no zone is further than 14h
// from UTC.
const nameSlack = 14 * time.Hour

var (
	// 20240101T120000, 20240101_120000, 2024-01-01T12:00:00, 2024-01-01_12-00-00 ...
	datePattern  = regexp.MustCompile(`(\d{4})-?(\d{2})-?(\d{2})[T_\-. ]?(\d{2})[:\-.]?(\d{2})[:\-.]?(\d{2})(Z)?`)
	epochPattern = regexp.MustCompile(`(?:^|\D)(\d{10})(?:\D|$)`)
)

// timeFromName extracts the capture start time a rotating writer encoded in
// the file name. ok is false when the name carries no plausible time.
func timeFromName(name string) (t time.Time, ok bool) {
	if m := datePattern.FindStringSubmatch(name); m != nil {
		var n [6]int
		for i := range n {
			n[i], _ = strconv.Atoi(m[i+1])
		}
		if plausibleDate(n) {
			t = time.Date(n[0], time.Month(n[1]), n[2], n[3], n[4], n[5], 0, time.UTC)
			if m[7] != "Z" {
				t = t.Add(-nameSlack)
			}
			return t, true
		}
	}
	if m := epochPattern.FindStringSubmatch(name); m != nil {
		secs, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			t = time.Unix(secs, 0).UTC()
			if t.Year() >= minYear && t.Year() <= maxYear {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

const (
	minYear = 1990
	maxYear = 2200
)

func plausibleDate(n [6]int) bool {
	return n[0] >= minYear && n[0] <= maxYear &&
		n[1] >= 1 && n[1] <= 12 &&
		n[2] >= 1 && n[2] <= 31 &&
		n[3] <= 23 && n[4] <= 59 && n[5] <= 60
}
