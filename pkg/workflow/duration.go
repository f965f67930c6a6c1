package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// durationPattern is the DurationString grammar: an integer followed by
// one of ms, s, m, h, d. No whitespace permitted.
var durationPattern = regexp.MustCompile(`^([0-9]+)(ms|s|m|h|d)$`)

var durationUnitMillis = map[string]int64{
	"ms": 1,
	"s":  1000,
	"m":  60000,
	"h":  3600000,
	"d":  86400000,
}

// ParseDuration parses a DurationString (e.g. "500ms", "30s", "1d") into a
// duration. Malformed strings are a ValidationError.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, NewError(KindValidation, fmt.Sprintf("malformed duration string %q", s), nil)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, NewError(KindValidation, fmt.Sprintf("malformed duration string %q", s), err)
	}
	ms := n * durationUnitMillis[m[2]]
	return time.Duration(ms) * time.Millisecond, nil
}

// FormatDuration renders a duration as a DurationString in milliseconds,
// the canonical unit ParseDuration(FormatDuration(d)) round-trips through.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
