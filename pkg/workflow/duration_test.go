package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"30s", 30 * time.Second},
		{"1m", time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"0ms", 0},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseDurationMalformed(t *testing.T) {
	for _, in := range []string{"", "5", "5x", " 5s", "5s ", "-5s", "5.5s"} {
		_, err := ParseDuration(in)
		require.Error(t, err, in)
		assert.Equal(t, KindValidation, KindOf(err), in)
	}
}

func TestFormatDurationRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{0, time.Millisecond, 30 * time.Second, 90 * time.Minute} {
		s := FormatDuration(d)
		got, err := ParseDuration(s)
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
}
