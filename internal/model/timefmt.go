package model

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// FormatUnix renders t as Unix seconds with a microsecond fraction, the
// timestamp format of every CSV the pipeline writes.
func FormatUnix(t time.Time) string {
	us := t.UnixMicro()
	sec, frac := us/1e6, us%1e6
	if frac < 0 {
		sec--
		frac += 1e6
	}
	return fmt.Sprintf("%d.%06d", sec, frac)
}

// ParseUnix parses fractional Unix seconds as written by FormatUnix.
func ParseUnix(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("invalid unix timestamp %q", s)
	}
	sec := math.Floor(f)
	us := math.Round((f - sec) * 1e6)
	return time.Unix(int64(sec), int64(us)*int64(time.Microsecond)), nil
}
