// Package bytesize formats and parses the byte counts reported by the
// memory cache, the buffer pool and the disk cache.
//
// The integer counts are authoritative; the strings produced here are for
// diagnostics only.
package bytesize

import (
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
)

var ErrOverflow = errors.New("bytesize: value overflows int64")

// Format renders n using binary units, e.g. "10 MiB".
func Format(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// Parse accepts both SI ("10MB") and IEC ("10MiB") suffixes.
func Parse(s string) (int64, error) {
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("bytesize: parse %q: %w", s, err)
	}
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("bytesize: parse %q: %w", s, ErrOverflow)
	}
	return int64(v), nil
}

// Percent returns size as a percentage of max, 0 when max is not positive.
func Percent(size, max int64) float64 {
	if max <= 0 {
		return 0
	}
	return float64(size) * 100 / float64(max)
}

// Usage renders "size/max (pct%)".
func Usage(size, max int64) string {
	return fmt.Sprintf("%s/%s (%.0f%%)", Format(size), Format(max), Percent(size, max))
}
