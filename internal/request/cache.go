package request

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CacheHeader asks the proxy to mark the response cacheable.
const CacheHeader = "X-Corsfix-Cache"

const (
	DefaultCacheDuration = time.Hour
	MaxCacheDuration     = 24 * time.Hour
)

var cacheDurationPattern = regexp.MustCompile(`(?i)^(\d+)(s|m|h|d)?$`)

// ParseCacheDuration parses an x-corsfix-cache value such as "30", "10m" or
// "2h". Unparseable or non-positive values yield DefaultCacheDuration; the
// result is capped at MaxCacheDuration.
func ParseCacheDuration(value string) time.Duration {
	m := cacheDurationPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return DefaultCacheDuration
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		// Overflowing values are still "large"
		if err != nil {
			return MaxCacheDuration
		}
		return DefaultCacheDuration
	}

	var unit time.Duration
	switch strings.ToLower(m[2]) {
	case "", "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n > int64(MaxCacheDuration/unit) {
		return MaxCacheDuration
	}
	return time.Duration(n) * unit
}
