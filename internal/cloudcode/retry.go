package cloudcode

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultCooldown is the rate-limit cooldown applied when the upstream gives
// no usable retry hint.
const DefaultCooldown = 60 * time.Second

// ParseRetryAfter extracts the retry delay from a 429 response. It checks, in
// order: the Retry-After header (delta-seconds or HTTP-date), the RetryInfo
// detail in the JSON error body, and a top-level retryDelay field. When none
// yield a positive duration it falls back to DefaultCooldown.
func ParseRetryAfter(header http.Header, body []byte) time.Duration {
	if d, ok := parseRetryAfterHeader(header.Get("Retry-After")); ok {
		return d
	}
	if d, ok := parseRetryDelayBody(body); ok {
		return d
	}
	return DefaultCooldown
}

func parseRetryAfterHeader(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
		return 0, false
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func parseRetryDelayBody(body []byte) (time.Duration, bool) {
	if len(body) == 0 {
		return 0, false
	}

	// google.rpc.RetryInfo detail: {"error":{"details":[{"@type":".../RetryInfo","retryDelay":"39s"}]}}
	// Some error bodies nest it one level deeper under a retryInfo key.
	details := gjson.GetBytes(body, "error.details")
	if details.IsArray() {
		for _, detail := range details.Array() {
			delay := detail.Get("retryDelay").String()
			if d, ok := parseDurationString(delay); ok {
				return d, true
			}
			if d, ok := parseDurationString(detail.Get("retryInfo.retryDelay").String()); ok {
				return d, true
			}
		}
	}

	if d, ok := parseDurationString(gjson.GetBytes(body, "retryInfo.retryDelay").String()); ok {
		return d, true
	}

	return 0, false
}

// parseDurationString handles protobuf Duration JSON encodings like "39s" or
// "1.5s" as well as plain Go duration strings.
func parseDurationString(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, true
	}
	return 0, false
}
