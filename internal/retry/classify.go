package retry

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind names a failure class.
type Kind string

const (
	KindRateLimit    Kind = "rate_limit"
	KindServerError  Kind = "server_error"
	KindNetworkError Kind = "network_error"
	KindAuthError    Kind = "auth_error"
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindUnknown      Kind = "unknown"
)

// Classification is the retry engine's verdict on one failure.
type Classification struct {
	Recoverable bool
	Kind        Kind
	// RetryAfter bounds the backoff wait when the service told us how
	// long to hold off. Zero when no hint was parsed.
	RetryAfter time.Duration
}

// patternGroup maps message substrings to a classification. Groups are
// evaluated in order; the first match wins.
type patternGroup struct {
	kind        Kind
	recoverable bool
	needles     []string
}

// Order matters: auth/not-found/validation outrank the generic server
// and network groups so that e.g. "404" in a longer message is not
// retried as a network blip.
var patternGroups = []patternGroup{
	{KindAuthError, false, []string{"401", "403", "unauthorized", "forbidden", "bad credentials", "authentication"}},
	{KindNotFound, false, []string{"404", "not found", "could not resolve"}},
	{KindValidation, false, []string{"422", "unprocessable", "validation failed"}},
	{KindRateLimit, true, []string{"429", "rate limit", "too many requests", "secondary rate"}},
	{KindServerError, true, []string{"502", "503", "504", "bad gateway", "service unavailable", "gateway timeout", "internal server error"}},
	{KindNetworkError, true, []string{"timeout", "timed out", "connection reset", "connection refused", "no such host", "network is unreachable", "temporary failure in name resolution", "broken pipe", "eof"}},
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]?after[:\s]+(\d+)`)

// Classify derives a Classification from the error's message by matching
// it against the ordered pattern groups. Unclassified errors are
// non-recoverable by default: failing fast beats retrying blindly.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown}
	}
	msg := strings.ToLower(err.Error())

	for _, group := range patternGroups {
		for _, needle := range group.needles {
			if strings.Contains(msg, needle) {
				c := Classification{Recoverable: group.recoverable, Kind: group.kind}
				if group.kind == KindRateLimit {
					c.RetryAfter = parseRetryAfter(msg)
				}
				return c
			}
		}
	}
	return Classification{Kind: KindUnknown}
}

// parseRetryAfter extracts a retry-after hint in seconds from the message.
func parseRetryAfter(msg string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if len(m) != 2 {
		return 0
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
