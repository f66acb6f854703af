package queue

import (
	"context"
	"errors"
	"strings"
)

// nonRetryable patterns are checked first: cancellation and caller mistakes
// will not produce a different outcome on a second attempt.
var nonRetryablePatterns = []string{
	"cancel",
	"abort",
	"invalid",
	"unauthorized",
	"401",
	"403",
	"404",
}

// retryable patterns cover transient upstream and transport failures.
var retryablePatterns = []string{
	"timeout",
	"timed out",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"connection reset",
	"connection refused",
	"socket hang up",
}

// Retryable reports whether a failed task should be re-attempted. The error
// text is matched case-insensitively against the non-retryable set first,
// then the retryable set; errors matching neither are retried as a
// conservative default. Context cancellation is never retried regardless of
// its text.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	text := strings.ToLower(err.Error())
	for _, p := range nonRetryablePatterns {
		if strings.Contains(text, p) {
			return false
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return true
}
