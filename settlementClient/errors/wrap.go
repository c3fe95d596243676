package errors

import (
	"context"
	"errors"
	"strings"
)

// IsCode checks if an error is a SettleError with specific code
func IsCode(err error, code ErrorCode) bool {
	var settleErr *SettleError
	if errors.As(err, &settleErr) {
		return settleErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost SettleError, or "" when err is not one
func CodeOf(err error) ErrorCode {
	var settleErr *SettleError
	if errors.As(err, &settleErr) {
		return settleErr.Code
	}
	return ""
}

// IsRetryable checks if an error is transient
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var settleErr *SettleError
	if errors.As(err, &settleErr) {
		return settleErr.IsRetryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return matchesAny(err.Error(), transientPatterns)
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many requests",
	"rate limit",
	"429",
	"eof",
}

func matchesAny(s string, patterns []string) bool {
	lower := strings.ToLower(s)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
