package monitoring

import (
	"time"

	"tailscale.com/types/logger"
)

// NewRateLimited returns a logger that forwards to Logf at most burst times
// per interval for each distinct format string. It is meant for per-frame
// diagnostics, where a blink can otherwise produce one line per frame.
//
// Logf is looked up on every call so a later SetLogger still applies.
func NewRateLimited(interval time.Duration, burst int) func(format string, v ...interface{}) {
	return logger.RateLimitedFn(func(format string, args ...any) {
		Logf(format, args...)
	}, interval, burst, 100)
}
