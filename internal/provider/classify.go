package provider

import "strings"

// Category is the retry class of a provider failure.
type Category string

const (
	// Transient failures are worth retrying: the call may well succeed once
	// capacity frees up or the provider recovers.
	Transient Category = "transient"
	// Permanent failures will fail the same way every time; retrying them
	// only burns concurrency slots.
	Permanent Category = "permanent"
)

// Signals treated as transient. Keyed by lowercase substring match against
// the provider failure message. Anything not matched here is permanent:
// a message that cannot be recognized as capacity or infrastructure trouble
// must not be allowed to loop.
var transientSignals = []string{
	// concurrency / rate limiting
	"concurrency",
	"concurrent call",
	"rate limit",
	"too many requests",
	"429",
	// server-side failures
	"status 500",
	"status 502",
	"status 503",
	"status 504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"server error",
	// timeouts / network
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"no such host",
	"network",
	"temporarily unavailable",
	"econnreset",
}

// Classify maps a provider failure message to its retry category. Pure and
// deterministic: the same message always yields the same category.
func Classify(errorMessage string) Category {
	msg := strings.ToLower(errorMessage)

	for _, signal := range transientSignals {
		if strings.Contains(msg, signal) {
			return Transient
		}
	}

	return Permanent
}
