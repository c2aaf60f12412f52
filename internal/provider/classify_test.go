package provider

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyTransient(t *testing.T) {
	messages := []string{
		"Over Concurrency Limit",
		"concurrent call limit reached",
		"rate limit exceeded",
		"too many requests",
		"request failed with 429",
		"provider returned status 500: internal error",
		"provider returned status 503: service unavailable",
		"bad gateway",
		"context deadline exceeded",
		"dial tcp: connection refused",
		"read: connection reset by peer",
		"request timed out",
		"network is unreachable",
	}

	for _, message := range messages {
		require.Equal(t, Transient, Classify(message), "message: %s", message)
	}
}

func TestClassifyPermanent(t *testing.T) {
	messages := []string{
		"invalid phone number",
		"authentication failed",
		"unauthorized",
		"destination number is not valid",
		"validation error: missing agent id",
		"",
	}

	for _, message := range messages {
		require.Equal(t, Permanent, Classify(message), "message: %s", message)
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	require.Equal(t, Transient, Classify("RATE LIMIT"))
	require.Equal(t, Transient, Classify("Timeout While Dialing"))
}

func TestClassifyDeterministic(t *testing.T) {
	message := "provider returned status 502: bad gateway"

	first := Classify(message)
	for range 10 {
		require.Equal(t, first, Classify(message))
	}
}
