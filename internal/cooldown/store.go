package cooldown

import (
	"context"
	"time"
)

// Store holds, per campaign, "do not attempt replacement dispatch before T".
// Entered after exhausting retries on a transient provider failure; cleared
// whenever a dispatch attempt succeeds, on the reasoning that a successful
// start is evidence capacity has freed up.
//
// The memory implementation is process-local, which matches single-process
// deployments. Horizontally scaled deployments should use the redis store so
// the window survives across trigger processes.
type Store interface {
	Enter(ctx context.Context, campaignID string, duration time.Duration) error
	IsActive(ctx context.Context, campaignID string) (bool, time.Duration, error)
	Clear(ctx context.Context, campaignID string) error
}
