package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/recipient"
	"github.com/stretchr/testify/require"
)

type fakeCampaignStore struct {
	mu       sync.Mutex
	statuses map[string]string
	counters map[string]map[string]int
}

func newFakeCampaignStore() *fakeCampaignStore {
	return &fakeCampaignStore{
		statuses: make(map[string]string),
		counters: make(map[string]map[string]int),
	}
}

func (store *fakeCampaignStore) TransitionStatus(
	_ context.Context,
	campaignID, fromStatus, toStatus string,
) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.statuses[campaignID] != fromStatus {
		return false, nil
	}

	store.statuses[campaignID] = toStatus

	return true, nil
}

func (store *fakeCampaignStore) IncrementCounters(
	_ context.Context,
	campaignID string,
	deltas map[string]int,
) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	counters, ok := store.counters[campaignID]
	if !ok {
		counters = make(map[string]int)
		store.counters[campaignID] = counters
	}

	for column, delta := range deltas {
		counters[column] += delta
	}

	return nil
}

func (store *fakeCampaignStore) counter(campaignID, column string) int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.counters[campaignID][column]
}

type fakeRecipientStore struct {
	mu         sync.Mutex
	recipients map[string]*recipient.Recipient
	staleIDs   []string
}

func newFakeRecipientStore(recipients ...*recipient.Recipient) *fakeRecipientStore {
	store := &fakeRecipientStore{
		recipients: make(map[string]*recipient.Recipient),
	}

	for _, r := range recipients {
		store.recipients[r.ID] = r
	}

	return store
}

func (store *fakeRecipientStore) ReleaseStaleProcessing(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (store *fakeRecipientStore) ListStaleCalling(
	_ context.Context,
	_ time.Time,
	_ int,
) ([]recipient.Recipient, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var stale []recipient.Recipient

	for _, id := range store.staleIDs {
		stale = append(stale, *store.recipients[id])
	}

	return stale, nil
}

func (store *fakeRecipientStore) FailAbandonedCall(
	_ context.Context,
	recipientID, lastError string,
) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	r, ok := store.recipients[recipientID]
	if !ok || r.Status != recipient.StatusCalling {
		return false, nil
	}

	r.Status = recipient.StatusFailed
	r.LastError = lastError

	return true, nil
}

func (store *fakeRecipientStore) CountByStatus(
	_ context.Context,
	campaignID, status string,
) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var count int64

	for _, r := range store.recipients {
		if r.CampaignID == campaignID && r.Status == status {
			count++
		}
	}

	return count, nil
}

func (store *fakeRecipientStore) statusOf(recipientID string) string {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.recipients[recipientID].Status
}

func TestSweepFailsAbandonedCallAndCompletesCampaign(t *testing.T) {
	campaigns := newFakeCampaignStore()
	campaigns.statuses["camp-1"] = campaign.StatusActive

	recipients := newFakeRecipientStore(&recipient.Recipient{
		ID:         "rec-0",
		CampaignID: "camp-1",
		TenantID:   "tenant-1",
		Status:     recipient.StatusCalling,
	})
	recipients.staleIDs = []string{"rec-0"}

	worker := &Worker{Campaigns: campaigns, Recipients: recipients}
	worker.sweep(context.Background())

	require.Equal(t, recipient.StatusFailed, recipients.statusOf("rec-0"))
	require.Equal(t, 1, campaigns.counter("camp-1", campaign.CounterFailed))
	require.Equal(t, -1, campaigns.counter("camp-1", campaign.CounterPending))
	require.Equal(t, campaign.StatusCompleted, campaigns.statuses["camp-1"])
}

func TestSweepSkipsRowSettledByLateTerminationEvent(t *testing.T) {
	campaigns := newFakeCampaignStore()
	campaigns.statuses["camp-1"] = campaign.StatusActive

	// The row was listed as stale, but a late termination event settled it
	// before the sweep got to it. The conditional update must lose and the
	// already-applied completion counters must stay untouched.
	recipients := newFakeRecipientStore(&recipient.Recipient{
		ID:         "rec-0",
		CampaignID: "camp-1",
		TenantID:   "tenant-1",
		Status:     recipient.StatusCompleted,
	})
	recipients.staleIDs = []string{"rec-0"}

	worker := &Worker{Campaigns: campaigns, Recipients: recipients}
	worker.sweep(context.Background())

	require.Equal(t, recipient.StatusCompleted, recipients.statusOf("rec-0"))
	require.Equal(t, 0, campaigns.counter("camp-1", campaign.CounterFailed))
	require.Equal(t, 0, campaigns.counter("camp-1", campaign.CounterPending))
	require.Equal(t, campaign.StatusActive, campaigns.statuses["camp-1"])
}
