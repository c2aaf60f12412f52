package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/provider"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/recipient"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type fakeCampaigns struct {
	mu        sync.Mutex
	campaigns map[string]*campaign.Campaign
	counters  map[string]int
}

func newFakeCampaigns(c *campaign.Campaign) *fakeCampaigns {
	return &fakeCampaigns{
		campaigns: map[string]*campaign.Campaign{c.ID: c},
		counters:  make(map[string]int),
	}
}

func (store *fakeCampaigns) GetByID(_ context.Context, campaignID string) (*campaign.Campaign, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	c, ok := store.campaigns[campaignID]
	if !ok {
		return nil, errors.New("campaign not found")
	}

	copied := *c

	return &copied, nil
}

func (store *fakeCampaigns) TransitionStatus(
	_ context.Context,
	campaignID, fromStatus, toStatus string,
) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	c, ok := store.campaigns[campaignID]
	if !ok || c.Status != fromStatus {
		return false, nil
	}

	c.Status = toStatus

	return true, nil
}

func (store *fakeCampaigns) IncrementCounters(
	_ context.Context,
	_ string,
	deltas map[string]int,
) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	for column, delta := range deltas {
		store.counters[column] += delta
	}

	return nil
}

func (store *fakeCampaigns) status(campaignID string) string {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.campaigns[campaignID].Status
}

type fakeRecipients struct {
	mu         sync.Mutex
	recipients map[string]*recipient.Recipient
	order      []string
}

func newFakeRecipients(rows ...*recipient.Recipient) *fakeRecipients {
	store := &fakeRecipients{recipients: make(map[string]*recipient.Recipient)}

	for _, r := range rows {
		store.recipients[r.ID] = r
		store.order = append(store.order, r.ID)
	}

	return store
}

func (store *fakeRecipients) Claim(_ context.Context, recipientID string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	r, ok := store.recipients[recipientID]
	if !ok || r.Status != recipient.StatusPending {
		return false, nil
	}

	r.Status = recipient.StatusProcessing

	return true, nil
}

func (store *fakeRecipients) NextPending(
	_ context.Context,
	campaignID string,
	limit int,
) ([]recipient.Recipient, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var pending []recipient.Recipient

	for _, id := range store.order {
		r := store.recipients[id]
		if r.CampaignID == campaignID && r.Status == recipient.StatusPending {
			pending = append(pending, *r)
			if len(pending) == limit {
				break
			}
		}
	}

	return pending, nil
}

func (store *fakeRecipients) ApplyOutcomes(_ context.Context, outcomes []recipient.Outcome) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	for _, outcome := range outcomes {
		r := store.recipients[outcome.RecipientID]
		r.Status = outcome.Status

		if outcome.Status != recipient.StatusPending {
			r.Attempts++
		}

		if outcome.ExternalCallID != "" {
			r.ExternalCallID = outcome.ExternalCallID
		}

		if outcome.LastError != "" {
			r.LastError = outcome.LastError
		}
	}

	return nil
}

func (store *fakeRecipients) CountByStatus(
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

func (store *fakeRecipients) statusOf(recipientID string) string {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.recipients[recipientID].Status
}

func (store *fakeRecipients) attemptsOf(recipientID string) int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.recipients[recipientID].Attempts
}

type stubCaller struct {
	mu      sync.Mutex
	calls   int
	respond func(req *provider.CallRequest) (string, error)
}

func (caller *stubCaller) CreateOutboundCall(
	_ context.Context,
	_ *provider.Config,
	req *provider.CallRequest,
) (string, error) {
	caller.mu.Lock()
	caller.calls++
	callNumber := caller.calls
	caller.mu.Unlock()

	if caller.respond != nil {
		return caller.respond(req)
	}

	return fmt.Sprintf("call-%d", callNumber), nil
}

func (caller *stubCaller) callCount() int {
	caller.mu.Lock()
	defer caller.mu.Unlock()

	return caller.calls
}

func activeBatchCampaign() *campaign.Campaign {
	return &campaign.Campaign{
		ID:       "camp-1",
		TenantID: "tenant-1",
		Status:   campaign.StatusActive,
	}
}

func batchRecipients(count int) []*recipient.Recipient {
	rows := make([]*recipient.Recipient, 0, count)

	for i := range count {
		rows = append(rows, &recipient.Recipient{
			ID:          fmt.Sprintf("rec-%d", i),
			CampaignID:  "camp-1",
			TenantID:    "tenant-1",
			PhoneNumber: fmt.Sprintf("+1555000%04d", i),
			Status:      recipient.StatusPending,
		})
	}

	return rows
}

func newTestRunner(
	campaigns *fakeCampaigns,
	recipients *fakeRecipients,
	caller *stubCaller,
) *Runner {
	return &Runner{
		Campaigns:        campaigns,
		Recipients:       recipients,
		Provider:         caller,
		ChunkSize:        3,
		ConcurrencyLimit: 2,
		WaveDelay:        time.Millisecond,
		TimeBudget:       time.Minute,
	}
}

func TestRunProcessesAllPending(t *testing.T) {
	campaigns := newFakeCampaigns(activeBatchCampaign())
	recipients := newFakeRecipients(batchRecipients(7)...)
	caller := &stubCaller{}

	runner := newTestRunner(campaigns, recipients, caller)

	result, err := runner.Run(context.Background(), "camp-1", "tenant-1", &provider.Config{}, 0, nil)

	require.NoError(t, err)
	require.Equal(t, 7, result.Processed)
	require.Equal(t, 7, result.Successful)
	require.Zero(t, result.Failed)
	require.Equal(t, 3, result.NextChunk)
	require.Equal(t, 7, caller.callCount())

	calling, err := recipients.CountByStatus(context.Background(), "camp-1", recipient.StatusCalling)
	require.NoError(t, err)
	require.EqualValues(t, 7, calling)

	// Calls are still in flight, so the campaign is not yet completed.
	require.False(t, result.Completed)
	require.Equal(t, campaign.StatusActive, campaigns.status("camp-1"))
}

func TestRunCompletesDrainedCampaign(t *testing.T) {
	campaigns := newFakeCampaigns(activeBatchCampaign())
	recipients := newFakeRecipients(
		&recipient.Recipient{
			ID:         "done",
			CampaignID: "camp-1",
			TenantID:   "tenant-1",
			Status:     recipient.StatusCompleted,
		},
	)

	runner := newTestRunner(campaigns, recipients, &stubCaller{})

	result, err := runner.Run(context.Background(), "camp-1", "tenant-1", &provider.Config{}, 0, nil)

	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, campaign.StatusCompleted, campaigns.status("camp-1"))
}

func TestRunAbortsWhenCampaignPaused(t *testing.T) {
	paused := activeBatchCampaign()
	paused.Status = campaign.StatusPaused

	campaigns := newFakeCampaigns(paused)
	recipients := newFakeRecipients(batchRecipients(3)...)
	caller := &stubCaller{}

	runner := newTestRunner(campaigns, recipients, caller)

	result, err := runner.Run(context.Background(), "camp-1", "tenant-1", &provider.Config{}, 0, nil)

	require.NoError(t, err)
	require.Zero(t, result.Processed)
	require.Zero(t, caller.callCount())
	require.False(t, result.Completed)
}

func TestRunPausesOutsideBusinessHours(t *testing.T) {
	closed := activeBatchCampaign()
	closed.Timezone = "UTC"
	closed.BusinessHours = datatypes.JSON(
		[]byte(`{"enabled":true,"days":{"monday":[{"start":"00:00","end":"00:01"}]}}`),
	)

	campaigns := newFakeCampaigns(closed)
	recipients := newFakeRecipients(batchRecipients(3)...)
	caller := &stubCaller{}

	runner := newTestRunner(campaigns, recipients, caller)

	result, err := runner.Run(context.Background(), "camp-1", "tenant-1", &provider.Config{}, 0, nil)

	require.NoError(t, err)
	require.True(t, result.Paused)
	require.Zero(t, result.Processed)
	require.Zero(t, caller.callCount())
}

func TestRunMixedOutcomes(t *testing.T) {
	campaigns := newFakeCampaigns(activeBatchCampaign())
	recipients := newFakeRecipients(batchRecipients(3)...)

	var transientOnce sync.Once

	caller := &stubCaller{
		respond: func(req *provider.CallRequest) (string, error) {
			switch req.DestinationNumber {
			case "+15550000000":
				return "", errors.New("invalid phone number")
			case "+15550000001":
				var failed bool

				transientOnce.Do(func() {
					failed = true
				})

				if failed {
					return "", errors.New("rate limit exceeded")
				}

				return "call-retry", nil
			default:
				return "call-ok", nil
			}
		},
	}

	runner := newTestRunner(campaigns, recipients, caller)

	result, err := runner.Run(context.Background(), "camp-1", "tenant-1", &provider.Config{}, 0, nil)

	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.NotEmpty(t, result.Errors)

	// Permanent failure is terminal, transient one was retried by a later chunk.
	require.Equal(t, recipient.StatusFailed, recipients.statusOf("rec-0"))
	require.Equal(t, recipient.StatusCalling, recipients.statusOf("rec-1"))
	require.Equal(t, recipient.StatusCalling, recipients.statusOf("rec-2"))

	require.Equal(t, 1, campaigns.counters[campaign.CounterFailed])
	require.Equal(t, -1, campaigns.counters[campaign.CounterPending])

	// The requeue after the transient failure consumed no attempt, only the
	// eventual successful start did.
	require.Equal(t, 1, recipients.attemptsOf("rec-1"))
}

func TestRunTimeBudgetYieldsResumptionMarker(t *testing.T) {
	campaigns := newFakeCampaigns(activeBatchCampaign())
	recipients := newFakeRecipients(batchRecipients(5)...)
	caller := &stubCaller{}

	runner := newTestRunner(campaigns, recipients, caller)
	runner.TimeBudget = time.Nanosecond

	result, err := runner.Run(context.Background(), "camp-1", "tenant-1", &provider.Config{}, 4, nil)

	require.NoError(t, err)
	require.Zero(t, result.Processed)
	require.Equal(t, 4, result.NextChunk)
	require.Zero(t, caller.callCount())
}

func TestRunReportsProgress(t *testing.T) {
	campaigns := newFakeCampaigns(activeBatchCampaign())
	recipients := newFakeRecipients(batchRecipients(6)...)
	caller := &stubCaller{}

	runner := newTestRunner(campaigns, recipients, caller)

	var reports []Progress

	result, err := runner.Run(
		context.Background(), "camp-1", "tenant-1", &provider.Config{}, 0,
		func(progress Progress) {
			reports = append(reports, progress)
		},
	)

	require.NoError(t, err)
	require.Equal(t, 6, result.Processed)
	require.Len(t, reports, 2)

	require.Equal(t, 3, reports[0].Processed)
	require.InDelta(t, 50.0, reports[0].PercentComplete, 0.01)
	require.Positive(t, reports[0].EstimatedRemaining)

	require.Equal(t, 6, reports[1].Processed)
	require.InDelta(t, 100.0, reports[1].PercentComplete, 0.01)
	require.EqualValues(t, 6, reports[1].Total)
}
