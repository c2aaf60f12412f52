package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/cooldown"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/provider"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/recipient"
	"github.com/stretchr/testify/require"
)

type fakeCampaignStore struct {
	mu        sync.Mutex
	campaigns map[string]*campaign.Campaign
	counters  map[string]map[string]int
}

func newFakeCampaignStore(campaigns ...*campaign.Campaign) *fakeCampaignStore {
	store := &fakeCampaignStore{
		campaigns: make(map[string]*campaign.Campaign),
		counters:  make(map[string]map[string]int),
	}

	for _, c := range campaigns {
		store.campaigns[c.ID] = c
	}

	return store
}

func (store *fakeCampaignStore) GetByID(_ context.Context, campaignID string) (*campaign.Campaign, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	c, ok := store.campaigns[campaignID]
	if !ok {
		return nil, errors.New("campaign not found")
	}

	copied := *c

	return &copied, nil
}

func (store *fakeCampaignStore) TransitionStatus(
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

func (store *fakeCampaignStore) status(campaignID string) string {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.campaigns[campaignID].Status
}

type fakeRecipientStore struct {
	mu         sync.Mutex
	recipients map[string]*recipient.Recipient
	order      []string
}

func newFakeRecipientStore(recipients ...*recipient.Recipient) *fakeRecipientStore {
	store := &fakeRecipientStore{
		recipients: make(map[string]*recipient.Recipient),
	}

	for _, r := range recipients {
		store.recipients[r.ID] = r
		store.order = append(store.order, r.ID)
	}

	return store
}

func (store *fakeRecipientStore) Claim(_ context.Context, recipientID string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	r, ok := store.recipients[recipientID]
	if !ok || r.Status != recipient.StatusPending {
		return false, nil
	}

	now := time.Now()
	r.Status = recipient.StatusProcessing
	r.LastAttemptAt = &now

	return true, nil
}

func (store *fakeRecipientStore) NextPending(
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

func (store *fakeRecipientStore) MarkCalling(_ context.Context, recipientID, externalCallID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := time.Now()
	r := store.recipients[recipientID]
	r.Status = recipient.StatusCalling
	r.ExternalCallID = externalCallID
	r.CallStartedAt = &now
	r.Attempts++

	return nil
}

func (store *fakeRecipientStore) MarkFailed(_ context.Context, recipientID, lastError string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	r := store.recipients[recipientID]
	r.Status = recipient.StatusFailed
	r.LastError = lastError
	r.Attempts++

	return nil
}

func (store *fakeRecipientStore) Revert(_ context.Context, recipientID, lastError string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	r := store.recipients[recipientID]
	if r.Status != recipient.StatusProcessing {
		return nil
	}

	r.Status = recipient.StatusPending
	r.LastError = lastError

	return nil
}

func (store *fakeRecipientStore) CountActiveCalling(
	_ context.Context,
	campaignID string,
	staleBefore time.Time,
) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var count int64

	for _, r := range store.recipients {
		if r.CampaignID == campaignID && r.Status == recipient.StatusCalling &&
			r.CallStartedAt != nil && r.CallStartedAt.After(staleBefore) {
			count++
		}
	}

	return count, nil
}

func (store *fakeRecipientStore) CountActiveCallingByTenant(
	_ context.Context,
	tenantID string,
	staleBefore time.Time,
) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var count int64

	for _, r := range store.recipients {
		if r.TenantID == tenantID && r.Status == recipient.StatusCalling &&
			r.CallStartedAt != nil && r.CallStartedAt.After(staleBefore) {
			count++
		}
	}

	return count, nil
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

type fakeCaller struct {
	mu      sync.Mutex
	calls   int
	respond func(req *provider.CallRequest) (string, error)
}

func (caller *fakeCaller) CreateOutboundCall(
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

func (caller *fakeCaller) callCount() int {
	caller.mu.Lock()
	defer caller.mu.Unlock()

	return caller.calls
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (publisher *fakeEvents) PublishCampaignEvent(
	_ context.Context,
	eventType, _, _ string,
) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	publisher.events = append(publisher.events, eventType)

	return nil
}

func (publisher *fakeEvents) published() []string {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	return append([]string(nil), publisher.events...)
}

func activeCampaign() *campaign.Campaign {
	return &campaign.Campaign{
		ID:       "camp-1",
		TenantID: "tenant-1",
		Name:     "launch",
		Status:   campaign.StatusActive,
	}
}

func pendingRecipients(count int) []*recipient.Recipient {
	recipients := make([]*recipient.Recipient, 0, count)

	for i := range count {
		recipients = append(recipients, &recipient.Recipient{
			ID:          fmt.Sprintf("rec-%d", i),
			CampaignID:  "camp-1",
			TenantID:    "tenant-1",
			PhoneNumber: fmt.Sprintf("+1555000%04d", i),
			FirstName:   "Lee",
			Status:      recipient.StatusPending,
		})
	}

	return recipients
}

func newTestDispatcher(
	campaigns *fakeCampaignStore,
	recipients *fakeRecipientStore,
	caller *fakeCaller,
	events *fakeEvents,
) *Dispatcher {
	return &Dispatcher{
		Campaigns:  campaigns,
		Recipients: recipients,
		Provider:   caller,
		Cooldown:   cooldown.NewMemoryStore(),
		Accountant: &Accountant{
			Recipients:       recipients,
			PerCampaignLimit: 3,
			PerTenantLimit:   5,
			StaleThreshold:   30 * time.Minute,
		},
		Events:            events,
		SeedBatchSize:     3,
		SeedStartDelay:    time.Millisecond,
		ReplaceMaxRetries: 3,
		RetryMinBackoff:   time.Millisecond,
		RetryMaxBackoff:   5 * time.Millisecond,
		CooldownDuration:  time.Minute,
	}
}

func TestSeedStartsUpToSlotLimit(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())
	recipients := newFakeRecipientStore(pendingRecipients(10)...)
	caller := &fakeCaller{}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, &fakeEvents{})

	result, err := dispatcher.Seed(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Equal(t, 3, result.Started)
	require.Zero(t, result.Failed)
	require.EqualValues(t, 7, result.Remaining)
	require.Equal(t, 3, caller.callCount())

	calling, err := recipients.CountByStatus(context.Background(), "camp-1", recipient.StatusCalling)
	require.NoError(t, err)
	require.EqualValues(t, 3, calling)
}

func TestSeedRespectsTenantLimit(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())

	rows := pendingRecipients(5)
	now := time.Now()

	// Four calls already in flight for the tenant under another campaign.
	for i := range 4 {
		rows = append(rows, &recipient.Recipient{
			ID:            fmt.Sprintf("other-%d", i),
			CampaignID:    "camp-2",
			TenantID:      "tenant-1",
			Status:        recipient.StatusCalling,
			CallStartedAt: &now,
		})
	}

	recipients := newFakeRecipientStore(rows...)
	caller := &fakeCaller{}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, &fakeEvents{})

	result, err := dispatcher.Seed(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Equal(t, 1, result.Started)
}

func TestSeedZeroSlotsReturnsImmediately(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())

	rows := pendingRecipients(4)
	now := time.Now()

	for i := range 3 {
		rows = append(rows, &recipient.Recipient{
			ID:            fmt.Sprintf("busy-%d", i),
			CampaignID:    "camp-1",
			TenantID:      "tenant-1",
			Status:        recipient.StatusCalling,
			CallStartedAt: &now,
		})
	}

	recipients := newFakeRecipientStore(rows...)
	caller := &fakeCaller{}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, &fakeEvents{})

	result, err := dispatcher.Seed(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.True(t, result.ConcurrencyHit)
	require.Zero(t, result.Started)
	require.EqualValues(t, 4, result.Remaining)
	require.Zero(t, caller.callCount())
}

func TestSeedIgnoresStaleCalling(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())

	rows := pendingRecipients(3)
	staleStart := time.Now().Add(-2 * time.Hour)

	for i := range 3 {
		rows = append(rows, &recipient.Recipient{
			ID:            fmt.Sprintf("stale-%d", i),
			CampaignID:    "camp-1",
			TenantID:      "tenant-1",
			Status:        recipient.StatusCalling,
			CallStartedAt: &staleStart,
		})
	}

	recipients := newFakeRecipientStore(rows...)
	caller := &fakeCaller{}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, &fakeEvents{})

	result, err := dispatcher.Seed(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Equal(t, 3, result.Started)
}

func TestSeedSkipsNonActiveCampaign(t *testing.T) {
	paused := activeCampaign()
	paused.Status = campaign.StatusPaused

	campaigns := newFakeCampaignStore(paused)
	recipients := newFakeRecipientStore(pendingRecipients(3)...)
	caller := &fakeCaller{}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, &fakeEvents{})

	result, err := dispatcher.Seed(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Zero(t, result.Started)
	require.Zero(t, caller.callCount())
}

func TestReplaceStartsExactlyOne(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())
	recipients := newFakeRecipientStore(pendingRecipients(5)...)
	caller := &fakeCaller{}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, &fakeEvents{})

	result, err := dispatcher.Replace(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Equal(t, 1, result.Started)
	require.Equal(t, 1, caller.callCount())
	require.EqualValues(t, 4, result.Remaining)
}

func TestReplaceCooldownSuppression(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())
	recipients := newFakeRecipientStore(pendingRecipients(2)...)
	caller := &fakeCaller{}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, &fakeEvents{})

	err := dispatcher.Cooldown.Enter(context.Background(), "camp-1", time.Minute)
	require.NoError(t, err)

	result, err := dispatcher.Replace(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.True(t, result.ConcurrencyHit)
	require.Positive(t, result.CooldownRemaining)
	require.Zero(t, result.Started)
	require.Zero(t, caller.callCount())

	// After the window elapses dispatch proceeds normally.
	require.NoError(t, dispatcher.Cooldown.Clear(context.Background(), "camp-1"))

	result, err = dispatcher.Replace(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Equal(t, 1, result.Started)
}

func TestReplaceTransientExhaustionEntersCooldown(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())
	recipients := newFakeRecipientStore(pendingRecipients(1)...)
	caller := &fakeCaller{
		respond: func(*provider.CallRequest) (string, error) {
			return "", errors.New("Over Concurrency Limit")
		},
	}
	events := &fakeEvents{}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, events)

	result, err := dispatcher.Replace(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Zero(t, result.Started)
	require.True(t, result.ConcurrencyHit)
	require.NotEmpty(t, result.Errors)

	// Full retry budget was spent on the one recipient.
	require.Equal(t, 3, caller.callCount())

	// Transient exhaustion is not a terminal failure.
	require.Zero(t, result.Failed)
	require.Zero(t, campaigns.counter("camp-1", campaign.CounterFailed))
	require.Equal(t, recipient.StatusPending, recipients.statusOf("rec-0"))

	active, _, err := dispatcher.Cooldown.IsActive(context.Background(), "camp-1")
	require.NoError(t, err)
	require.True(t, active)

	require.Contains(t, events.published(), EventCooldownEntered)
}

func TestReplacePermanentFailureMovesOn(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())
	recipients := newFakeRecipientStore(pendingRecipients(2)...)

	caller := &fakeCaller{
		respond: func(req *provider.CallRequest) (string, error) {
			if req.DestinationNumber == "+15550000000" {
				return "", errors.New("invalid phone number")
			}

			return "call-ok", nil
		},
	}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, &fakeEvents{})

	result, err := dispatcher.Replace(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Equal(t, 1, result.Started)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, recipient.StatusFailed, recipients.statusOf("rec-0"))
	require.Equal(t, recipient.StatusCalling, recipients.statusOf("rec-1"))

	// Permanent failures hit the campaign aggregates exactly once, with no retry.
	require.Equal(t, 1, campaigns.counter("camp-1", campaign.CounterFailed))
	require.Equal(t, -1, campaigns.counter("camp-1", campaign.CounterPending))
	require.Equal(t, 2, caller.callCount())
}

func TestSeedTransientDoesNotRetry(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())
	recipients := newFakeRecipientStore(pendingRecipients(1)...)
	caller := &fakeCaller{
		respond: func(*provider.CallRequest) (string, error) {
			return "", errors.New("rate limit exceeded")
		},
	}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, &fakeEvents{})

	result, err := dispatcher.Seed(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Zero(t, result.Started)
	require.Zero(t, result.Failed)
	require.NotEmpty(t, result.Errors)

	// Seed mode attempts each recipient once and moves on.
	require.Equal(t, 1, caller.callCount())
	require.Equal(t, recipient.StatusPending, recipients.statusOf("rec-0"))
}

func TestConcurrentReplaceClaimsExclusively(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())
	recipients := newFakeRecipientStore(pendingRecipients(1)...)
	caller := &fakeCaller{}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, &fakeEvents{})

	const racers = 8

	var (
		waitGroup    sync.WaitGroup
		mu           sync.Mutex
		totalStarted int
	)

	for range racers {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			result, err := dispatcher.Replace(context.Background(), "camp-1", "tenant-1", &provider.Config{})
			require.NoError(t, err)

			mu.Lock()
			totalStarted += result.Started
			mu.Unlock()
		}()
	}

	waitGroup.Wait()

	require.Equal(t, 1, totalStarted)
	require.Equal(t, 1, caller.callCount())
	require.Equal(t, recipient.StatusCalling, recipients.statusOf("rec-0"))
}

func TestCompletionWhenQueueDrained(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())
	recipients := newFakeRecipientStore(
		&recipient.Recipient{
			ID:         "done-1",
			CampaignID: "camp-1",
			TenantID:   "tenant-1",
			Status:     recipient.StatusCompleted,
		},
		&recipient.Recipient{
			ID:         "done-2",
			CampaignID: "camp-1",
			TenantID:   "tenant-1",
			Status:     recipient.StatusFailed,
		},
	)
	events := &fakeEvents{}

	dispatcher := newTestDispatcher(campaigns, recipients, &fakeCaller{}, events)

	result, err := dispatcher.Replace(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Zero(t, result.Started)
	require.Equal(t, campaign.StatusCompleted, campaigns.status("camp-1"))
	require.Contains(t, events.published(), EventCampaignCompleted)
}

func TestCompletionBlockedByInFlightCall(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())
	now := time.Now()
	recipients := newFakeRecipientStore(
		&recipient.Recipient{
			ID:            "in-flight",
			CampaignID:    "camp-1",
			TenantID:      "tenant-1",
			Status:        recipient.StatusCalling,
			CallStartedAt: &now,
		},
	)

	dispatcher := newTestDispatcher(campaigns, recipients, &fakeCaller{}, &fakeEvents{})

	_, err := dispatcher.Replace(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Equal(t, campaign.StatusActive, campaigns.status("camp-1"))
}

func TestSuccessClearsCooldown(t *testing.T) {
	campaigns := newFakeCampaignStore(activeCampaign())
	recipients := newFakeRecipientStore(pendingRecipients(1)...)
	caller := &fakeCaller{}

	dispatcher := newTestDispatcher(campaigns, recipients, caller, &fakeEvents{})

	// Simulate a stale cooldown entry left by an earlier exhaustion.
	require.NoError(t, dispatcher.Cooldown.Enter(context.Background(), "camp-1", time.Nanosecond))
	time.Sleep(time.Millisecond)

	result, err := dispatcher.Replace(context.Background(), "camp-1", "tenant-1", &provider.Config{})

	require.NoError(t, err)
	require.Equal(t, 1, result.Started)

	active, _, err := dispatcher.Cooldown.IsActive(context.Background(), "camp-1")
	require.NoError(t, err)
	require.False(t, active)
}
