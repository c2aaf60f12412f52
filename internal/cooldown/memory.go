package cooldown

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu     sync.Mutex
	untils map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		untils: make(map[string]time.Time),
	}
}

func (memoryStore *MemoryStore) Enter(_ context.Context, campaignID string, duration time.Duration) error {
	memoryStore.mu.Lock()
	defer memoryStore.mu.Unlock()

	memoryStore.untils[campaignID] = time.Now().Add(duration)

	return nil
}

func (memoryStore *MemoryStore) IsActive(_ context.Context, campaignID string) (bool, time.Duration, error) {
	memoryStore.mu.Lock()
	defer memoryStore.mu.Unlock()

	until, ok := memoryStore.untils[campaignID]
	if !ok {
		return false, 0, nil
	}

	remaining := time.Until(until)
	if remaining <= 0 {
		delete(memoryStore.untils, campaignID)
		return false, 0, nil
	}

	return true, remaining, nil
}

func (memoryStore *MemoryStore) Clear(_ context.Context, campaignID string) error {
	memoryStore.mu.Lock()
	defer memoryStore.mu.Unlock()

	delete(memoryStore.untils, campaignID)

	return nil
}
