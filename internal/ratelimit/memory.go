package ratelimit

import (
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

type memoryBackend struct {
	mu      sync.Mutex
	entries map[string]windowState
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

type windowState struct {
	count     int
	windowEnd time.Time
}

// NewMemoryBackend returns a fixed-window counter kept in process memory.
func NewMemoryBackend() Backend {
	b := newMemoryBackend(time.Now)
	go b.sweepLoop()
	return b
}

func newMemoryBackend(now func() time.Time) *memoryBackend {
	return &memoryBackend{
		entries: make(map[string]windowState),
		stopCh:  make(chan struct{}),
		now:     now,
	}
}

func (b *memoryBackend) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.entries[key]
	if !ok || !now.Before(state.windowEnd) {
		state = windowState{count: 1, windowEnd: now.Add(window)}
		b.entries[key] = state
		return Decision{Allowed: true, Count: state.count, WindowEnd: state.windowEnd}
	}
	if state.count >= limit {
		return Decision{Allowed: false, Count: state.count, WindowEnd: state.windowEnd}
	}
	state.count++
	b.entries[key] = state
	return Decision{Allowed: true, Count: state.count, WindowEnd: state.windowEnd}
}

func (b *memoryBackend) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.cleanup(b.now())
		case <-b.stopCh:
			return
		}
	}
}

func (b *memoryBackend) cleanup(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, state := range b.entries {
		if !now.Before(state.windowEnd) {
			delete(b.entries, key)
		}
	}
}

func (b *memoryBackend) Close() {
	b.once.Do(func() {
		close(b.stopCh)
	})
}
