package command

import (
	"sync"
	"time"
)

// CooldownTracker rate-limits commands per (channel, command) pair. Purely
// in-memory and per-process: cooldowns are a politeness bound, not shared
// state, so cross-process coordination is deliberately not attempted.
type CooldownTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether the command may run now, and if so records the run.
// A non-positive cooldown always allows.
func (t *CooldownTracker) Allow(channelID, command string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	key := channelID + "/" + command
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	t.last[key] = now
	return true
}

// Reset clears the cooldown state for a channel (used when a channel is
// disabled or its config is rewritten wholesale).
func (t *CooldownTracker) Reset(channelID string) {
	prefix := channelID + "/"
	t.mu.Lock()
	for k := range t.last {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(t.last, k)
		}
	}
	t.mu.Unlock()
}
