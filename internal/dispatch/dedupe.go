package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
)

const (
	dedupeTTL     = 20 * time.Minute
	dedupeMaxKeys = 5000
)

// seqCache suppresses duplicate inbound events. The bridge's stream is
// at-least-once: after a reconnect it may replay recent events, and a
// replayed event must not trigger a second completion.
// Bounded and TTL-pruned so a hot bridge cannot grow it without limit.
type seqCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	clock   Clock
}

func newSeqCache(clock Clock) *seqCache {
	return &seqCache{
		entries: make(map[string]time.Time),
		clock:   clock,
	}
}

// Seen records the event and reports whether it was already present.
func (c *seqCache) Seen(ev bus.InboundEvent) bool {
	key := fmt.Sprintf("%s#%d", ev.Scope.Key(), ev.Seq)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= dedupeMaxKeys {
		for k, at := range c.entries {
			if now.Sub(at) >= dedupeTTL {
				delete(c.entries, k)
			}
		}
		for len(c.entries) >= dedupeMaxKeys {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
	}

	if at, ok := c.entries[key]; ok && now.Sub(at) < dedupeTTL {
		return true
	}
	c.entries[key] = now
	return false
}
