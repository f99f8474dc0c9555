package credentials

import (
	"sync"

	"convoy/internal/proxyerr"
)

// PoolTracker holds the mutable state backing the three pool resolution
// strategies named in spec §3's Credential pool tag: sticky keeps one
// account per pool for the lifetime of the tracker, least-used tracks a
// per-account use counter, round-robin cycles through accounts in order.
type PoolTracker struct {
	mu        sync.Mutex
	sticky    map[string]string
	useCounts map[string]map[string]int
	rrIndex   map[string]int
}

// NewPoolTracker returns an empty PoolTracker.
func NewPoolTracker() *PoolTracker {
	return &PoolTracker{
		sticky:    make(map[string]string),
		useCounts: make(map[string]map[string]int),
		rrIndex:   make(map[string]int),
	}
}

// Pick selects an account id from pool according to its strategy. Returns a
// proxyerr.ValidationError if the pool has no accounts. Every account in the
// pool stays eligible; the pool's Fallback setting is not read.
func (t *PoolTracker) Pick(pool PoolCredential) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(pool.AccountIDs) == 0 {
		return "", &proxyerr.ValidationError{Message: "credential pool has no accounts"}
	}

	switch pool.Strategy {
	case StrategySticky:
		if acct, ok := t.sticky[pool.PoolID]; ok {
			return acct, nil
		}
		acct := pool.AccountIDs[0]
		t.sticky[pool.PoolID] = acct
		return acct, nil

	case StrategyLeastUsed:
		counts := t.useCounts[pool.PoolID]
		if counts == nil {
			counts = make(map[string]int)
			t.useCounts[pool.PoolID] = counts
		}
		best := pool.AccountIDs[0]
		for _, acct := range pool.AccountIDs {
			if counts[acct] < counts[best] {
				best = acct
			}
		}
		counts[best]++
		return best, nil

	case StrategyRoundRobin:
		idx := t.rrIndex[pool.PoolID] % len(pool.AccountIDs)
		t.rrIndex[pool.PoolID] = idx + 1
		return pool.AccountIDs[idx], nil

	default:
		return pool.AccountIDs[0], nil
	}
}

// ResetSticky clears a pool's sticky assignment, used when its current
// account starts failing and Fallback == "cycle".
func (t *PoolTracker) ResetSticky(poolID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sticky, poolID)
}
