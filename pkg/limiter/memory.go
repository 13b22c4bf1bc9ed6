package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleTTL is how long an unused bucket is kept before being swept.
const idleTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryStore keeps one token bucket per key in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (s *MemoryStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	if policy.Disabled() {
		return true, nil
	}
	limit := rate.Limit(float64(policy.RPM) / 60.0)
	burst := policy.Burst
	if burst < 1 {
		burst = 1
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(now)
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		s.visitors[key] = v
	} else {
		if v.limiter.Limit() != limit {
			v.limiter.SetLimitAt(now, limit)
		}
		if v.limiter.Burst() != burst {
			v.limiter.SetBurstAt(now, burst)
		}
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, cost), nil
}

// sweep drops idle buckets at most once per idleTTL. Callers hold s.mu.
func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < idleTTL {
		return
	}
	s.lastSweep = now
	for k, v := range s.visitors {
		if now.Sub(v.lastSeen) > idleTTL {
			delete(s.visitors, k)
		}
	}
}
