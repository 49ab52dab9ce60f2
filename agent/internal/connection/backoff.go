package connection

import (
	"hash/fnv"
	"math/rand"
	"time"
)

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// equalJitterBackoff computes the reconnect wait for attempt n per spec
// §4.7: uniformly distributed in [base/2, base], where base doubles from
// 1s to a 30s cap. The seed is deterministic from (agentID, attempt) so
// a given agent's backoff sequence is reproducible across restarts,
// rather than drawn from the process-global random source.
func equalJitterBackoff(agentID string, attempt int) time.Duration {
	base := backoffBase
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= backoffCap {
			base = backoffCap
			break
		}
	}

	lo := base / 2
	span := base - lo
	if span <= 0 {
		return lo
	}

	r := rand.New(rand.NewSource(jitterSeed(agentID, attempt)))
	return lo + time.Duration(r.Int63n(int64(span)+1))
}

// jitterSeed derives a deterministic int64 seed from agentID and attempt
// via FNV-1a, so the same (agent, attempt) pair always produces the same
// backoff draw.
func jitterSeed(agentID string, attempt int) int64 {
	h := fnv.New64a()
	h.Write([]byte(agentID))
	h.Write([]byte{
		byte(attempt), byte(attempt >> 8), byte(attempt >> 16), byte(attempt >> 24),
	})
	return int64(h.Sum64())
}
