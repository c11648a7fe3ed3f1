package relay

import "golang.org/x/sync/semaphore"

// Gate caps the number of relays streaming at once. A nil Gate admits
// everything.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate returns nil when limit is not positive.
func NewGate(limit int64) *Gate {
	if limit <= 0 {
		return nil
	}
	return &Gate{sem: semaphore.NewWeighted(limit)}
}

// TryEnter reserves a relay slot without waiting.
func (g *Gate) TryEnter() bool {
	if g == nil {
		return true
	}
	return g.sem.TryAcquire(1)
}

func (g *Gate) Leave() {
	if g == nil {
		return
	}
	g.sem.Release(1)
}
