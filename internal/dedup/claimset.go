package dedup

import "sync"

// claimSet tracks hashes currently being uploaded by some worker in this
// process. It only dedups work within one run: correctness across process
// restarts comes from Index.ClaimOriginal, not from this set.
type claimSet struct {
	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

func newClaimSet() *claimSet {
	return &claimSet{inFlight: make(map[string]chan struct{})}
}

// acquire tries to claim hash for the calling worker. When it returns
// winner=true the caller owns the upload and must call release exactly once.
// Otherwise wait is a channel closed when the current owner releases; the
// caller should block on it and then re-read the index.
func (c *claimSet) acquire(hash string) (winner bool, wait <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.inFlight[hash]; ok {
		return false, ch
	}
	c.inFlight[hash] = make(chan struct{})
	return true, nil
}

// release drops the claim and wakes all waiters.
func (c *claimSet) release(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.inFlight[hash]; ok {
		close(ch)
		delete(c.inFlight, hash)
	}
}
