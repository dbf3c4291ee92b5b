package statefold

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainfold/chainfold/pkg/core/types"
)

// slot is one cache entry's lifecycle: in-flight until done closes, then
// either computed (err nil) or failed. A failed slot is removed from the
// cache map, so the key is claimable again; waiters holding the slot pointer
// still observe the error.
type slot[S any] struct {
	done  chan struct{}
	block *types.Block
	state S
	err   error
}

func (s *slot[S]) ready() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// foldCache memoizes derived states keyed by (initial state, block hash)
// with single-flight claims. Entries form a tree through block parent links;
// the engine walks that tree via the history store, the cache only answers
// point lookups.
type foldCache[S any, K comparable] struct {
	mu      sync.Mutex
	entries map[K]map[common.Hash]*slot[S]
}

func newFoldCache[S any, K comparable]() *foldCache[S, K] {
	return &foldCache[S, K]{
		entries: make(map[K]map[common.Hash]*slot[S]),
	}
}

// claim returns the slot for (key, hash) and whether the caller claimed it.
// A claimed slot obligates the caller to finish with complete or fail;
// everyone else waits on the returned slot.
func (c *foldCache[S, K]) claim(key K, hash common.Hash) (*slot[S], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.entries[key]
	if !ok {
		m = make(map[common.Hash]*slot[S])
		c.entries[key] = m
	}
	if s, ok := m[hash]; ok {
		return s, false
	}
	s := &slot[S]{done: make(chan struct{})}
	m[hash] = s
	return s, true
}

// peek returns the computed state at (key, hash), if any. In-flight and
// failed slots do not match.
func (c *foldCache[S, K]) peek(key K, hash common.Hash) (*slot[S], bool) {
	c.mu.Lock()
	s, ok := c.entries[key][hash]
	c.mu.Unlock()
	if !ok || !s.ready() || s.err != nil {
		return nil, false
	}
	return s, true
}

// wait blocks until the slot resolves or ctx is done. All waiters observe
// the same value or the same error; they do not retry on its behalf.
func (c *foldCache[S, K]) wait(ctx context.Context, s *slot[S]) (*types.BlockState[S], error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
	}
	if s.err != nil {
		return nil, s.err
	}
	return &types.BlockState[S]{Block: s.block, State: s.state}, nil
}

// complete resolves a claimed slot with a computed state and wakes waiters.
func (c *foldCache[S, K]) complete(s *slot[S], block *types.Block, state S) {
	s.block = block
	s.state = state
	close(s.done)
}

// fail resolves a claimed slot with an error, removes it from the map so the
// key transitions back to absent, and wakes waiters with the error.
func (c *foldCache[S, K]) fail(key K, hash common.Hash, s *slot[S], err error) {
	c.mu.Lock()
	if m, ok := c.entries[key]; ok && m[hash] == s {
		delete(m, hash)
	}
	c.mu.Unlock()
	s.err = err
	close(s.done)
}

// publish stores a computed state for an intermediate block of a fold path.
// Only an absent key is filled: an in-flight claim belongs to its claimant
// and a computed entry is already equal by the determinism contract.
func (c *foldCache[S, K]) publish(key K, block *types.Block, state S) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.entries[key]
	if !ok {
		m = make(map[common.Hash]*slot[S])
		c.entries[key] = m
	}
	if _, ok := m[block.Hash]; ok {
		return
	}
	s := &slot[S]{done: make(chan struct{}), block: block, state: state}
	close(s.done)
	m[block.Hash] = s
}

// pruneBelow removes computed entries whose block number is strictly below
// floor, retaining the single deepest remaining entry per initial state so
// future folds keep a starting point. In-flight slots are left alone.
// Distinct sub-floor branches cannot survive under a sane safety depth, so
// retention is per initial state rather than per branch.
func (c *foldCache[S, K]) pruneBelow(floor uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, m := range c.entries {
		var keep common.Hash
		var keepNum uint64
		found := false
		for hash, s := range m {
			if !s.ready() || s.err != nil || s.block.Number >= floor {
				continue
			}
			if !found || s.block.Number > keepNum {
				keep, keepNum, found = hash, s.block.Number, true
			}
		}
		if !found {
			continue
		}
		for hash, s := range m {
			if hash == keep || !s.ready() || s.err != nil {
				continue
			}
			if s.block.Number < floor {
				delete(m, hash)
				removed++
			}
		}
	}
	return removed
}

// size returns the number of live entries across all initial states.
func (c *foldCache[S, K]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.entries {
		n += len(m)
	}
	return n
}
