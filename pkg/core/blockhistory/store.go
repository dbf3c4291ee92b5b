package blockhistory

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainfold/chainfold/pkg/core/types"
)

var (
	ErrBlockNotFound = errors.New("blockhistory: block not found")
	ErrDuplicateHash = errors.New("blockhistory: hash already present with different contents")
	ErrChainBroken   = errors.New("blockhistory: parent link missing, closure violated")
	ErrEmptyChain    = errors.New("blockhistory: chain has no tip")
)

// Store is the in-memory view of the canonical chain: every observed header
// keyed by hash, plus a number index along the currently-believed-canonical
// branch. The subscriber hub mutates it on reconcile; the fold engine and the
// RPC server read it. A single RWMutex guards both maps; it is held only for
// structural updates, never across ledger calls.
type Store struct {
	mu        sync.RWMutex
	blocks    map[common.Hash]*types.Block
	canonical map[uint64]common.Hash
	tip       *types.Block
	base      uint64
}

// NewStore creates an empty history store.
func NewStore() *Store {
	return &Store{
		blocks:    make(map[common.Hash]*types.Block),
		canonical: make(map[uint64]common.Hash),
	}
}

// Insert adds a header to the hash map. Re-inserting an identical header is a
// no-op; a different header under the same hash fails with ErrDuplicateHash.
// Insert does not touch the canonical index.
func (s *Store) Insert(b *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.blocks[b.Hash]; ok {
		if existing.SameAs(b) {
			return nil
		}
		return ErrDuplicateHash
	}
	s.blocks[b.Hash] = b
	return nil
}

// SetTip designates hash as the canonical tip and rewrites the number index
// along its branch. The caller must have inserted every block on the path
// down to the previous canonical branch (or the base); a missing parent link
// fails with ErrChainBroken and leaves the index unchanged.
func (s *Store) SetTip(hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip, ok := s.blocks[hash]
	if !ok {
		return ErrBlockNotFound
	}

	// Collect index updates first so a broken chain mutates nothing.
	updates := make(map[uint64]common.Hash)
	cur := tip
	for {
		if h, ok := s.canonical[cur.Number]; ok && h == cur.Hash {
			break
		}
		updates[cur.Number] = cur.Hash
		if cur.Number == 0 || cur.Number <= s.base {
			break
		}
		parent, ok := s.blocks[cur.ParentHash]
		if !ok {
			return ErrChainBroken
		}
		cur = parent
	}

	for n, h := range updates {
		s.canonical[n] = h
	}
	// Drop stale index entries above the new tip after a shortening reorg.
	if s.tip != nil {
		for n := tip.Number + 1; n <= s.tip.Number; n++ {
			delete(s.canonical, n)
		}
	}
	s.tip = tip
	return nil
}

// Tip returns the canonical tip, or nil before the first SetTip.
func (s *Store) Tip() *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

// Base returns the lowest number the store retains; it never decreases.
func (s *Store) Base() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

// GetByHash returns the header with the given hash, canonical or not.
func (s *Store) GetByHash(hash common.Hash) (*types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[hash]
	return b, ok
}

// GetCanonicalByNumber returns the canonical block at height n in O(1).
func (s *Store) GetCanonicalByNumber(n uint64) (*types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canonicalByNumberLocked(n)
}

func (s *Store) canonicalByNumberLocked(n uint64) (*types.Block, bool) {
	hash, ok := s.canonical[n]
	if !ok {
		return nil, false
	}
	b, ok := s.blocks[hash]
	return b, ok
}

// IsCanonical reports whether hash lies on the canonical branch.
func (s *Store) IsCanonical(hash common.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[hash]
	if !ok {
		return false
	}
	h, ok := s.canonical[b.Number]
	return ok && h == hash
}

// AncestorPath walks parent pointers from the block with hash `from` back to
// (and including) the ancestor at height toNumber. The result is ordered
// walk-first: from at index 0, the ancestor last. Fails with ErrChainBroken
// if a parent link is missing before toNumber is reached.
func (s *Store) AncestorPath(from common.Hash, toNumber uint64) ([]*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.blocks[from]
	if !ok {
		return nil, ErrBlockNotFound
	}
	if toNumber > cur.Number {
		return nil, ErrBlockNotFound
	}

	path := make([]*types.Block, 0, cur.Number-toNumber+1)
	for {
		path = append(path, cur)
		if cur.Number == toNumber {
			return path, nil
		}
		if cur.Number == 0 {
			return nil, ErrChainBroken
		}
		parent, ok := s.blocks[cur.ParentHash]
		if !ok {
			return nil, ErrChainBroken
		}
		cur = parent
	}
}

// CommonAncestor returns the deepest block shared by the branches ending at
// a and b. It walks the deeper branch until heights match, then both in
// lockstep. Fails with ErrChainBroken if the branches never meet.
func (s *Store) CommonAncestor(a, b common.Hash) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ba, ok := s.blocks[a]
	if !ok {
		return nil, ErrBlockNotFound
	}
	bb, ok := s.blocks[b]
	if !ok {
		return nil, ErrBlockNotFound
	}

	step := func(cur *types.Block) (*types.Block, error) {
		if cur.Number == 0 {
			return nil, ErrChainBroken
		}
		parent, ok := s.blocks[cur.ParentHash]
		if !ok {
			return nil, ErrChainBroken
		}
		return parent, nil
	}

	var err error
	for ba.Number > bb.Number {
		if ba, err = step(ba); err != nil {
			return nil, err
		}
	}
	for bb.Number > ba.Number {
		if bb, err = step(bb); err != nil {
			return nil, err
		}
	}
	for ba.Hash != bb.Hash {
		if ba, err = step(ba); err != nil {
			return nil, err
		}
		if bb, err = step(bb); err != nil {
			return nil, err
		}
	}
	return ba, nil
}

// PruneBelow removes entries strictly below number from both the hash map
// and the index, and raises the base. Lowering the base is a no-op.
func (s *Store) PruneBelow(number uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if number <= s.base {
		return 0
	}

	removed := 0
	for hash, b := range s.blocks {
		if b.Number < number {
			delete(s.blocks, hash)
			removed++
		}
	}
	for n := s.base; n < number; n++ {
		delete(s.canonical, n)
	}
	s.base = number
	return removed
}

// Len returns the number of retained headers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// ResolveQuery maps a query target onto a concrete canonical block under a
// single read lock, so the caller sees one consistent snapshot of the index.
// Hash queries resolve through the hash map and may land off-canonical.
func (s *Store) ResolveQuery(q types.QueryBlock) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch q.Kind {
	case types.QueryLatest:
		if s.tip == nil {
			return nil, ErrEmptyChain
		}
		return s.tip, nil

	case types.QueryHash:
		b, ok := s.blocks[q.Hash]
		if !ok {
			return nil, ErrBlockNotFound
		}
		return b, nil

	case types.QueryNumber:
		b, ok := s.canonicalByNumberLocked(q.Number)
		if !ok {
			return nil, ErrBlockNotFound
		}
		return b, nil

	case types.QueryDepth:
		if s.tip == nil {
			return nil, ErrEmptyChain
		}
		if q.Depth > s.tip.Number {
			return nil, ErrBlockNotFound
		}
		b, ok := s.canonicalByNumberLocked(s.tip.Number - q.Depth)
		if !ok {
			return nil, ErrBlockNotFound
		}
		return b, nil
	}
	return nil, ErrBlockNotFound
}
