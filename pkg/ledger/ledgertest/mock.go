// Package ledgertest provides a hand-rolled in-memory ledger for tests: a
// hash-linked chain that can be extended, forked, and made to fail on
// demand, implementing the ledger.Reader contract.
package ledgertest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/chainfold/chainfold/pkg/core/types"
	"github.com/chainfold/chainfold/pkg/ledger"
)

// MockLedger is an in-memory chain provider. The genesis block is number 0
// with the zero hash and a self-parent; block hashes are minted from a
// counter so tests get stable, readable identities.
type MockLedger struct {
	mu     sync.Mutex
	blocks map[common.Hash]*types.Block
	tip    common.Hash
	seq    uint64
	logs   map[common.Hash][]gethtypes.Log

	queryCalls [][2]uint64
	failErr    error
}

// New builds a mock chain with the genesis block plus initial blocks on top.
func New(initial uint64) *MockLedger {
	m := &MockLedger{
		blocks: make(map[common.Hash]*types.Block),
		logs:   make(map[common.Hash][]gethtypes.Log),
	}
	genesis := &types.Block{
		Hash:       common.Hash{},
		ParentHash: common.Hash{},
		Number:     0,
	}
	m.blocks[genesis.Hash] = genesis
	m.tip = genesis.Hash
	for i := uint64(0); i < initial; i++ {
		m.AddBlock()
	}
	return m
}

func (m *MockLedger) newHash() common.Hash {
	m.seq++
	return common.BigToHash(new(big.Int).SetUint64(m.seq))
}

// AddBlock extends the current tip by one block and returns it.
func (m *MockLedger) AddBlock() *types.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addChildLocked(m.tip)
}

// AddBlockAt appends a child of the given parent and makes it the tip,
// which is how tests drive a reorg: fork below the tip, then extend the
// fork past the old tip. Returns nil if the parent is unknown.
func (m *MockLedger) AddBlockAt(parent common.Hash) *types.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[parent]; !ok {
		return nil
	}
	return m.addChildLocked(parent)
}

func (m *MockLedger) addChildLocked(parent common.Hash) *types.Block {
	p := m.blocks[parent]
	b := &types.Block{
		Hash:       m.newHash(),
		ParentHash: p.Hash,
		Number:     p.Number + 1,
		Timestamp:  m.seq,
	}
	m.blocks[b.Hash] = b
	m.tip = b.Hash
	return b
}

// Tip returns the current tip block.
func (m *MockLedger) Tip() *types.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[m.tip]
}

// BlockAt returns the block at the given number on the tip's branch.
func (m *MockLedger) BlockAt(number uint64) *types.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walkLocked(number, m.tip)
}

func (m *MockLedger) walkLocked(number uint64, from common.Hash) *types.Block {
	cur, ok := m.blocks[from]
	for ok {
		if cur.Number == number {
			return cur
		}
		if cur.Number == 0 {
			return nil
		}
		cur, ok = m.blocks[cur.ParentHash]
	}
	return nil
}

// AttachLog records an event on the tip-branch block at the given number,
// returned by QueryEvents for ranges covering it.
func (m *MockLedger) AttachLog(number uint64, log gethtypes.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.walkLocked(number, m.tip)
	if b == nil {
		return
	}
	log.BlockNumber = b.Number
	log.BlockHash = b.Hash
	m.logs[b.Hash] = append(m.logs[b.Hash], log)
}

// SetFailure makes every Reader call return err until cleared with nil.
func (m *MockLedger) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// QueryCalls returns the [from, to] ranges QueryEvents was called with.
func (m *MockLedger) QueryCalls() [][2]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([][2]uint64, len(m.queryCalls))
	copy(calls, m.queryCalls)
	return calls
}

// --- ledger.Reader ---

func (m *MockLedger) TipNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	return m.blocks[m.tip].Number, nil
}

func (m *MockLedger) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	b, ok := m.blocks[hash]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return b, nil
}

func (m *MockLedger) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	b := m.walkLocked(number, m.tip)
	if b == nil {
		return nil, ledger.ErrNotFound
	}
	return b, nil
}

func (m *MockLedger) QueryEvents(ctx context.Context, filter ledger.EventFilter, from, to uint64) ([]gethtypes.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	m.queryCalls = append(m.queryCalls, [2]uint64{from, to})

	var out []gethtypes.Log
	for n := from; n <= to; n++ {
		b := m.walkLocked(n, m.tip)
		if b == nil {
			continue
		}
		out = append(out, m.logs[b.Hash]...)
	}
	return out, nil
}
