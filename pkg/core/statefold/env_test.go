package statefold

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/chainfold/chainfold/pkg/core/blockhistory"
	"github.com/chainfold/chainfold/pkg/core/types"
	"github.com/chainfold/chainfold/pkg/ledger/ledgertest"
)

func hashOfSeq(n uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(n))
}

// IncState is the derived state of IncrementFold: N tracks the block number
// plus the initial state, so every path to a block must agree on it.
type IncState struct {
	LowHash uint64
	N       uint64
	Initial uint64
}

// IncrementFold counts its invocations so tests can assert the engine's
// sync-vs-fold decisions and the single-flight guarantee.
type IncrementFold struct {
	syncs atomic.Int64
	folds atomic.Int64
}

func lowHash(b *types.Block) uint64 {
	return binary.BigEndian.Uint64(b.Hash[24:32])
}

func (f *IncrementFold) Sync(ctx context.Context, initial uint64, block *types.Block, env *Environment[IncState, uint64], access *SyncAccess) (IncState, error) {
	f.syncs.Add(1)
	return IncState{
		LowHash: lowHash(block),
		N:       block.Number + initial,
		Initial: initial,
	}, nil
}

func (f *IncrementFold) Fold(ctx context.Context, prev IncState, block *types.Block, env *Environment[IncState, uint64], access *FoldAccess) (IncState, error) {
	f.folds.Add(1)
	if prev.N+1 != block.Number+prev.Initial {
		return IncState{}, errors.New("fold applied out of order")
	}
	return IncState{
		LowHash: lowHash(block),
		N:       prev.N + 1,
		Initial: prev.Initial,
	}, nil
}

func quietConfig() Config {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return Config{Logger: log}
}

func newIncEnv(mock *ledgertest.MockLedger, cfg Config) (*IncrementFold, *Environment[IncState, uint64]) {
	fold := &IncrementFold{}
	return fold, NewEnvironment[IncState, uint64](fold, mock, nil, nil, cfg)
}

// Fold reuse: after a sync at height 100, a request at 103 folds exactly
// three blocks and never syncs again.
func TestFoldReuse(t *testing.T) {
	ctx := context.Background()
	mock := ledgertest.New(103)
	fold, env := newIncEnv(mock, quietConfig())

	bs, err := env.GetStateForBlock(ctx, 5, types.ByNumber(100))
	if err != nil {
		t.Fatalf("GetStateForBlock(100) failed: %v", err)
	}
	if bs.State.N != 105 {
		t.Errorf("state at 100 = %d, want 105", bs.State.N)
	}
	if got := fold.syncs.Load(); got != 1 {
		t.Fatalf("syncs = %d, want 1", got)
	}

	bs, err = env.GetStateForBlock(ctx, 5, types.ByNumber(103))
	if err != nil {
		t.Fatalf("GetStateForBlock(103) failed: %v", err)
	}
	if bs.State.N != 108 {
		t.Errorf("state at 103 = %d, want 108", bs.State.N)
	}
	if got := fold.folds.Load(); got != 3 {
		t.Errorf("folds = %d, want 3", got)
	}
	if got := fold.syncs.Load(); got != 1 {
		t.Errorf("syncs = %d, want 1 (no re-sync)", got)
	}
}

// Intermediate fold steps land in the cache: a later request at 102 is a
// pure cache hit.
func TestFoldCachesIntermediates(t *testing.T) {
	ctx := context.Background()
	mock := ledgertest.New(103)
	fold, env := newIncEnv(mock, quietConfig())

	if _, err := env.GetStateForBlock(ctx, 5, types.ByNumber(100)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.GetStateForBlock(ctx, 5, types.ByNumber(103)); err != nil {
		t.Fatal(err)
	}

	syncs, folds := fold.syncs.Load(), fold.folds.Load()
	bs, err := env.GetStateForBlock(ctx, 5, types.ByNumber(102))
	if err != nil {
		t.Fatal(err)
	}
	if bs.State.N != 107 {
		t.Errorf("state at 102 = %d, want 107", bs.State.N)
	}
	if fold.syncs.Load() != syncs || fold.folds.Load() != folds {
		t.Error("request at 102 re-invoked user code")
	}
}

// Beyond MaxFoldDistance the engine prefers a fresh sync.
func TestSyncBeyondFoldDistance(t *testing.T) {
	ctx := context.Background()
	cfg := quietConfig()
	cfg.MaxFoldDistance = 4
	mock := ledgertest.New(120)
	fold, env := newIncEnv(mock, cfg)

	if _, err := env.GetStateForBlock(ctx, 0, types.ByNumber(100)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.GetStateForBlock(ctx, 0, types.ByNumber(110)); err != nil {
		t.Fatal(err)
	}
	if got := fold.syncs.Load(); got != 2 {
		t.Errorf("syncs = %d, want 2 (ancestor out of reach)", got)
	}
	if got := fold.folds.Load(); got != 0 {
		t.Errorf("folds = %d, want 0", got)
	}
}

// Single-flight: 50 concurrent requests for one key invoke user code once
// and all observe the identical state.
func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	mock := ledgertest.New(50)
	fold, env := newIncEnv(mock, quietConfig())

	const callers = 50
	var wg sync.WaitGroup
	results := make([]*types.BlockState[IncState], callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.GetStateForBlock(ctx, 7, types.ByNumber(50))
		}(i)
	}
	wg.Wait()

	if got := fold.syncs.Load() + fold.folds.Load(); got != 1 {
		t.Fatalf("user code invocations = %d, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].State != results[0].State {
			t.Fatalf("caller %d state = %+v, diverges from %+v", i, results[i].State, results[0].State)
		}
		if results[i].Block.Hash != results[0].Block.Hash {
			t.Fatalf("caller %d block diverges", i)
		}
	}
}

// Sync-fold equivalence: the state reached by folding from an ancestor
// equals the state synced from scratch.
func TestSyncFoldEquivalence(t *testing.T) {
	ctx := context.Background()
	mock := ledgertest.New(60)

	// Cold path: direct sync at 60.
	_, coldEnv := newIncEnv(mock, quietConfig())
	cold, err := coldEnv.GetStateForBlock(ctx, 3, types.ByNumber(60))
	if err != nil {
		t.Fatal(err)
	}

	// Warm path: sync at 55, fold up to 60.
	warmFold, warmEnv := newIncEnv(mock, quietConfig())
	if _, err := warmEnv.GetStateForBlock(ctx, 3, types.ByNumber(55)); err != nil {
		t.Fatal(err)
	}
	warm, err := warmEnv.GetStateForBlock(ctx, 3, types.ByNumber(60))
	if err != nil {
		t.Fatal(err)
	}
	if warmFold.folds.Load() != 5 {
		t.Fatalf("warm folds = %d, want 5", warmFold.folds.Load())
	}

	if cold.State != warm.State {
		t.Errorf("cold %+v != warm %+v", cold.State, warm.State)
	}
}

// Idempotence: re-requesting a computed key returns the identical state
// without re-invoking user code.
func TestIdempotence(t *testing.T) {
	ctx := context.Background()
	mock := ledgertest.New(30)
	fold, env := newIncEnv(mock, quietConfig())

	first, err := env.GetStateForBlock(ctx, 1, types.ByNumber(30))
	if err != nil {
		t.Fatal(err)
	}
	calls := fold.syncs.Load() + fold.folds.Load()

	second, err := env.GetStateForBlock(ctx, 1, types.ByNumber(30))
	if err != nil {
		t.Fatal(err)
	}
	if fold.syncs.Load()+fold.folds.Load() != calls {
		t.Error("second request re-invoked user code")
	}
	if first.State != second.State {
		t.Errorf("states differ: %+v vs %+v", first.State, second.State)
	}
}

// Distinct initial states do not share cache entries.
func TestInitialStatesIsolated(t *testing.T) {
	ctx := context.Background()
	mock := ledgertest.New(30)
	_, env := newIncEnv(mock, quietConfig())

	a, err := env.GetStateForBlock(ctx, 10, types.ByNumber(30))
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.GetStateForBlock(ctx, 20, types.ByNumber(30))
	if err != nil {
		t.Fatal(err)
	}
	if a.State.N != 40 || b.State.N != 50 {
		t.Errorf("states = %d, %d; want 40, 50", a.State.N, b.State.N)
	}
}

// A target above the tip fails with ErrBlockOutOfRange.
func TestBlockOutOfRange(t *testing.T) {
	ctx := context.Background()
	mock := ledgertest.New(30)
	_, env := newIncEnv(mock, quietConfig())

	if _, err := env.GetStateForBlock(ctx, 0, types.ByNumber(40)); !errors.Is(err, ErrBlockOutOfRange) {
		t.Errorf("ByNumber(40) error = %v, want ErrBlockOutOfRange", err)
	}
	if _, err := env.GetStateForBlock(ctx, 0, types.ByDepth(31)); !errors.Is(err, ErrBlockOutOfRange) {
		t.Errorf("ByDepth(31) error = %v, want ErrBlockOutOfRange", err)
	}
	if _, err := env.GetStateForBlock(ctx, 0, types.ByHash(hashOfSeq(9999))); !errors.Is(err, ErrBlockOutOfRange) {
		t.Errorf("unknown hash error = %v, want ErrBlockOutOfRange", err)
	}
}

// Latest resolves through the ledger when no subscriber feeds the store.
func TestLatestStandalone(t *testing.T) {
	ctx := context.Background()
	mock := ledgertest.New(25)
	_, env := newIncEnv(mock, quietConfig())

	bs, err := env.GetStateForBlock(ctx, 0, types.Latest())
	if err != nil {
		t.Fatal(err)
	}
	if bs.Block.Number != 25 {
		t.Errorf("latest number = %d, want 25", bs.Block.Number)
	}
}

// A hash on an abandoned branch still resolves: the cache keeps serving the
// branch it was computed on.
func TestStaleBranchByHash(t *testing.T) {
	ctx := context.Background()
	mock := ledgertest.New(20)
	_, env := newIncEnv(mock, quietConfig())

	oldTip := mock.Tip()
	first, err := env.GetStateForBlock(ctx, 0, types.ByHash(oldTip.Hash))
	if err != nil {
		t.Fatal(err)
	}

	// Reorg: branch from 19 overtakes.
	prev := mock.AddBlockAt(mock.BlockAt(19).Hash)
	mock.AddBlockAt(prev.Hash)

	again, err := env.GetStateForBlock(ctx, 0, types.ByHash(oldTip.Hash))
	if err != nil {
		t.Fatalf("stale-branch query failed: %v", err)
	}
	if again.State != first.State {
		t.Errorf("stale-branch state changed: %+v vs %+v", again.State, first.State)
	}
}

type failingFold struct {
	calls atomic.Int64
}

var errUserCode = errors.New("user code exploded")

func (f *failingFold) Sync(ctx context.Context, initial uint64, block *types.Block, env *Environment[IncState, uint64], access *SyncAccess) (IncState, error) {
	f.calls.Add(1)
	return IncState{}, errUserCode
}

func (f *failingFold) Fold(ctx context.Context, prev IncState, block *types.Block, env *Environment[IncState, uint64], access *FoldAccess) (IncState, error) {
	f.calls.Add(1)
	return IncState{}, errUserCode
}

// User errors surface wrapped with the originating block hash, the slot
// returns to absent, and a later call tries again.
func TestFoldableErrorPropagation(t *testing.T) {
	ctx := context.Background()
	mock := ledgertest.New(10)
	fold := &failingFold{}
	env := NewEnvironment[IncState, uint64](fold, mock, nil, nil, quietConfig())

	_, err := env.GetStateForBlock(ctx, 0, types.ByNumber(10))
	var fe *FoldableError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want FoldableError", err)
	}
	if !errors.Is(err, errUserCode) {
		t.Error("wrapped cause lost")
	}
	if fe.Hash != mock.Tip().Hash {
		t.Errorf("error block = %s, want tip", fe.Hash.Hex())
	}

	// Slot went back to absent: the next call re-runs user code.
	_, err = env.GetStateForBlock(ctx, 0, types.ByNumber(10))
	if err == nil {
		t.Fatal("expected second failure")
	}
	if got := fold.calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

// A subscriber-fed store and the engine share one canonical view: Latest
// resolves against the follower's tip and depth queries follow it.
func TestEngineWithSubscriber(t *testing.T) {
	ctx := context.Background()
	mock := ledgertest.New(30)

	hubLog := logrus.New()
	hubLog.SetLevel(logrus.PanicLevel)
	hub, err := blockhistory.Start(ctx, mock, nil, blockhistory.Config{
		PollInterval: 5 * time.Millisecond,
		Logger:       hubLog,
	})
	if err != nil {
		t.Fatalf("subscriber start failed: %v", err)
	}
	defer hub.Stop()

	fold := &IncrementFold{}
	env := NewEnvironment[IncState, uint64](fold, mock, hub.Store(), nil, quietConfig())

	bs, err := env.GetStateForBlock(ctx, 2, types.Latest())
	if err != nil {
		t.Fatal(err)
	}
	if bs.Block.Number != 30 || bs.State.N != 32 {
		t.Errorf("latest = block %d state %d, want 30/32", bs.Block.Number, bs.State.N)
	}

	// Advance the chain and wait for the follower to catch up.
	mock.AddBlock()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Store().Tip().Number < 31 {
		if time.Now().After(deadline) {
			t.Fatal("follower never caught up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bs, err = env.GetStateForBlock(ctx, 2, types.ByDepth(1))
	if err != nil {
		t.Fatal(err)
	}
	if bs.Block.Number != 30 {
		t.Errorf("depth-1 block = %d, want 30", bs.Block.Number)
	}
	// The depth-1 target is the previously computed tip: no new user calls.
	if got := fold.syncs.Load() + fold.folds.Load(); got != 1 {
		t.Errorf("user invocations = %d, want 1", got)
	}
}

// UserData passes through to the environment unchanged.
func TestUserData(t *testing.T) {
	mock := ledgertest.New(5)
	type userData struct{ tag string }
	env := NewEnvironment[IncState, uint64](&IncrementFold{}, mock, nil, &userData{tag: "x"}, quietConfig())
	if env.UserData.(*userData).tag != "x" {
		t.Error("user data lost")
	}
}
