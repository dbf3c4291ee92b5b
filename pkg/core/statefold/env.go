package statefold

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/chainfold/chainfold/pkg/core/blockhistory"
	"github.com/chainfold/chainfold/pkg/core/types"
	"github.com/chainfold/chainfold/pkg/ledger"
)

// Config holds the engine-side knobs. Zero values fall back to defaults.
type Config struct {
	// SafetyDepth drives fold-cache retention: entries below tip minus this
	// depth are pruned (the deepest ancestor per initial state survives).
	SafetyDepth uint64

	// GenesisNumber is the block sync derivations query history from,
	// typically the deployment block of the contracts of interest.
	GenesisNumber uint64

	// Filter is the default event filter access views apply when user code
	// queries with a zero-value filter.
	Filter ledger.EventFilter

	// PartitionSize is the largest block range a single event query may
	// cover; larger ranges are split and fetched concurrently.
	PartitionSize uint64

	// MaxFoldDistance is how far the engine walks back looking for a cached
	// ancestor before preferring a from-scratch sync.
	MaxFoldDistance uint64

	Logger *logrus.Logger
}

const (
	DefaultPartitionSize   = 256
	DefaultMaxFoldDistance = 32
)

func (c Config) withDefaults() Config {
	if c.SafetyDepth == 0 {
		c.SafetyDepth = blockhistory.DefaultSafetyDepth
	}
	if c.PartitionSize == 0 {
		c.PartitionSize = DefaultPartitionSize
	}
	if c.MaxFoldDistance == 0 {
		c.MaxFoldDistance = DefaultMaxFoldDistance
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Environment owns the fold cache and orchestrates sync-vs-fold decisions
// over a Foldable. The history store is shared with the block subscriber
// when one runs; standalone environments resolve against the ledger
// directly. UserData is an opaque value passed through to user code.
type Environment[S any, K comparable] struct {
	cfg      Config
	log      *logrus.Entry
	reader   ledger.Reader
	history  *blockhistory.Store
	foldable Foldable[S, K]
	cache    *foldCache[S, K]

	UserData any
}

// NewEnvironment builds an engine over foldable. A nil history creates a
// private store; pass the subscriber's store to share the canonical view.
func NewEnvironment[S any, K comparable](foldable Foldable[S, K], reader ledger.Reader, history *blockhistory.Store, userData any, cfg Config) *Environment[S, K] {
	cfg = cfg.withDefaults()
	if history == nil {
		history = blockhistory.NewStore()
	}
	return &Environment[S, K]{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "statefold"),
		reader:   reader,
		history:  history,
		foldable: foldable,
		cache:    newFoldCache[S, K](),
		UserData: userData,
	}
}

// CacheSize returns the number of live fold-cache entries.
func (e *Environment[S, K]) CacheSize() int {
	return e.cache.size()
}

// GetStateForBlock returns the derived state at the block query resolves to,
// reusing the deepest cached ancestor when one is within MaxFoldDistance and
// syncing from scratch otherwise. Concurrent calls for the same
// (initial, block) share a single computation; its result is cached even if
// the caller goes away.
func (e *Environment[S, K]) GetStateForBlock(ctx context.Context, initial K, query types.QueryBlock) (*types.BlockState[S], error) {
	block, err := e.resolveQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	s, claimed := e.cache.claim(initial, block.Hash)
	if !claimed {
		if s.ready() {
			metricCacheHits.Inc()
		} else {
			metricCacheWaits.Inc()
		}
		return e.cache.wait(ctx, s)
	}

	// The computation outlives a cancelled caller on purpose: the result
	// still lands in the cache for waiters and future calls.
	go e.compute(context.WithoutCancel(ctx), initial, block, s)
	return e.cache.wait(ctx, s)
}

// resolveQuery maps the query onto a concrete block, preferring the shared
// canonical view and falling back to the ledger when the store cannot
// answer. Targets above the tip fail with ErrBlockOutOfRange.
func (e *Environment[S, K]) resolveQuery(ctx context.Context, query types.QueryBlock) (*types.Block, error) {
	if b, err := e.history.ResolveQuery(query); err == nil {
		return b, nil
	}

	switch query.Kind {
	case types.QueryHash:
		b, err := e.reader.BlockByHash(ctx, query.Hash)
		if err != nil {
			if ledger.IsNotFound(err) {
				return nil, ErrBlockOutOfRange
			}
			return nil, err
		}
		e.remember(b)
		return b, nil

	case types.QueryLatest, types.QueryNumber, types.QueryDepth:
		tipNum, err := e.reader.TipNumber(ctx)
		if err != nil {
			return nil, err
		}
		var number uint64
		switch query.Kind {
		case types.QueryLatest:
			number = tipNum
		case types.QueryNumber:
			if query.Number > tipNum {
				return nil, ErrBlockOutOfRange
			}
			number = query.Number
		case types.QueryDepth:
			if query.Depth > tipNum {
				return nil, ErrBlockOutOfRange
			}
			number = tipNum - query.Depth
		}
		b, err := e.reader.BlockByNumber(ctx, number)
		if err != nil {
			if ledger.IsNotFound(err) {
				return nil, ErrBlockOutOfRange
			}
			return nil, err
		}
		e.remember(b)
		return b, nil
	}
	return nil, ErrBlockOutOfRange
}

// remember inserts a fetched header into the shared store. Duplicate hashes
// with diverging contents indicate an endpoint fault; resolution proceeds
// with the fetched header regardless.
func (e *Environment[S, K]) remember(b *types.Block) {
	if err := e.history.Insert(b); err != nil && !errors.Is(err, blockhistory.ErrDuplicateHash) {
		e.log.WithError(err).WithField("hash", b.Hash.Hex()).Warn("header insert failed")
	}
}

// blockByHash reads a header through the store, fetching and remembering on
// a miss.
func (e *Environment[S, K]) blockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	if b, ok := e.history.GetByHash(hash); ok {
		return b, nil
	}
	b, err := e.reader.BlockByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	e.remember(b)
	return b, nil
}

// compute fills a claimed slot: fold forward from the deepest cached
// ancestor within reach, or sync from scratch. Every intermediate fold
// result is published for future reuse.
func (e *Environment[S, K]) compute(ctx context.Context, initial K, block *types.Block, s *slot[S]) {
	path, ancestor, ok := e.findAncestor(ctx, initial, block)

	var state S
	if ok {
		prev := ancestor.state
		prevBlock := ancestor.block
		for i := len(path) - 1; i >= 0; i-- {
			step := path[i]
			access := e.newFoldAccess(prevBlock, step)
			next, err := e.foldable.Fold(ctx, prev, step, e, access)
			if err != nil {
				e.cache.fail(initial, block.Hash, s, newFoldableError(step.Hash, err))
				return
			}
			metricFolds.Inc()
			if step.Hash != block.Hash {
				e.cache.publish(initial, step, next)
			}
			prev, prevBlock = next, step
		}
		state = prev
	} else {
		var err error
		state, err = e.foldable.Sync(ctx, initial, block, e, e.newSyncAccess(block))
		if err != nil {
			e.cache.fail(initial, block.Hash, s, newFoldableError(block.Hash, err))
			return
		}
		metricSyncs.Inc()
	}

	e.cache.complete(s, block, state)

	if tip := e.history.Tip(); tip != nil {
		floor := blockhistory.PruneFloor(tip.Number, e.cfg.SafetyDepth)
		if removed := e.cache.pruneBelow(floor); removed > 0 {
			metricCachePruned.Add(float64(removed))
		}
	}
}

// findAncestor walks parents of block for up to MaxFoldDistance steps,
// probing the cache at each one. It returns the blocks between the ancestor
// and block (block first, ancestor's child last) plus the ancestor's cached
// state. ok is false when no usable ancestor is within the bound, or a
// parent header cannot be resolved.
func (e *Environment[S, K]) findAncestor(ctx context.Context, initial K, block *types.Block) ([]*types.Block, *slot[S], bool) {
	path := []*types.Block{block}
	cur := block
	for step := uint64(0); step < e.cfg.MaxFoldDistance; step++ {
		if cur.Number == 0 {
			break
		}
		parent, err := e.blockByHash(ctx, cur.ParentHash)
		if err != nil {
			break
		}
		if s, ok := e.cache.peek(initial, parent.Hash); ok {
			return path, s, true
		}
		path = append(path, parent)
		cur = parent
	}
	return nil, nil, false
}

func (e *Environment[S, K]) newSyncAccess(target *types.Block) *SyncAccess {
	return &SyncAccess{
		accessCore: accessCore{
			reader:        e.reader,
			filter:        e.cfg.Filter,
			partitionSize: e.cfg.PartitionSize,
			floor:         e.cfg.GenesisNumber,
			target:        target,
		},
		genesis: e.cfg.GenesisNumber,
	}
}

func (e *Environment[S, K]) newFoldAccess(previous, target *types.Block) *FoldAccess {
	return &FoldAccess{
		accessCore: accessCore{
			reader:        e.reader,
			filter:        e.cfg.Filter,
			partitionSize: e.cfg.PartitionSize,
			floor:         previous.Number + 1,
			target:        target,
		},
		previous: previous,
	}
}
