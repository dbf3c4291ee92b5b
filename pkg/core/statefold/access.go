package statefold

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/chainfold/chainfold/pkg/core/types"
	"github.com/chainfold/chainfold/pkg/ledger"
)

// accessCore is the shared restriction machinery of the two middlewares: it
// clamps event queries to [floor, target], splits ranges larger than the
// partition size, fetches partitions concurrently with per-partition retry,
// and concatenates the results in canonical order.
type accessCore struct {
	reader        ledger.Reader
	filter        ledger.EventFilter
	partitionSize uint64
	floor         uint64
	target        *types.Block
}

// Block returns the block this view is pinned to. "Latest" means this.
func (c *accessCore) Block() *types.Block {
	return c.target
}

// BlockByNumber forwards a header read, refusing numbers beyond the pinned
// block so user code cannot observe future state.
func (c *accessCore) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	if number > c.target.Number {
		return nil, ErrQueryOutOfRange
	}
	return c.reader.BlockByNumber(ctx, number)
}

// QueryEvents returns events matching filter in [from, to]. A zero-value
// filter falls back to the environment's configured filter. to is clamped to
// the pinned block; a from outside the view fails with ErrQueryOutOfRange.
// Adapter error kinds pass through unchanged.
func (c *accessCore) QueryEvents(ctx context.Context, filter ledger.EventFilter, from, to uint64) ([]gethtypes.Log, error) {
	if len(filter.Addresses) == 0 && len(filter.Topics) == 0 {
		filter = c.filter
	}
	if from < c.floor || from > c.target.Number {
		return nil, ErrQueryOutOfRange
	}
	if to > c.target.Number {
		to = c.target.Number
	}
	if from > to {
		return nil, nil
	}

	type span struct{ from, to uint64 }
	var spans []span
	for lo := from; ; {
		hi := lo + c.partitionSize - 1
		if hi >= to || hi < lo {
			spans = append(spans, span{lo, to})
			break
		}
		spans = append(spans, span{lo, hi})
		lo = hi + 1
	}

	results := make([][]gethtypes.Log, len(spans))
	g, gctx := errgroup.WithContext(ctx)
	for i, sp := range spans {
		i, sp := i, sp
		g.Go(func() error {
			logs, err := c.fetchPartition(gctx, filter, sp.from, sp.to)
			if err != nil {
				return err
			}
			results[i] = logs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []gethtypes.Log
	for _, logs := range results {
		out = append(out, logs...)
	}
	return out, nil
}

// fetchPartition runs one sub-range query, retrying transient failures a few
// times before giving up.
func (c *accessCore) fetchPartition(ctx context.Context, filter ledger.EventFilter, from, to uint64) ([]gethtypes.Log, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	var logs []gethtypes.Log
	err := backoff.Retry(func() error {
		var err error
		logs, err = c.reader.QueryEvents(ctx, filter, from, to)
		if err == nil {
			return nil
		}
		if ledger.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// SyncAccess is the read-only ledger view handed to Foldable.Sync: the whole
// history from the environment's genesis up to the pinned block.
type SyncAccess struct {
	accessCore
	genesis uint64
}

// Events returns every matching event from the environment's genesis block
// through the pinned block.
func (a *SyncAccess) Events(ctx context.Context, filter ledger.EventFilter) ([]gethtypes.Log, error) {
	return a.QueryEvents(ctx, filter, a.genesis, a.target.Number)
}

// FoldAccess is the read-only ledger view handed to Foldable.Fold: only the
// half-open delta (previous, block], so fold code observes exactly the new
// block's contribution.
type FoldAccess struct {
	accessCore
	previous *types.Block
}

// Previous returns the block the fold extends from.
func (a *FoldAccess) Previous() *types.Block {
	return a.previous
}

// Events returns the matching events of the pinned block alone.
func (a *FoldAccess) Events(ctx context.Context, filter ledger.EventFilter) ([]gethtypes.Log, error) {
	return a.QueryEvents(ctx, filter, a.floor, a.target.Number)
}
