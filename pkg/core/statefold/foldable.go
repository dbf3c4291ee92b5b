package statefold

import (
	"context"

	"github.com/chainfold/chainfold/pkg/core/types"
)

// Foldable is the user-supplied state derivation. S is the derived state,
// K the initial-state key the cache is partitioned by (typically a contract
// address or a small config struct; it must be comparable).
//
// The contract: for every block B, Sync(initial, B) must equal Sync at any
// ancestor A followed by folding A's child through B, and both functions
// must be deterministic given the same restricted access. The engine relies
// on this to substitute fold-from-ancestor for sync-from-scratch.
type Foldable[S any, K comparable] interface {
	// Sync derives the state at block from the initial state alone, using
	// historical event queries up to (and including) block.
	Sync(ctx context.Context, initial K, block *types.Block, env *Environment[S, K], access *SyncAccess) (S, error)

	// Fold extends the state at block's parent by the single block delta.
	// The access view exposes only that delta.
	Fold(ctx context.Context, previous S, block *types.Block, env *Environment[S, K], access *FoldAccess) (S, error)
}
