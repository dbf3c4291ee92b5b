package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chainfold/chainfold/pkg/core/types"
)

// DefaultHeaderCacheSize is sized for a few safety depths of headers.
const DefaultHeaderCacheSize = 1024

// CachingReader decorates a Reader with an LRU cache of headers keyed by
// hash. Headers are immutable, so by-hash entries never go stale. By-number
// and tip lookups are never cached: both move with the endpoint's tip.
type CachingReader struct {
	inner  Reader
	byHash *lru.Cache[common.Hash, *types.Block]
}

// NewCachingReader wraps inner with a header cache of the given size.
// A size <= 0 falls back to DefaultHeaderCacheSize.
func NewCachingReader(inner Reader, size int) *CachingReader {
	if size <= 0 {
		size = DefaultHeaderCacheSize
	}
	// lru.New only fails on a non-positive size.
	cache, _ := lru.New[common.Hash, *types.Block](size)
	return &CachingReader{inner: inner, byHash: cache}
}

func (r *CachingReader) TipNumber(ctx context.Context) (uint64, error) {
	return r.inner.TipNumber(ctx)
}

func (r *CachingReader) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	if b, ok := r.byHash.Get(hash); ok {
		return b, nil
	}
	b, err := r.inner.BlockByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	r.byHash.Add(b.Hash, b)
	return b, nil
}

func (r *CachingReader) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	b, err := r.inner.BlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	r.byHash.Add(b.Hash, b)
	return b, nil
}

func (r *CachingReader) QueryEvents(ctx context.Context, filter EventFilter, from, to uint64) ([]gethtypes.Log, error) {
	return r.inner.QueryEvents(ctx, filter, from, to)
}
