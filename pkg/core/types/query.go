package types

import "github.com/ethereum/go-ethereum/common"

// QueryBlockKind discriminates the variants of a QueryBlock.
type QueryBlockKind int

const (
	// QueryLatest targets the current canonical tip.
	QueryLatest QueryBlockKind = iota
	// QueryHash targets a block by hash.
	QueryHash
	// QueryNumber targets the canonical block at a given height.
	QueryNumber
	// QueryDepth targets the canonical block at tip minus a depth.
	QueryDepth
)

// QueryBlock names a request target, resolved against the canonical chain at
// request time.
type QueryBlock struct {
	Kind   QueryBlockKind
	Hash   common.Hash
	Number uint64
	Depth  uint64
}

// Latest targets the canonical tip.
func Latest() QueryBlock {
	return QueryBlock{Kind: QueryLatest}
}

// ByHash targets the block with the given hash.
func ByHash(h common.Hash) QueryBlock {
	return QueryBlock{Kind: QueryHash, Hash: h}
}

// ByNumber targets the canonical block at height n.
func ByNumber(n uint64) QueryBlock {
	return QueryBlock{Kind: QueryNumber, Number: n}
}

// ByDepth targets the canonical block d below the tip.
func ByDepth(d uint64) QueryBlock {
	return QueryBlock{Kind: QueryDepth, Depth: d}
}
