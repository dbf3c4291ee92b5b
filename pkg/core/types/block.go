package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Block is the header-only view of a ledger block. Bodies are never retained;
// identity is Hash and chain position is (Number, ParentHash).
// Blocks are immutable once observed.
type Block struct {
	Hash       common.Hash
	ParentHash common.Hash
	Number     uint64
	Timestamp  uint64
	LogsBloom  gethtypes.Bloom
}

// SameAs reports whether two headers describe the same block with the same
// contents. Used to detect hash collisions on insert.
func (b *Block) SameAs(other *Block) bool {
	if b == nil || other == nil {
		return b == other
	}
	return *b == *other
}

func (b *Block) String() string {
	return fmt.Sprintf("block #%d %s", b.Number, b.Hash.Hex())
}

// BlockState pairs a derived state with the block at which it is valid.
type BlockState[S any] struct {
	Block *Block
	State S
}
