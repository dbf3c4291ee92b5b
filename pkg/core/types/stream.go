package types

// StreamItemKind discriminates the variants of a StreamItem.
type StreamItemKind int

const (
	// ItemNewBlock carries a single block appended to the canonical chain.
	ItemNewBlock StreamItemKind = iota
	// ItemReorg carries the blocks rolled off the canonical chain, tip-first.
	ItemReorg
)

// StreamItem is one element of a block subscription stream.
// Exactly one of Block / Rolled is set, according to Kind.
type StreamItem struct {
	Kind StreamItemKind

	// Block is the appended block for ItemNewBlock.
	Block *Block

	// Rolled lists the abandoned blocks for ItemReorg, ordered tip-first:
	// the old tip comes first, the child of the common ancestor last.
	Rolled []*Block
}

// NewBlockItem builds an ItemNewBlock stream element.
func NewBlockItem(b *Block) StreamItem {
	return StreamItem{Kind: ItemNewBlock, Block: b}
}

// ReorgItem builds an ItemReorg stream element.
func ReorgItem(rolled []*Block) StreamItem {
	return StreamItem{Kind: ItemReorg, Rolled: rolled}
}
