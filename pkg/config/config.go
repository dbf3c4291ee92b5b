package config

import (
	"time"

	"github.com/chainfold/chainfold/pkg/core/blockhistory"
	"github.com/chainfold/chainfold/pkg/core/statefold"
	"github.com/chainfold/chainfold/pkg/ledger"
)

// FollowerConfig bundles every knob of a running follower: the hub's
// reconcile loop, the fold engine, and the ledger decorators.
type FollowerConfig struct {
	// PollInterval is the cadence of the reconcile loop.
	PollInterval time.Duration

	// SafetyDepth is the depth below tip past which reorgs are not
	// tolerated; it drives header pruning and fold-cache retention.
	SafetyDepth uint64

	// MaxReorgDepth halts the hub when reconcile walks past it.
	MaxReorgDepth uint64

	// PartitionSize caps the block range of one event query.
	PartitionSize uint64

	// SubscriptionQueueCap bounds each subscription's pending items.
	SubscriptionQueueCap int

	// MaxFoldDistance bounds the cached-ancestor walk before the engine
	// prefers a from-scratch sync.
	MaxFoldDistance uint64

	// BackfillWindow is how many blocks below the depth horizon a new
	// subscription replays.
	BackfillWindow uint64

	// CallTimeout bounds a single ledger adapter call.
	CallTimeout time.Duration

	// ArchivePath, when non-empty, enables the persistent header archive.
	ArchivePath string
}

// Default returns the parameters suitable for a mainnet-like chain with a
// block time of a dozen seconds.
func Default() FollowerConfig {
	return FollowerConfig{
		PollInterval:         blockhistory.DefaultPollInterval,
		SafetyDepth:          blockhistory.DefaultSafetyDepth,
		MaxReorgDepth:        blockhistory.DefaultMaxReorgDepth,
		PartitionSize:        statefold.DefaultPartitionSize,
		SubscriptionQueueCap: blockhistory.DefaultQueueCap,
		MaxFoldDistance:      statefold.DefaultMaxFoldDistance,
		BackfillWindow:       blockhistory.DefaultBackfillWindow,
		CallTimeout:          ledger.DefaultCallTimeout,
	}
}

// HistoryConfig projects the follower config onto the subscriber hub.
func (c FollowerConfig) HistoryConfig() blockhistory.Config {
	return blockhistory.Config{
		PollInterval:   c.PollInterval,
		SafetyDepth:    c.SafetyDepth,
		MaxReorgDepth:  c.MaxReorgDepth,
		QueueCap:       c.SubscriptionQueueCap,
		BackfillWindow: c.BackfillWindow,
	}
}

// FoldConfig projects the follower config onto the fold engine.
func (c FollowerConfig) FoldConfig() statefold.Config {
	return statefold.Config{
		SafetyDepth:     c.SafetyDepth,
		PartitionSize:   c.PartitionSize,
		MaxFoldDistance: c.MaxFoldDistance,
	}
}
