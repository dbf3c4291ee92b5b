package blockhistory

import (
	"errors"
	"sync"

	"github.com/chainfold/chainfold/pkg/core/types"
)

var (
	// ErrSubscriberLagged means the subscription queue filled up and the hub
	// dropped the stream rather than block the poll loop.
	ErrSubscriberLagged = errors.New("blockhistory: subscriber lagged, stream closed")

	// ErrDeepReorg means reconcile walked past MaxReorgDepth without finding
	// a common ancestor. Fatal to the hub and every stream.
	ErrDeepReorg = errors.New("blockhistory: reorg exceeded max depth")
)

// Subscription is one consumer's cursor into the block stream at a fixed
// depth below tip. The hub owns the sending side; the consumer reads Items
// until it closes, then inspects Err.
type Subscription struct {
	depth uint64
	items chan types.StreamItem

	// next is the next canonical height to deliver at this depth. Guarded by
	// the hub mutex, as is closed transitions driven by the hub.
	next uint64

	mu     sync.Mutex
	closed bool
	err    error
}

func newSubscription(depth uint64, queueCap int) *Subscription {
	return &Subscription{
		depth: depth,
		items: make(chan types.StreamItem, queueCap),
	}
}

// Items returns the stream. It is closed when the subscription ends; check
// Err afterwards to distinguish Unsubscribe from a fault.
func (s *Subscription) Items() <-chan types.StreamItem {
	return s.items
}

// Depth returns the configured distance below tip.
func (s *Subscription) Depth() uint64 {
	return s.depth
}

// Err reports why the stream closed: ErrSubscriberLagged, ErrDeepReorg, or
// nil after a clean Unsubscribe or hub stop.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe ends the stream. Idempotent; the hub garbage-collects the
// registration on its next publish.
func (s *Subscription) Unsubscribe() {
	s.close(nil)
}

// deliver enqueues an item without blocking. Returns false when the queue is
// full or the subscription already closed.
func (s *Subscription) deliver(item types.StreamItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.items <- item:
		return true
	default:
		return false
	}
}

// close ends the stream with the given terminal error. Idempotent.
func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.items)
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
