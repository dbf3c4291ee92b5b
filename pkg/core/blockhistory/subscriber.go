package blockhistory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chainfold/chainfold/pkg/core/types"
	"github.com/chainfold/chainfold/pkg/ledger"
)

// Config holds the follower-side knobs. Zero values fall back to defaults.
type Config struct {
	// PollInterval is the cadence of the reconcile loop.
	PollInterval time.Duration

	// SafetyDepth is the depth below tip past which reorgs are not
	// tolerated; it drives pruning together with subscriber depths.
	SafetyDepth uint64

	// MaxReorgDepth is the hard limit for reconcile. Exceeding it halts the
	// hub with ErrDeepReorg.
	MaxReorgDepth uint64

	// QueueCap bounds each subscription's pending items.
	QueueCap int

	// BackfillWindow is how many canonical blocks below the depth horizon a
	// new subscription replays immediately.
	BackfillWindow uint64

	// PruneSlack keeps a few extra headers below the computed floor.
	PruneSlack uint64

	// Archive, when set, receives canonical headers so a restarted follower
	// can warm its backfill replay. Best-effort: it is written on each tick
	// that advances the chain, and write failures are logged and ignored.
	Archive *Archive

	Logger *logrus.Logger
}

const (
	DefaultPollInterval   = 4 * time.Second
	DefaultMaxReorgDepth  = 64
	DefaultQueueCap       = 128
	DefaultPruneSlack     = 8
	DefaultBackfillWindow = 0
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SafetyDepth == 0 {
		c.SafetyDepth = DefaultSafetyDepth
	}
	if c.MaxReorgDepth == 0 {
		c.MaxReorgDepth = DefaultMaxReorgDepth
	}
	if c.QueueCap <= 0 {
		c.QueueCap = DefaultQueueCap
	}
	if c.PruneSlack == 0 {
		c.PruneSlack = DefaultPruneSlack
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// BlockSubscriber follows a ledger endpoint, keeps the history store
// reconciled with the endpoint's canonical view, and multicasts the block
// stream to depth-parameterized subscriptions.
type BlockSubscriber struct {
	cfg    Config
	log    *logrus.Entry
	reader ledger.Reader
	store  *Store

	mu      sync.Mutex
	subs    []*Subscription
	termErr error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start bootstraps the canonical view from the endpoint and launches the
// poll loop. A nil store creates a fresh one; passing a shared store lets the
// fold engine read the same canonical index.
func Start(ctx context.Context, reader ledger.Reader, store *Store, cfg Config) (*BlockSubscriber, error) {
	cfg = cfg.withDefaults()
	if store == nil {
		store = NewStore()
	}

	s := &BlockSubscriber{
		cfg:    cfg,
		log:    cfg.Logger.WithField("component", "blockhistory"),
		reader: reader,
		store:  store,
	}

	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.pollLoop(loopCtx)

	return s, nil
}

// bootstrap fetches the endpoint tip plus enough ancestry to serve depth
// subscriptions and replay windows, preferring archived headers over
// refetching. The store base is pinned at the deepest header fetched.
func (s *BlockSubscriber) bootstrap(ctx context.Context) error {
	tipNum, err := s.reader.TipNumber(ctx)
	if err != nil {
		return err
	}
	tip, err := s.reader.BlockByNumber(ctx, tipNum)
	if err != nil {
		return err
	}

	keep := s.cfg.SafetyDepth + s.cfg.BackfillWindow
	floor := PruneFloor(tip.Number, keep)

	headers := []*types.Block{tip}
	cur := tip
	for cur.Number > floor {
		parent, err := s.lookupHeader(ctx, cur)
		if err != nil {
			return err
		}
		headers = append(headers, parent)
		cur = parent
	}

	for _, b := range headers {
		if err := s.store.Insert(b); err != nil {
			return err
		}
	}
	if floor > 0 {
		s.store.PruneBelow(floor)
	}
	if err := s.store.SetTip(tip.Hash); err != nil {
		return err
	}

	metricTipNumber.Set(float64(tip.Number))
	s.log.WithFields(logrus.Fields{
		"height": tip.Number,
		"hash":   tip.Hash.Hex(),
		"floor":  floor,
	}).Info("follower bootstrapped")
	return nil
}

// lookupHeader resolves the parent of cur: store first, then the archive,
// then the endpoint.
func (s *BlockSubscriber) lookupHeader(ctx context.Context, cur *types.Block) (*types.Block, error) {
	if b, ok := s.store.GetByHash(cur.ParentHash); ok {
		return b, nil
	}
	if s.cfg.Archive != nil {
		if b, err := s.cfg.Archive.Header(cur.ParentHash); err == nil {
			return b, nil
		}
	}
	return s.reader.BlockByHash(ctx, cur.ParentHash)
}

// Store exposes the shared canonical view.
func (s *BlockSubscriber) Store() *Store {
	return s.store
}

// Err returns the hub's terminal error, if any (ErrDeepReorg).
func (s *BlockSubscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Stop halts the poll loop and closes every stream cleanly.
func (s *BlockSubscriber) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.close(nil)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (s *BlockSubscriber) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if !sub.isClosed() {
			n++
		}
	}
	return n
}

// SubscribeNewBlocksAtDepth registers a stream that trails the tip by d
// blocks. It immediately replays the canonical blocks from
// tip-d-BackfillWindow through tip-d that are present in the store, then
// delivers one NewBlock per unit of tip advance, plus any reorg that crosses
// the subscription's horizon.
func (s *BlockSubscriber) SubscribeNewBlocksAtDepth(d uint64) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.termErr != nil {
		return nil, s.termErr
	}
	tip := s.store.Tip()
	if tip == nil {
		return nil, ErrEmptyChain
	}

	sub := newSubscription(d, s.cfg.QueueCap)

	if tip.Number >= d {
		horizon := tip.Number - d
		start := horizon - min64(horizon, s.cfg.BackfillWindow)
		for n := start; n <= horizon; n++ {
			b, ok := s.store.GetCanonicalByNumber(n)
			if !ok {
				continue
			}
			if !sub.deliver(types.NewBlockItem(b)) {
				break
			}
		}
		sub.next = horizon + 1
	} else {
		// Chain shorter than the requested depth: deliveries begin once the
		// tip grows past it.
		sub.next = 0
	}

	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *BlockSubscriber) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PollInterval):
			err := s.tick(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrDeepReorg):
				s.halt(err)
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				// Adapter trouble: abandon the tick, keep the store intact,
				// retry next interval.
				metricTickFailures.Inc()
				s.log.WithError(err).Warn("tick abandoned")
			}
		}
	}
}

// tick reads the endpoint tip, reconciles against the canonical view, and
// publishes the resulting events. No store lock is held across reader calls:
// reconcile fetches first, then commits.
func (s *BlockSubscriber) tick(ctx context.Context) error {
	tipNum, err := s.reader.TipNumber(ctx)
	if err != nil {
		return err
	}

	oldTip := s.store.Tip()
	if tipNum == oldTip.Number {
		cur, err := s.reader.BlockByNumber(ctx, tipNum)
		if err != nil {
			return err
		}
		if cur.Hash == oldTip.Hash {
			return nil
		}
		// Same height, different hash: a sibling replaced the tip.
		return s.reconcile(ctx, cur, oldTip)
	}

	newTip, err := s.reader.BlockByNumber(ctx, tipNum)
	if err != nil {
		return err
	}
	return s.reconcile(ctx, newTip, oldTip)
}

// reconcile walks parents from newTip until it meets the canonical branch,
// commits the new branch, and publishes NewBlock/Reorg events.
func (s *BlockSubscriber) reconcile(ctx context.Context, newTip, oldTip *types.Block) error {
	// Walk back to the common ancestor, collecting the fresh branch
	// tip-first. All fetches happen before any store mutation.
	var fresh []*types.Block
	cur := newTip
	for !s.store.IsCanonical(cur.Hash) {
		if uint64(len(fresh)) > s.cfg.MaxReorgDepth {
			return ErrDeepReorg
		}
		fresh = append(fresh, cur)
		if cur.Number == 0 || cur.Number <= s.store.Base() {
			return ErrDeepReorg
		}
		parent, err := s.lookupHeader(ctx, cur)
		if err != nil {
			return err
		}
		cur = parent
	}
	ancestor := cur

	if len(fresh) == 0 {
		// The endpoint's tip is already on our canonical branch (it can lag
		// behind ours transiently). Nothing to publish.
		return nil
	}

	// Old canonical blocks rolled off, tip-first down to the ancestor's
	// child. Empty on a pure extension.
	var rolled []*types.Block
	if ancestor.Hash != oldTip.Hash && oldTip.Number > ancestor.Number {
		var err error
		rolled, err = s.store.AncestorPath(oldTip.Hash, ancestor.Number+1)
		if err != nil {
			return err
		}
	}

	// Commit: insert the fresh branch and swing the index.
	appended := make([]*types.Block, len(fresh))
	for i, b := range fresh {
		appended[len(fresh)-1-i] = b
	}
	for _, b := range appended {
		if err := s.store.Insert(b); err != nil {
			return err
		}
	}
	if err := s.store.SetTip(newTip.Hash); err != nil {
		return err
	}

	metricTipNumber.Set(float64(newTip.Number))
	metricBlocksSeen.Add(float64(len(appended)))
	if len(rolled) > 0 {
		metricReorgs.Inc()
		s.log.WithFields(logrus.Fields{
			"depth":    len(rolled),
			"ancestor": ancestor.Number,
			"tip":      newTip.Number,
		}).Info("reorg")
	}

	s.persist(appended, newTip)
	s.publish(ancestor, rolled, newTip)
	s.prune(newTip)
	return nil
}

// publish fans the tick's events out to every live subscription. A full
// queue drops the subscription with ErrSubscriberLagged; the loop never
// blocks on a slow consumer.
func (s *BlockSubscriber) publish(ancestor *types.Block, rolled []*types.Block, newTip *types.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.subs[:0]
	for _, sub := range s.subs {
		if sub.isClosed() {
			continue
		}
		if s.feed(sub, ancestor, rolled, newTip) {
			live = append(live, sub)
		}
	}
	s.subs = live
}

// feed delivers this tick's view to one subscription. Returns false when the
// subscription lagged and was dropped.
func (s *BlockSubscriber) feed(sub *Subscription, ancestor *types.Block, rolled []*types.Block, newTip *types.Block) bool {
	// A reorg touches this subscription only if it rolled back a height the
	// subscription already delivered. Shallower reorgs are dropped.
	if len(rolled) > 0 && sub.next > 0 && ancestor.Number < sub.next-1 {
		if !sub.deliver(types.ReorgItem(rolled)) {
			s.drop(sub)
			return false
		}
		sub.next = ancestor.Number + 1
	}

	if newTip.Number < sub.depth {
		return true
	}
	horizon := newTip.Number - sub.depth
	for sub.next <= horizon {
		b, ok := s.store.GetCanonicalByNumber(sub.next)
		if !ok {
			break
		}
		if !sub.deliver(types.NewBlockItem(b)) {
			s.drop(sub)
			return false
		}
		sub.next++
	}
	return true
}

func (s *BlockSubscriber) drop(sub *Subscription) {
	metricDroppedSubs.Inc()
	s.log.WithField("depth", sub.depth).Warn("dropping lagged subscriber")
	sub.close(ErrSubscriberLagged)
}

// persist appends the tick's canonical headers to the archive before the
// tick's events are published. Failures are logged and ignored; the archive
// is a warm-start aid, not a dependency.
func (s *BlockSubscriber) persist(appended []*types.Block, newTip *types.Block) {
	if s.cfg.Archive == nil {
		return
	}
	for _, b := range appended {
		if err := s.cfg.Archive.PutHeader(b); err != nil {
			s.log.WithError(err).Warn("archive write failed")
			return
		}
		if err := s.cfg.Archive.SetCanonical(b.Number, b.Hash); err != nil {
			s.log.WithError(err).Warn("archive write failed")
			return
		}
	}
	if err := s.cfg.Archive.SaveHead(newTip.Hash); err != nil {
		s.log.WithError(err).Warn("archive write failed")
	}
}

// prune discards headers below the deepest horizon any consumer can still
// reach: the safety depth, the deepest subscription plus its replay window,
// and any undelivered heights, padded by the slack.
func (s *BlockSubscriber) prune(newTip *types.Block) {
	keep := s.cfg.SafetyDepth
	floorGuard := newTip.Number

	s.mu.Lock()
	for _, sub := range s.subs {
		if d := sub.depth + s.cfg.BackfillWindow; d > keep {
			keep = d
		}
		if sub.next < floorGuard {
			floorGuard = sub.next
		}
	}
	s.mu.Unlock()

	floor := PruneFloor(newTip.Number, keep+s.cfg.PruneSlack)
	if floor > floorGuard {
		floor = floorGuard
	}
	if removed := s.store.PruneBelow(floor); removed > 0 {
		metricPrunedHeaders.Add(float64(removed))
	}
}

// halt ends every stream with a terminal error. Only ErrDeepReorg reaches
// here; the store stays intact for post-mortem reads.
func (s *BlockSubscriber) halt(err error) {
	s.log.WithError(err).Error("halting")

	s.mu.Lock()
	s.termErr = err
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close(err)
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
