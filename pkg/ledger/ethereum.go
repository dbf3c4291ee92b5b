package ledger

import (
	"context"
	"errors"
	"math/big"
	"net"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	pkgerrors "github.com/pkg/errors"

	"github.com/chainfold/chainfold/pkg/core/types"
)

// EthClient is the subset of ethclient.Client the adapter needs. It is an
// interface so tests can stand in for a live node.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*gethtypes.Header, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// EthReader adapts a go-ethereum client to the Reader contract. Every call is
// bounded by Timeout; expiries surface as transient errors.
type EthReader struct {
	client  EthClient
	timeout time.Duration
}

// DefaultCallTimeout bounds a single adapter call when none is configured.
const DefaultCallTimeout = 20 * time.Second

// NewEthReader wraps client. A zero timeout falls back to DefaultCallTimeout.
func NewEthReader(client EthClient, timeout time.Duration) *EthReader {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &EthReader{client: client, timeout: timeout}
}

// Dial connects to an Ethereum JSON-RPC endpoint and wraps it as a Reader.
func Dial(ctx context.Context, url string, timeout time.Duration) (*EthReader, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, Transient(pkgerrors.Wrapf(err, "dial %s", url))
	}
	return NewEthReader(client, timeout), nil
}

func (r *EthReader) TipNumber(ctx context.Context) (uint64, error) {
	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.client.BlockNumber(tctx)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *EthReader) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	header, err := r.client.HeaderByHash(tctx, hash)
	if err != nil {
		return nil, classify(err)
	}
	return headerToBlock(header), nil
}

func (r *EthReader) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	header, err := r.client.HeaderByNumber(tctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, classify(err)
	}
	return headerToBlock(header), nil
}

func (r *EthReader) QueryEvents(ctx context.Context, filter EventFilter, from, to uint64) ([]gethtypes.Log, error) {
	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	logs, err := r.client.FilterLogs(tctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: filter.Addresses,
		Topics:    filter.Topics,
	})
	if err != nil {
		return nil, classify(err)
	}
	return logs, nil
}

func headerToBlock(h *gethtypes.Header) *types.Block {
	return &types.Block{
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Number:     h.Number.Uint64(),
		Timestamp:  h.Time,
		LogsBloom:  h.Bloom,
	}
}

// classify maps go-ethereum client errors onto the Reader error model.
// Node misses map to ErrNotFound; context cancellation passes through
// unwrapped; network and deadline failures are transient; everything else
// is permanent.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ethereum.NotFound):
		return ErrNotFound
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	return Permanent(pkgerrors.Wrap(err, "ethereum rpc"))
}
