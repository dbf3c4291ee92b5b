package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/chainfold/chainfold/pkg/core/types"
)

// RetryPolicy bounds the exponential backoff applied by RetryingReader.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryPolicy retries a handful of times over a few seconds, enough to
// ride out a brief endpoint hiccup without stalling the poll loop.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxRetries:      5,
	}
}

// RetryingReader decorates a Reader with exponential backoff on transient
// failures. Permanent failures and ErrNotFound pass through immediately.
type RetryingReader struct {
	inner  Reader
	policy RetryPolicy
}

// NewRetryingReader wraps inner with policy.
func NewRetryingReader(inner Reader, policy RetryPolicy) *RetryingReader {
	return &RetryingReader{inner: inner, policy: policy}
}

func (r *RetryingReader) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxRetries), ctx)
}

// retry runs op under the backoff policy. Only transient errors are retried.
func (r *RetryingReader) retry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, r.backoff(ctx))
}

func (r *RetryingReader) TipNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := r.retry(ctx, func() error {
		var err error
		n, err = r.inner.TipNumber(ctx)
		return err
	})
	return n, err
}

func (r *RetryingReader) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	var b *types.Block
	err := r.retry(ctx, func() error {
		var err error
		b, err = r.inner.BlockByHash(ctx, hash)
		return err
	})
	return b, err
}

func (r *RetryingReader) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	var b *types.Block
	err := r.retry(ctx, func() error {
		var err error
		b, err = r.inner.BlockByNumber(ctx, number)
		return err
	})
	return b, err
}

func (r *RetryingReader) QueryEvents(ctx context.Context, filter EventFilter, from, to uint64) ([]gethtypes.Log, error) {
	var logs []gethtypes.Log
	err := r.retry(ctx, func() error {
		var err error
		logs, err = r.inner.QueryEvents(ctx, filter, from, to)
		return err
	})
	return logs, err
}
