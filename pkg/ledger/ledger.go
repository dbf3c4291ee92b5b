package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/chainfold/chainfold/pkg/core/types"
)

var (
	// ErrNotFound means the requested block does not exist on the endpoint
	// (yet). It is not a failure of the endpoint itself.
	ErrNotFound = errors.New("ledger: block not found")
)

// EventFilter restricts an event query to contracts and topics of interest.
// Empty slices match everything, mirroring the underlying node semantics.
type EventFilter struct {
	Addresses []common.Address
	Topics    [][]common.Hash
}

// Reader is the capability set the follower and the fold engine consume from
// an external chain provider. All calls honor ctx cancellation. Failures are
// classified transient or permanent; see IsTransient.
type Reader interface {
	// TipNumber returns the number of the highest block the endpoint knows.
	TipNumber(ctx context.Context) (uint64, error)

	// BlockByHash fetches a header by hash. Returns ErrNotFound if unknown.
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)

	// BlockByNumber fetches the endpoint's current header at the given
	// height. Returns ErrNotFound above the endpoint's tip.
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)

	// QueryEvents returns the events matching filter in the inclusive block
	// range [from, to], in canonical order.
	QueryEvents(ctx context.Context, filter EventFilter, from, to uint64) ([]gethtypes.Log, error)
}

// TransientError marks a failure worth retrying: timeouts, connection drops,
// endpoint hiccups. The reconcile loop retries these on its next tick.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "ledger: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not go away on retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "ledger: permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable. Returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is retryable. Context cancellation and
// ErrNotFound are not transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err means the block does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
