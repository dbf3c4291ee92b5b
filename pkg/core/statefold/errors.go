package statefold

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrBlockOutOfRange means the query target is above the tip or could
	// not be located on the chain at all.
	ErrBlockOutOfRange = errors.New("statefold: block out of range")

	// ErrQueryOutOfRange means user code asked an access middleware for
	// events outside the block range it is allowed to observe.
	ErrQueryOutOfRange = errors.New("statefold: event query outside accessible range")
)

// FoldableError wraps a failure from user Sync/Fold code with the block at
// which it happened. Single-flight waiters all receive the same value.
type FoldableError struct {
	Hash common.Hash
	Err  error
}

func (e *FoldableError) Error() string {
	return "statefold: user code failed at block " + e.Hash.Hex() + ": " + e.Err.Error()
}

func (e *FoldableError) Unwrap() error { return e.Err }

// newFoldableError attaches the block context and captures the call stack at
// the fold/sync boundary, so a user error surfaced far up the stack still
// identifies where the engine invoked it.
func newFoldableError(hash common.Hash, err error) *FoldableError {
	return &FoldableError{Hash: hash, Err: pkgerrors.WithStack(err)}
}
