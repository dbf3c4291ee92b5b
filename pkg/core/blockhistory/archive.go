package blockhistory

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainfold/chainfold/pkg/core/types"
)

var (
	ErrHeaderNotFound = errors.New("blockhistory: header not in archive")
)

// Archive is an optional persistent header store backed by BadgerDB. The hub
// appends canonical headers and the head hash so a restarted follower can
// warm its bootstrap without refetching deep history. The hub writes it on
// every tick that advances the chain and reads it only for parent headers
// missing from the store, before asking the endpoint; a failed write or
// read is ignored, so the core never depends on it.
type Archive struct {
	db *badger.DB
}

// OpenArchive creates or opens an archive at the given path. An empty path
// opens an in-memory archive (for testing).
func OpenArchive(path string) (*Archive, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	// Reduce logging noise
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Keys:
// Header by hash:  "header:hash:<hash>" -> gob-encoded header
// Canonical index: "header:number:<number>" -> hash
// Head:            "chain:head" -> hash

func (a *Archive) PutHeader(b *types.Block) error {
	return a.db.Update(func(txn *badger.Txn) error {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(b); err != nil {
			return err
		}
		key := fmt.Sprintf("header:hash:%x", b.Hash)
		return txn.Set([]byte(key), buf.Bytes())
	})
}

func (a *Archive) Header(hash common.Hash) (*types.Block, error) {
	var block types.Block
	err := a.db.View(func(txn *badger.Txn) error {
		key := fmt.Sprintf("header:hash:%x", hash)
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrHeaderNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&block)
		})
	})
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (a *Archive) SetCanonical(number uint64, hash common.Hash) error {
	return a.db.Update(func(txn *badger.Txn) error {
		key := fmt.Sprintf("header:number:%d", number)
		return txn.Set([]byte(key), hash[:])
	})
}

func (a *Archive) CanonicalHash(number uint64) (common.Hash, error) {
	var hash common.Hash
	err := a.db.View(func(txn *badger.Txn) error {
		key := fmt.Sprintf("header:number:%d", number)
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrHeaderNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			copy(hash[:], val)
			return nil
		})
	})
	return hash, err
}

func (a *Archive) SaveHead(hash common.Hash) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("chain:head"), hash[:])
	})
}

func (a *Archive) Head() (common.Hash, error) {
	var hash common.Hash
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("chain:head"))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrHeaderNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			copy(hash[:], val)
			return nil
		})
	})
	return hash, err
}
