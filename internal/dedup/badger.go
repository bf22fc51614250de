package dedup

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"
)

// BadgerSet is a disk-backed Set. The default for single-instance
// deployments: keys survive restarts without an external service.
type BadgerSet struct {
	db *badger.DB
}

// NewBadgerSet opens (or creates) the set at the given path.
func NewBadgerSet(path string) (*BadgerSet, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerSet{db: db}, nil
}

// Add marks the key inside one read-write transaction, so concurrent
// callers racing on a fresh key serialize on the store.
func (s *BadgerSet) Add(_ context.Context, key common.Hash) (bool, error) {
	fresh := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key.Bytes())
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		fresh = true
		return txn.Set(key.Bytes(), []byte{1})
	})
	if err != nil {
		return false, fmt.Errorf("marking dedup key: %w", err)
	}
	return fresh, nil
}

func (s *BadgerSet) Seen(_ context.Context, key common.Hash) (bool, error) {
	seen := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key.Bytes())
		if err == nil {
			seen = true
			return nil
		}
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("reading dedup key: %w", err)
	}
	return seen, nil
}

func (s *BadgerSet) Close() error {
	return s.db.Close()
}
