package blob

import (
	"context"
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a store at path. An empty path keeps everything in
// memory.
func NewBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path)).WithValueLogFileSize(1 << 20)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	handle := newHandle("blob")
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(handle), data).WithMeta(metaFor(contentType))
		return txn.SetEntry(e)
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

func (s *BadgerStore) Get(ctx context.Context, handle string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(handle))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// metaFor tags JSON payloads so a raw dump can tell them apart.
func metaFor(contentType string) byte {
	if contentType == "application/json" {
		return 1
	}
	return 0
}
