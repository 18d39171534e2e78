package storage

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type BadgerEngine struct {
	db *badger.DB
}

var _ Engine = (*BadgerEngine)(nil)

type Config struct {
	DataPath   string
	InMemory   bool
	SyncWrites bool
	ValueLogGC bool
	GCInterval time.Duration
}

func NewEngine(config Config) (*BadgerEngine, error) {
	opts := badger.DefaultOptions(config.DataPath)

	if config.InMemory {
		opts = opts.WithInMemory(true)
	}

	opts = opts.WithSyncWrites(config.SyncWrites)
	opts = opts.WithLogger(nil) // Disable badger's default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	engine := &BadgerEngine{db: db}

	if config.ValueLogGC && !config.InMemory {
		go engine.runGC(config.GCInterval)
	}

	return engine, nil
}

func (e *BadgerEngine) Put(key, value []byte) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (e *BadgerEngine) Get(key []byte) ([]byte, error) {
	var value []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}

	return value, err
}

func (e *BadgerEngine) Delete(key []byte) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (e *BadgerEngine) Exists(key []byte) (bool, error) {
	err := e.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return false, nil
	}

	return err == nil, err
}

func (e *BadgerEngine) List(prefix []byte) (map[string][]byte, error) {
	result := make(map[string][]byte)

	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			result[string(key)] = value
		}

		return nil
	})

	return result, err
}

// Update runs fn inside a single badger transaction so that concurrent
// read-modify-write cycles on the same key cannot interleave. Conflicting
// transactions are retried until they commit.
func (e *BadgerEngine) Update(key []byte, fn func(current []byte) ([]byte, error)) error {
	for {
		err := e.db.Update(func(txn *badger.Txn) error {
			var current []byte
			item, err := txn.Get(key)
			if err == nil {
				current, err = item.ValueCopy(nil)
				if err != nil {
					return err
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}

			next, err := fn(current)
			if err != nil {
				return err
			}
			return txn.Set(key, next)
		})

		if err == badger.ErrConflict {
			continue
		}
		return err
	}
}

func (e *BadgerEngine) Close() error {
	return e.db.Close()
}

func (e *BadgerEngine) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		again := true
		for again {
			err := e.db.RunValueLogGC(0.7)
			again = err == nil
		}
	}
}

var ErrNotFound = fmt.Errorf("key not found")
