package kvstore

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/patrykniedzwiecki/device-profile-core/pkg/common/pathutil"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/logger"
)

// BadgerStoreManager keeps each (owner, store) pair in its own BadgerDB
// directory under a common base directory. Handles are cached, so
// repeated GetSingleStore calls for the same store return the same live
// handle until DeleteStore or Close.
type BadgerStoreManager struct {
	baseDir string

	mu      sync.Mutex
	handles map[string]*badgerSingleStore
}

// NewBadgerStoreManager creates a manager rooted at baseDir.
func NewBadgerStoreManager(baseDir string) (*BadgerStoreManager, error) {
	if baseDir == "" {
		return nil, errors.New("base directory not provided")
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &BadgerStoreManager{
		baseDir: baseDir,
		handles: make(map[string]*badgerSingleStore),
	}, nil
}

func handleKey(ownerID, storeID string) string {
	return ownerID + "/" + storeID
}

// GetSingleStore opens the store for ownerID/storeID, or returns the
// cached handle if it is already open. The first open pins the options;
// later calls with different options get the existing handle.
func (m *BadgerStoreManager) GetSingleStore(opts Options, ownerID, storeID string) (SingleStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if handle, ok := m.handles[handleKey(ownerID, storeID)]; ok {
		return handle, nil
	}

	dir, err := pathutil.SafeSubpath(m.baseDir, ownerID, storeID)
	if err != nil {
		return nil, fmt.Errorf("invalid store identifier: %w", err)
	}

	if !opts.CreateIfMissing {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil, ErrStoreNotFound
		}
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	badgerOpts := badger.DefaultOptions(dir).
		WithCompression(options.ZSTD).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(newBadgerLogAdapter())
	if len(opts.EncryptionKey) > 0 {
		badgerOpts = badgerOpts.WithEncryptionKey(opts.EncryptionKey).WithIndexCacheSize(100 << 20) // 100MB
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}

	logger.Info("Opened profile store", "owner", ownerID, "store", storeID, "path", dir)

	handle := &badgerSingleStore{db: db}
	m.handles[handleKey(ownerID, storeID)] = handle
	return handle, nil
}

// DeleteStore closes the store's handle if one is open and removes its
// directory. Deleting a store that never existed is not an error.
func (m *BadgerStoreManager) DeleteStore(ownerID, storeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := handleKey(ownerID, storeID)
	if handle, ok := m.handles[key]; ok {
		if err := handle.close(); err != nil {
			return fmt.Errorf("failed to close store before delete: %w", err)
		}
		delete(m.handles, key)
	}

	dir, err := pathutil.SafeSubpath(m.baseDir, ownerID, storeID)
	if err != nil {
		return fmt.Errorf("invalid store identifier: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove store directory: %w", err)
	}

	logger.Info("Deleted profile store", "owner", ownerID, "store", storeID)
	return nil
}

// Close closes every cached handle. The manager can be reused after
// Close; stores reopen on the next GetSingleStore.
func (m *BadgerStoreManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for key, handle := range m.handles {
		if err := handle.close(); err != nil {
			logger.Error("Failed to close store", err, "store", key)
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(m.handles, key)
	}
	return firstErr
}

// badgerSingleStore is a SingleStore over one BadgerDB instance.
type badgerSingleStore struct {
	db *badger.DB
}

// Put stores a key-value pair in the store.
func (s *badgerSingleStore) Put(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// PutBatch stores all entries in a single transaction.
func (s *badgerSingleStore) PutBatch(entries []Entry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, entry := range entries {
			if err := txn.Set([]byte(entry.Key), entry.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get retrieves the value associated with a key.
func (s *badgerSingleStore) Get(key string) ([]byte, error) {
	var result []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == nil {
			return item.Value(func(val []byte) error {
				result = append([]byte{}, val...)
				return nil
			})
		}
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	return result, err
}

// Delete removes a key-value pair from the store.
func (s *badgerSingleStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *badgerSingleStore) close() error {
	return s.db.Close()
}
