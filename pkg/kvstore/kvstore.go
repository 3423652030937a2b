package kvstore

import "errors"

var (
	// ErrKeyNotFound is returned by Get when the key has no value.
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreNotFound is returned when a store is requested with
	// CreateIfMissing disabled and no store exists on disk.
	ErrStoreNotFound = errors.New("store not found")
)

// Entry is one key-value pair in a batch write.
type Entry struct {
	Key   string
	Value []byte
}

// Options controls how a store is opened.
type Options struct {
	// CreateIfMissing opens a fresh store when none exists on disk.
	CreateIfMissing bool

	// SyncWrites makes every write wait for the OS to confirm the sync.
	SyncWrites bool

	// EncryptionKey enables at-rest encryption when non-empty. Must be
	// 16, 24 or 32 bytes. The same key must be supplied on every open.
	EncryptionKey []byte
}

// SingleStore is one named key-value store owned by a single service.
// Handles are opaque to their holders; closing belongs to the manager
// that issued them.
type SingleStore interface {
	// Put stores a key-value pair in the store.
	Put(key string, value []byte) error

	// PutBatch stores all entries in one transaction. Either every
	// entry is written or none is.
	PutBatch(entries []Entry) error

	// Get retrieves the value associated with a key. Returns
	// ErrKeyNotFound when the key has no value.
	Get(key string) ([]byte, error)

	// Delete removes a key-value pair from the store. Deleting a
	// missing key is not an error.
	Delete(key string) error
}

// StoreManager issues SingleStore handles and owns their lifecycle.
type StoreManager interface {
	// GetSingleStore opens (or returns the already-open handle for)
	// the store identified by ownerID and storeID.
	GetSingleStore(opts Options, ownerID, storeID string) (SingleStore, error)

	// DeleteStore closes the store if open and removes its data.
	// Irreversible.
	DeleteStore(ownerID, storeID string) error

	// Close closes every handle this manager issued.
	Close() error
}
