package profilestore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"

	"github.com/patrykniedzwiecki/device-profile-core/pkg/kvstore"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/logger"
)

var (
	// ErrNotInitialized is returned by store operations before a handle
	// has been acquired.
	ErrNotInitialized = errors.New("profile store not initialized")

	// ErrKeyValueMismatch is returned by PutProfileBatch when keys and
	// values differ in length.
	ErrKeyValueMismatch = errors.New("keys and values differ in length")
)

const (
	defaultRetryAttempts = 10
	defaultRetryDelay    = 500 * time.Millisecond
)

// InitStatus reports how initialization ended. It moves away from
// InitUninitialized exactly once and never reverts.
type InitStatus int32

const (
	InitUninitialized InitStatus = iota
	InitSucceeded
	InitFailed
)

func (s InitStatus) String() string {
	switch s {
	case InitSucceeded:
		return "succeeded"
	case InitFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// Storage is a thin accessor over one store issued by a StoreManager.
// It acquires the handle lazily with bounded retry and serializes all
// store operations behind a single read-write lock. It adds no caching,
// no encoding and no retry beyond the initialization phase.
type Storage struct {
	manager kvstore.StoreManager
	ownerID string
	storeID string

	retryAttempts uint
	retryDelay    time.Duration

	// mu guards opts, store and every delegated operation. The handle
	// is not assumed to be thread-safe on its own.
	mu    sync.RWMutex
	opts  kvstore.Options
	store kvstore.SingleStore

	status atomic.Int32

	cbMu         sync.Mutex
	initCallback func()
	callbackSet  bool
}

// New creates a Storage for the store identified by ownerID and
// storeID. The handle is not acquired until Init.
func New(manager kvstore.StoreManager, ownerID, storeID string) *Storage {
	return &Storage{
		manager:       manager,
		ownerID:       ownerID,
		storeID:       storeID,
		opts:          kvstore.Options{CreateIfMissing: true},
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
	}
}

// SetOptions replaces the options used to open the store. Call it
// before Init; later changes only affect a reacquisition.
func (s *Storage) SetOptions(opts kvstore.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
}

// RegisterInitCallback registers cb to run once when initialization
// finishes, successfully or not. The slot is single-assignment: the
// first registration wins and every later call returns false without
// replacing it. A nil cb is rejected without consuming the slot.
func (s *Storage) RegisterInitCallback(cb func()) bool {
	if cb == nil {
		return false
	}

	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	if s.callbackSet {
		return false
	}
	s.callbackSet = true
	s.initCallback = cb
	return true
}

// Init acquires the store handle, retrying on failure with a fixed
// delay between attempts. The exclusive lock is held for the whole
// acquisition loop so no reader can observe a half-initialized store.
// The wait between attempts aborts early when ctx is cancelled.
//
// After the lock is released the registered callback (if any) runs
// exactly once, before the status transition, so it still observes
// InitUninitialized. The terminal status reports whether a handle was
// actually acquired. The status moves away from InitUninitialized only
// once; a later Init can reacquire the handle but not rewrite history.
func (s *Storage) Init(ctx context.Context) error {
	start := time.Now()

	s.mu.Lock()
	err := retry.Do(
		func() error {
			store, err := s.manager.GetSingleStore(s.opts, s.ownerID, s.storeID)
			if err != nil {
				return err
			}
			s.store = store
			return nil
		},
		retry.Attempts(s.retryAttempts),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Error("Failed to acquire profile store", err, "attempt", n+1, "owner", s.ownerID, "store", s.storeID)
		}),
	)
	acquired := err == nil
	s.mu.Unlock()

	logger.Info("Profile store initialization finished",
		"owner", s.ownerID,
		"store", s.storeID,
		"elapsed", time.Since(start).String(),
		"acquired", acquired)

	// The callback must run before the status transition.
	s.notifyInitDone()

	if acquired {
		s.status.CompareAndSwap(int32(InitUninitialized), int32(InitSucceeded))
		return nil
	}
	s.status.CompareAndSwap(int32(InitUninitialized), int32(InitFailed))
	return err
}

func (s *Storage) notifyInitDone() {
	s.cbMu.Lock()
	cb := s.initCallback
	s.initCallback = nil
	s.cbMu.Unlock()

	if cb != nil {
		cb()
	}
}

// InitStatus returns the current initialization status.
func (s *Storage) InitStatus() InitStatus {
	return InitStatus(s.status.Load())
}

// GetProfile reads the value stored under key. Concurrent readers
// proceed in parallel. A missing key surfaces as the collaborator's
// kvstore.ErrKeyNotFound; it is an expected miss and not logged.
func (s *Storage) GetProfile(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.store == nil {
		return nil, ErrNotInitialized
	}

	value, err := s.store.Get(key)
	if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
		logger.Error("Failed to get profile", err, "key", key)
	}
	return value, err
}

// PutProfile writes value under key.
func (s *Storage) PutProfile(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		return ErrNotInitialized
	}

	if err := s.store.Put(key, value); err != nil {
		logger.Error("Failed to put profile", err, "key", key)
		return err
	}
	return nil
}

// PutProfileBatch writes values under keys pairwise, preserving input
// order, as one atomic batch. When the lengths differ nothing is
// written and ErrKeyValueMismatch is returned.
func (s *Storage) PutProfileBatch(keys []string, values [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		return ErrNotInitialized
	}
	if len(keys) != len(values) {
		return ErrKeyValueMismatch
	}

	entries := make([]kvstore.Entry, 0, len(keys))
	for i, key := range keys {
		entries = append(entries, kvstore.Entry{Key: key, Value: values[i]})
	}

	if err := s.store.PutBatch(entries); err != nil {
		logger.Error("Failed to put profile batch", err, "entries", len(entries))
		return err
	}
	return nil
}

// DeleteProfile removes the value stored under key.
func (s *Storage) DeleteProfile(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		return ErrNotInitialized
	}

	if err := s.store.Delete(key); err != nil {
		logger.Error("Failed to delete profile", err, "key", key)
		return err
	}
	return nil
}

// DeleteStore removes the whole store through the manager.
// Irreversible. It deliberately takes no lock: it is a teardown
// operation and must not run while other operations are in flight. The
// handle is left untouched; operations after deletion fail with the
// collaborator's errors.
func (s *Storage) DeleteStore() error {
	if err := s.manager.DeleteStore(s.ownerID, s.storeID); err != nil {
		logger.Error("Failed to delete profile store", err, "owner", s.ownerID, "store", s.storeID)
		return err
	}
	return nil
}
