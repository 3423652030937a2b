package kvstore

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to generate random encryption key
func generateRandomKey(size int) []byte {
	key := make([]byte, size)
	_, err := rand.Read(key)
	if err != nil {
		panic(err) // Should never happen in tests
	}
	return key
}

// Helper function to generate test encryption keys
func generateTestKeys() ([]byte, []byte) {
	return generateRandomKey(32), generateRandomKey(32)
}

// fakeStore is a SingleStore that is not badger-backed.
type fakeStore struct{}

func (fakeStore) Put(string, []byte) error   { return nil }
func (fakeStore) PutBatch([]Entry) error     { return nil }
func (fakeStore) Get(string) ([]byte, error) { return nil, ErrKeyNotFound }
func (fakeStore) Delete(string) error        { return nil }

func newBackedStore(t *testing.T, encryptionKey []byte) (*BadgerStoreManager, SingleStore) {
	t.Helper()
	manager, err := NewBadgerStoreManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = manager.Close()
	})

	store, err := manager.GetSingleStore(Options{CreateIfMissing: true, EncryptionKey: encryptionKey}, "svc", "profiles")
	require.NoError(t, err)
	return manager, store
}

func TestNewBackupExecutor_Validation(t *testing.T) {
	backupDir := t.TempDir()
	key := generateRandomKey(32)

	t.Run("rejects empty backup dir", func(t *testing.T) {
		_, err := NewBackupExecutor("deviceA", nil, key, "")
		assert.Error(t, err)
	})

	t.Run("rejects missing backup key", func(t *testing.T) {
		_, err := NewBackupExecutor("deviceA", nil, nil, backupDir)
		assert.Error(t, err)
	})

	t.Run("rejects non-badger store", func(t *testing.T) {
		_, err := NewBackupExecutor("deviceA", fakeStore{}, key, backupDir)
		assert.Error(t, err)
	})

	t.Run("nil store yields restore-only executor", func(t *testing.T) {
		executor, err := NewBackupExecutor("deviceA", nil, key, backupDir)
		require.NoError(t, err)
		assert.Error(t, executor.Execute())
	})
}

func TestBackupExecutor_Execute(t *testing.T) {
	backupDir := filepath.Join(t.TempDir(), "backups")
	encryptionKey, backupEncryptionKey := generateTestKeys()

	_, store := newBackedStore(t, encryptionKey)

	executor, err := NewBackupExecutor("deviceA", store, backupEncryptionKey, backupDir)
	require.NoError(t, err)

	t.Run("first backup should create initial backup", func(t *testing.T) {
		require.NoError(t, store.Put("key1", []byte("value1")))

		require.NoError(t, executor.Execute())

		files, err := filepath.Glob(filepath.Join(backupDir, "backup-*.enc"))
		require.NoError(t, err)
		assert.Len(t, files, 1)

		info, err := executor.LoadVersionInfo()
		require.NoError(t, err)
		assert.Greater(t, info.Version, uint64(0))
	})

	t.Run("incremental backup should only backup changes", func(t *testing.T) {
		initialInfo, err := executor.LoadVersionInfo()
		require.NoError(t, err)
		initialVersion := initialInfo.Version

		require.NoError(t, store.Put("key2", []byte("value2")))

		require.NoError(t, executor.Execute())

		files, err := filepath.Glob(filepath.Join(backupDir, "backup-*.enc"))
		require.NoError(t, err)
		assert.Len(t, files, 2)

		finalInfo, err := executor.LoadVersionInfo()
		require.NoError(t, err)
		assert.Greater(t, finalInfo.Version, initialVersion)
	})

	t.Run("backup with no changes should be skipped", func(t *testing.T) {
		info, err := executor.LoadVersionInfo()
		require.NoError(t, err)
		currentVersion := info.Version

		require.NoError(t, executor.Execute())

		newInfo, err := executor.LoadVersionInfo()
		require.NoError(t, err)
		assert.Equal(t, currentVersion, newInfo.Version)

		files, err := filepath.Glob(filepath.Join(backupDir, "backup-*.enc"))
		require.NoError(t, err)
		assert.Len(t, files, 2) // Should still be 2 from previous test
	})
}

func TestBackupExecutor_BackupMetadata(t *testing.T) {
	backupDir := filepath.Join(t.TempDir(), "backups")
	encryptionKey, backupEncryptionKey := generateTestKeys()

	_, store := newBackedStore(t, encryptionKey)

	executor, err := NewBackupExecutor("deviceA", store, backupEncryptionKey, backupDir)
	require.NoError(t, err)

	require.NoError(t, store.Put("test-key", []byte("test-value")))
	require.NoError(t, executor.Execute())

	files, err := filepath.Glob(filepath.Join(backupDir, "backup-*.enc"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	t.Run("backup file should have correct metadata", func(t *testing.T) {
		meta, err := executor.parseBackupMetadata(files[0])
		require.NoError(t, err)

		assert.Equal(t, "AES-256-GCM", meta.Algo)
		assert.NotEmpty(t, meta.NonceB64)
		assert.NotEmpty(t, meta.CreatedAt)
		assert.Greater(t, meta.NextSince, meta.Since)
		assert.NotEmpty(t, meta.EncryptionKeyID)
	})

	t.Run("backup file should be encrypted", func(t *testing.T) {
		data, err := os.ReadFile(files[0])
		require.NoError(t, err)

		// Magic header is plaintext, the payload is not
		assert.Contains(t, string(data), backupMagic)
		assert.NotContains(t, string(data), "test-value")
	})
}

func TestBackupExecutor_VersionTracking(t *testing.T) {
	backupDir := filepath.Join(t.TempDir(), "backups")
	require.NoError(t, os.MkdirAll(backupDir, 0700))

	// Restore-only executor is enough for version tracking
	executor := &BackupExecutor{
		DeviceID:            "deviceA",
		BackupEncryptionKey: generateRandomKey(32),
		BackupDir:           backupDir,
	}

	t.Run("should create version file on first save", func(t *testing.T) {
		require.NoError(t, executor.SaveVersionInfo(12345, 100))

		versionFile := filepath.Join(backupDir, "latest.version")
		_, err := os.Stat(versionFile)
		require.NoError(t, err)

		info, err := executor.LoadVersionInfo()
		require.NoError(t, err)
		assert.Equal(t, uint64(12345), info.Version)
		assert.NotEmpty(t, info.UpdatedAt)
	})

	t.Run("should update version file on subsequent saves", func(t *testing.T) {
		versionFile := filepath.Join(backupDir, "latest.version")
		oldFileInfo, err := os.Stat(versionFile)
		require.NoError(t, err)
		oldModTime := oldFileInfo.ModTime()

		time.Sleep(100 * time.Millisecond)

		require.NoError(t, executor.SaveVersionInfo(67890, 200))

		newFileInfo, err := os.Stat(versionFile)
		require.NoError(t, err)
		assert.True(t, newFileInfo.ModTime().After(oldModTime), "File modification time should be updated")

		newInfo, err := executor.LoadVersionInfo()
		require.NoError(t, err)
		assert.Equal(t, uint64(67890), newInfo.Version)
	})

	t.Run("should handle missing version file gracefully", func(t *testing.T) {
		versionFile := filepath.Join(backupDir, "latest.version")
		os.Remove(versionFile)

		info, err := executor.LoadVersionInfo()
		require.NoError(t, err)
		assert.Equal(t, uint64(0), info.Version)
		assert.NotEmpty(t, info.UpdatedAt)
	})
}

func TestBackupExecutor_Restore(t *testing.T) {
	testDir := t.TempDir()
	backupDir := filepath.Join(testDir, "backups")
	restorePath := filepath.Join(testDir, "restored")

	encryptionKey, backupEncryptionKey := generateTestKeys()

	manager, store := newBackedStore(t, encryptionKey)

	executor, err := NewBackupExecutor("deviceA", store, backupEncryptionKey, backupDir)
	require.NoError(t, err)

	testData := map[string]string{
		"key1": "value1",
		"key2": "value2",
		"key3": "value3",
	}

	// Three incremental backups, one key each
	for _, key := range []string{"key1", "key2", "key3"} {
		require.NoError(t, store.Put(key, []byte(testData[key])))
		require.NoError(t, executor.Execute())
	}

	require.NoError(t, manager.Close())

	t.Run("should restore all backups in order", func(t *testing.T) {
		require.NoError(t, executor.RestoreAll(restorePath, encryptionKey))

		// The restore path is a flat badger directory, open it directly
		restoreOpts := badger.DefaultOptions(restorePath).
			WithEncryptionKey(encryptionKey).
			WithIndexCacheSize(10 << 20)
		restoreDB, err := badger.Open(restoreOpts)
		require.NoError(t, err)
		defer restoreDB.Close()

		restored := &badgerSingleStore{db: restoreDB}
		for key, expectedValue := range testData {
			value, err := restored.Get(key)
			require.NoError(t, err)
			assert.Equal(t, expectedValue, string(value))
		}
	})

	t.Run("should handle empty backup directory", func(t *testing.T) {
		emptyBackupDir := filepath.Join(testDir, "empty_backups")

		emptyExecutor, err := NewBackupExecutor("deviceA", nil, backupEncryptionKey, emptyBackupDir)
		require.NoError(t, err)

		emptyRestorePath := filepath.Join(testDir, "empty_restored")
		require.NoError(t, emptyExecutor.RestoreAll(emptyRestorePath, encryptionKey))
	})
}

func TestBackupExecutor_BackupFileFormat(t *testing.T) {
	backupDir := filepath.Join(t.TempDir(), "backups")
	encryptionKey, backupEncryptionKey := generateTestKeys()

	_, store := newBackedStore(t, encryptionKey)

	executor, err := NewBackupExecutor("deviceA", store, backupEncryptionKey, backupDir)
	require.NoError(t, err)

	require.NoError(t, store.Put("test-key", []byte("test-value")))
	require.NoError(t, executor.Execute())

	files, err := filepath.Glob(filepath.Join(backupDir, "backup-*.enc"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	t.Run("backup file should have correct format", func(t *testing.T) {
		data, err := os.ReadFile(files[0])
		require.NoError(t, err)

		// Check magic header
		require.GreaterOrEqual(t, len(data), len(backupMagic)+4)
		assert.Equal(t, backupMagic, string(data[:len(backupMagic)]))

		// Check metadata length (4 bytes after magic)
		metaLen := binary.BigEndian.Uint32(data[len(backupMagic) : len(backupMagic)+4])
		assert.Greater(t, metaLen, uint32(0))
		assert.Less(t, metaLen, uint32(len(data)-len(backupMagic)-4))
	})

	t.Run("backup filename should follow pattern", func(t *testing.T) {
		filename := filepath.Base(files[0])
		assert.Contains(t, filename, "backup-deviceA-")
		assert.Contains(t, filename, ".enc")
	})
}

// Helper method to parse backup metadata for testing
func (b *BackupExecutor) parseBackupMetadata(path string) (BackupMeta, error) {
	var meta BackupMeta

	f, err := os.Open(path)
	if err != nil {
		return meta, err
	}
	defer f.Close()

	// Skip magic
	magicBuf := make([]byte, len(backupMagic))
	if _, err := f.Read(magicBuf); err != nil {
		return meta, err
	}

	// Read metadata length
	var metaLen uint32
	if err := binary.Read(f, binary.BigEndian, &metaLen); err != nil {
		return meta, err
	}

	// Read metadata
	metaBuf := make([]byte, metaLen)
	if _, err := f.Read(metaBuf); err != nil {
		return meta, err
	}

	err = json.Unmarshal(metaBuf, &meta)
	return meta, err
}
